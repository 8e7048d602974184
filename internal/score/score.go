package score

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// Note 表示时间线上的一个音符（或读音单元）。
// Onset/Overlap/PreUtterance 三个时序值由音源分析器提供，
// HasAnalysis 为 false 时对齐阶段按零值处理。
type Note struct {
	NoteNumber int      `json:"note_number"` // MIDI 音高 (69 = A4)
	StartTime  float64  `json:"start_time"`  // 起始时间（秒）
	Duration   float64  `json:"duration"`    // 时长（秒）
	Lyric      string   `json:"lyric"`
	Phonemes   []string `json:"phonemes"` // 已解析的音素序列，如 ["k","o","n"]
	Velocity   int      `json:"velocity"` // 力度 (0-127)

	// 原音设定三要素（秒）
	Onset        float64 `json:"onset"`
	Overlap      float64 `json:"overlap"`
	PreUtterance float64 `json:"pre_utterance"`
	HasAnalysis  bool    `json:"has_analysis"`

	// 歌唱表现参数
	VibratoDepth float64 `json:"vibrato_depth"` // 颤音深度（半音幅度，0 关闭）
	VibratoRate  float64 `json:"vibrato_rate"`  // 颤音速率 (Hz)
	FormantShift float64 `json:"formant_shift"`

	// PitchEnd 非 nil 时，音高在音符时长内从 NoteNumber 线性滑向该值
	// （朗读模式的抑扬）；为 nil 时按 NoteNumber 恒定音高合成。
	PitchEnd *float64 `json:"pitch_end,omitempty"`
}

// PitchPoint 表示弯音自动化曲线上的一个点。
type PitchPoint struct {
	Time  float64 `json:"time"`
	Value int     `json:"value"` // -8192 ～ 8191（MIDI 弯音规格）
}

// Track 表示一条轨道：vocal（歌声）或 wave（伴奏音频）。
type Track struct {
	Name      string       `json:"name"`
	Type      string       `json:"type"`
	Notes     []Note       `json:"notes,omitempty"`
	AudioPath string       `json:"audio_path,omitempty"`
	Pitch     []PitchPoint `json:"pitch_automation,omitempty"`
	Volume    float64      `json:"volume"`
	Pan       float64      `json:"pan"`
	Mute      bool         `json:"is_muted"`
	Solo      bool         `json:"is_solo"`
}

// Project 是工程文件的顶层模型。
type Project struct {
	Name        string  `json:"project_name"`
	Tempo       float64 `json:"tempo"`
	SampleRate  int     `json:"sample_rate"`
	CharacterID string  `json:"character_id"`
	Tracks      []Track `json:"tracks"`
}

// TrackTypeVocal / TrackTypeWave 是 Track.Type 的合法取值。
const (
	TrackTypeVocal = "vocal"
	TrackTypeWave  = "wave"
)

// Load 从 JSON 工程文件读取 Project 并填充默认值。
func Load(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取工程文件 %s 失败: %w", path, err)
	}

	p := &Project{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("解析工程文件 %s 失败: %w", path, err)
	}

	p.setDefaults()
	return p, nil
}

// setDefaults 填充缺省的工程与音符参数。
func (p *Project) setDefaults() {
	if p.Tempo == 0 {
		p.Tempo = 120.0
	}
	if p.SampleRate == 0 {
		p.SampleRate = 44100
	}
	for ti := range p.Tracks {
		tr := &p.Tracks[ti]
		if tr.Type == "" {
			tr.Type = TrackTypeVocal
		}
		if tr.Volume == 0 {
			tr.Volume = 1.0
		}
		for ni := range tr.Notes {
			n := &tr.Notes[ni]
			if n.Velocity == 0 {
				n.Velocity = 100
			}
			if n.VibratoRate == 0 {
				n.VibratoRate = 5.5
			}
		}
	}
}

// ActiveVocal 返回当前参与渲染的歌声轨道。
// 任一轨道 Solo 时只考虑 Solo 轨道；静音轨道始终排除。
func (p *Project) ActiveVocal() *Track {
	solo := false
	for i := range p.Tracks {
		if p.Tracks[i].Solo {
			solo = true
			break
		}
	}
	for i := range p.Tracks {
		tr := &p.Tracks[i]
		if tr.Type != TrackTypeVocal || tr.Mute {
			continue
		}
		if solo && !tr.Solo {
			continue
		}
		return tr
	}
	return nil
}

// WaveTracks 返回参与预览混音的伴奏轨道。
func (p *Project) WaveTracks() []*Track {
	solo := false
	for i := range p.Tracks {
		if p.Tracks[i].Solo {
			solo = true
			break
		}
	}
	var out []*Track
	for i := range p.Tracks {
		tr := &p.Tracks[i]
		if tr.Type != TrackTypeWave || tr.Mute || tr.AudioPath == "" {
			continue
		}
		if solo && !tr.Solo {
			continue
		}
		out = append(out, tr)
	}
	return out
}

// Snapshot 深拷贝当前歌声轨道的音符序列。
// 渲染任务只持有快照，后续编辑不会影响已提交的任务。
func (p *Project) Snapshot() []Note {
	tr := p.ActiveVocal()
	if tr == nil {
		return nil
	}
	return CloneNotes(tr.Notes)
}

// CloneNotes 深拷贝音符序列（含音素切片与 PitchEnd）。
func CloneNotes(notes []Note) []Note {
	out := make([]Note, len(notes))
	for i, n := range notes {
		out[i] = n
		if len(n.Phonemes) > 0 {
			out[i].Phonemes = append([]string(nil), n.Phonemes...)
		}
		if n.PitchEnd != nil {
			v := *n.PitchEnd
			out[i].PitchEnd = &v
		}
	}
	return out
}

// BendAt 返回音符内相对时刻 t（秒）处的弯音量（半音）。
// PitchEnd 存在时叠加线性滑音，否则只剩颤音分量；
// 没有任何表现参数时恒为 0。
func (n Note) BendAt(t float64) float64 {
	if t < 0 {
		t = 0
	}
	if n.Duration > 0 && t > n.Duration {
		t = n.Duration
	}

	var bend float64
	if n.PitchEnd != nil && n.Duration > 0 {
		bend += (*n.PitchEnd - float64(n.NoteNumber)) * (t / n.Duration)
	}
	if n.VibratoDepth > 0 && n.VibratoRate > 0 {
		bend += n.VibratoDepth * math.Sin(2*math.Pi*n.VibratoRate*t)
	}
	return bend
}

// End 返回音符的名义结束时间（秒）。
func (n Note) End() float64 {
	return n.StartTime + n.Duration
}
