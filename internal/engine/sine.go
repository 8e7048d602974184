package engine

import (
	"fmt"
	"math"
)

// SineBackend 是纯 Go 的正弦波后端，无需音源资产即可出声，
// 用于没有原生引擎库的环境。混音规则与引擎保持一致：力度缩放
// velocity/127*0.5，音素在记录时长内均分，边缘 5ms 线性淡化。
type SineBackend struct {
	// TailSeconds 是缓冲区在最后一个音符之后保留的余量（秒）。
	TailSeconds float64

	voiceName string
	loaded    bool
}

// crossfadeSeconds 是音素边缘的淡入淡出长度，与引擎侧一致。
const crossfadeSeconds = 0.005

// NewSineBackend 创建正弦波后端。
func NewSineBackend(tailSeconds float64) *SineBackend {
	if tailSeconds <= 0 {
		tailSeconds = 1.0
	}
	return &SineBackend{TailSeconds: tailSeconds}
}

// Init 记录音源名。正弦波后端不需要磁盘资产，路径仅作标识。
func (s *SineBackend) Init(voiceName, voicePath string) error {
	if s.loaded {
		return fmt.Errorf("音源 %q 尚未卸载", s.voiceName)
	}
	s.voiceName = voiceName
	s.loaded = true
	return nil
}

// Terminate 卸载音源。
func (s *SineBackend) Terminate() {
	s.voiceName = ""
	s.loaded = false
}

// RenderFull 渲染整个请求。
func (s *SineBackend) RenderFull(req *Request) (NativeBuffer, error) {
	if !s.loaded {
		return nil, &BackendCallError{Reason: "后端未初始化"}
	}
	if req == nil || len(req.Notes) == 0 {
		return nil, &BackendCallError{Reason: "空请求"}
	}

	rate := float64(req.SampleRate)
	var lastEnd float64
	for _, n := range req.Notes {
		if end := n.Start + n.Duration; end > lastEnd {
			lastEnd = end
		}
	}
	total := int((lastEnd + s.TailSeconds) * rate)
	if total <= 0 {
		return nil, &BackendCallError{Reason: "缓冲区长度为零"}
	}
	out := make([]float32, total)

	fade := int(crossfadeSeconds * rate)
	for _, n := range req.Notes {
		if len(n.Phonemes) == 0 || n.Duration <= 0 {
			continue
		}
		freq := 440.0 * math.Pow(2, float64(n.NoteNumber-69)/12.0)
		amp := float64(n.Velocity) / 127.0 * 0.5
		phLen := n.Duration / float64(len(n.Phonemes))

		for j := range n.Phonemes {
			start := int((n.Start + float64(j)*phLen) * rate)
			count := int(phLen * rate)
			for k := 0; k < count; k++ {
				idx := start + k
				if idx < 0 || idx >= total {
					continue
				}
				v := amp * math.Sin(2*math.Pi*freq*float64(k)/rate)
				// 音素边缘 5ms 线性淡化，避免爆音。
				if fade > 0 {
					if k < fade {
						v *= float64(k) / float64(fade)
					} else if count-k <= fade {
						v *= float64(count-k) / float64(fade)
					}
				}
				out[idx] += float32(v)
			}
		}
	}

	return &goBuffer{samples: out}, nil
}

// goBuffer 是 Go 侧分配的 NativeBuffer 实现。
type goBuffer struct {
	samples []float32
}

func (g *goBuffer) Samples() []float32 { return g.samples }

// Release 置空样本引用。释放后 Samples 返回空切片。
func (g *goBuffer) Release() { g.samples = nil }
