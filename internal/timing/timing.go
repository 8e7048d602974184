package timing

import (
	"fmt"

	"github.com/sekoia29/vose/internal/score"
)

// AlignedPhoneme 是对齐后的单个音素片段，时间均为引擎侧秒数。
type AlignedPhoneme struct {
	Phoneme string
	// Start 是修正后的起始时间，恒 >= 0。
	Start float64
	// Duration 是修正后的时长，恒 > 0。
	Duration float64
	// Crossfade 是与前一音符尾部的交叠时长，只出现在音符的首个
	// 音素上，且不超过前一音符的修正时长。淡入淡出本身由引擎完成，
	// 这里只负责时长计算。
	Crossfade float64
	// NoteIndex 是来源音符在快照中的下标，用于错误定位和重组。
	NoteIndex int
}

// Warning 记录对齐过程中被修正或丢弃的音符。非致命，由调用方记日志。
type Warning struct {
	NoteIndex int
	Reason    string
}

func (w Warning) String() string {
	return fmt.Sprintf("音符 %d: %s", w.NoteIndex, w.Reason)
}

// window 是单个音符的修正时间窗，对齐的中间结果。
type window struct {
	noteIndex int
	phonemes  []string
	start     float64
	duration  float64
	crossfade float64
}

// Align 把编辑器时序转换为引擎时序。
//
// 每个音符按先行发声提前起点: corrected_start = max(0, start - pre_utterance)，
// corrected_duration = duration + pre_utterance。先行发声超过起始时间时超出
// 部分被 0 点截断（辅音前导被吃掉），这是正常边界而不是错误。overlap 把前一
// 音符的尾部让出同样长度用于交叠；超过前一音符修正时长的 overlap 被截到该
// 时长并记录警告。修正后时长 <= 0 的音符丢弃并记录警告。未分析
// （HasAnalysis=false）的音符按零修正平铺。
//
// 音符的各音素在修正窗内均分时长，顺序保持不变。
func Align(notes []score.Note) ([]AlignedPhoneme, []Warning) {
	var warnings []Warning
	windows := make([]window, 0, len(notes))

	for i, n := range notes {
		pre := n.PreUtterance
		overlap := n.Overlap
		if !n.HasAnalysis {
			pre = 0
			overlap = 0
		}

		if n.Duration <= 0 {
			warnings = append(warnings, Warning{i, fmt.Sprintf("时长 %.3fs 无效，已丢弃", n.Duration)})
			continue
		}

		correctedStart := n.StartTime - pre
		if correctedStart < 0 {
			correctedStart = 0
		}
		correctedDuration := n.Duration + pre
		if correctedDuration <= 0 {
			warnings = append(warnings, Warning{i, fmt.Sprintf("修正后时长 %.3fs 无效，已丢弃", correctedDuration)})
			continue
		}

		// 没有音素的音符是休止符，不产生片段。歌词与音素不一致的
		// 校验在请求构建阶段完成。
		if len(n.Phonemes) == 0 {
			continue
		}

		w := window{
			noteIndex: i,
			phonemes:  n.Phonemes,
			start:     correctedStart,
			duration:  correctedDuration,
		}

		// overlap 让前一音符的尾部与本音符交叠，超出前一音符修正
		// 时长的部分无意义，截断处理。
		if overlap > 0 && len(windows) > 0 {
			prev := &windows[len(windows)-1]
			if overlap > prev.duration {
				warnings = append(warnings, Warning{i,
					fmt.Sprintf("overlap %.3fs 超过前一音符时长 %.3fs，已截断", overlap, prev.duration)})
				overlap = prev.duration
			}
			prev.duration -= overlap
			w.crossfade = overlap

			if prev.duration <= 0 {
				warnings = append(warnings, Warning{prev.noteIndex, "尾部被 overlap 完全占用，已丢弃"})
				windows = windows[:len(windows)-1]
			}
		}

		windows = append(windows, w)
	}

	var aligned []AlignedPhoneme
	for _, w := range windows {
		phLen := w.duration / float64(len(w.phonemes))
		for j, ph := range w.phonemes {
			seg := AlignedPhoneme{
				Phoneme:   ph,
				Start:     w.start + float64(j)*phLen,
				Duration:  phLen,
				NoteIndex: w.noteIndex,
			}
			if j == 0 {
				seg.Crossfade = w.crossfade
			}
			aligned = append(aligned, seg)
		}
	}
	return aligned, warnings
}
