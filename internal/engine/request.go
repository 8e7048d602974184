package engine

import (
	"fmt"
	"math"

	"github.com/sekoia29/vose/internal/score"
	"github.com/sekoia29/vose/internal/timing"
)

const (
	// MaxPhonemesPerRecord 是单条原生音符记录能携带的音素上限，
	// 由引擎侧 CNoteEvent 的定长数组决定。
	MaxPhonemesPerRecord = 8
	// maxRecordsPerCall 是单次合成调用的音符记录硬上限。
	maxRecordsPerCall = 4096
)

// NoteRecord 对应引擎侧的一条 CNoteEvent。
// 超长音符拆分出的后续记录共享同一个 NoteIndex，渲染输出按记录
// 顺序衔接，音素顺序因此保持不变。
type NoteRecord struct {
	NoteNumber int
	Start      float64 // 秒
	Duration   float64 // 秒
	Velocity   int
	Phonemes   []string // 长度 <= MaxPhonemesPerRecord
	NoteIndex  int      // 来源音符在快照中的下标
}

// Request 是一次原生合成调用的全部输入。
// names 持有传给引擎的音素名缓冲（NUL 结尾），在调用返回前必须
// 保持可达，过早释放是这里明确防御的错误类别。
type Request struct {
	Notes      []NoteRecord
	SampleRate int

	names [][]byte
}

// NameBuffers 返回请求持有的音素名缓冲，供后端实现使用。
func (r *Request) NameBuffers() [][]byte { return r.names }

// BuildRequest 把对齐后的音素片段打包成一次原生调用的请求。
//
// 每条记录最多 MaxPhonemesPerRecord 个音素；超出的音符拆成多条
// 记录，音高与力度照抄，时间按音素数比例分摊。notes 是对齐前的
// 快照，用于校验与查询音高、力度。
func BuildRequest(notes []score.Note, aligned []timing.AlignedPhoneme, sampleRate int) (*Request, error) {
	if sampleRate <= 0 {
		return nil, &ValidationError{NoteIndex: -1, Reason: fmt.Sprintf("采样率 %d 无效", sampleRate)}
	}

	for i, n := range notes {
		for _, v := range []float64{n.StartTime, n.Duration, n.Onset, n.Overlap, n.PreUtterance} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, &ValidationError{NoteIndex: i, Reason: "时序值不是有限数"}
			}
		}
		if len(n.Phonemes) == 0 && n.Lyric != "" {
			return nil, &ValidationError{NoteIndex: i,
				Reason: fmt.Sprintf("歌词 %q 没有音素（解析状态不一致）", n.Lyric)}
		}
	}

	req := &Request{SampleRate: sampleRate}

	// aligned 按音符下标聚成连续的段，逐段打包。
	for gs := 0; gs < len(aligned); {
		ge := gs
		for ge < len(aligned) && aligned[ge].NoteIndex == aligned[gs].NoteIndex {
			ge++
		}
		group := aligned[gs:ge]
		noteIndex := group[0].NoteIndex
		if noteIndex < 0 || noteIndex >= len(notes) {
			return nil, &ValidationError{NoteIndex: noteIndex, Reason: "片段引用了不存在的音符"}
		}
		note := notes[noteIndex]

		for _, seg := range group {
			if math.IsNaN(seg.Start) || math.IsInf(seg.Start, 0) ||
				math.IsNaN(seg.Duration) || math.IsInf(seg.Duration, 0) {
				return nil, &ValidationError{NoteIndex: noteIndex, Reason: "对齐后的时序值不是有限数"}
			}
		}

		for off := 0; off < len(group); off += MaxPhonemesPerRecord {
			end := off + MaxPhonemesPerRecord
			if end > len(group) {
				end = len(group)
			}
			chunk := group[off:end]

			rec := NoteRecord{
				NoteNumber: note.NoteNumber,
				Start:      chunk[0].Start,
				Velocity:   note.Velocity,
				NoteIndex:  noteIndex,
			}
			for _, seg := range chunk {
				rec.Duration += seg.Duration
				rec.Phonemes = append(rec.Phonemes, seg.Phoneme)
				req.names = append(req.names, nulTerminated(seg.Phoneme))
			}
			req.Notes = append(req.Notes, rec)
		}
		gs = ge
	}

	if len(req.Notes) > maxRecordsPerCall {
		return nil, &ValidationError{NoteIndex: -1,
			Reason: fmt.Sprintf("拆分后仍有 %d 条记录，超过单次调用上限 %d", len(req.Notes), maxRecordsPerCall)}
	}
	return req, nil
}

// nulTerminated 生成引擎可直接消费的 C 字符串字节。
func nulTerminated(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}
