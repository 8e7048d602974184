package engine

import "time"

// PCMBuffer 是一次渲染结果的 Go 侧独立拷贝。
// 原生缓冲区在 Bridge 返回前已经释放，这里的数据可以安全地
// 长期持有、跨协程传递。
type PCMBuffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames 返回缓冲区的帧数。
func (b *PCMBuffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration 返回缓冲区的播放时长。
func (b *PCMBuffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(b.Frames()) / float64(b.SampleRate) * float64(time.Second))
}
