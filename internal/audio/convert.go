package audio

import (
	"math"
)

// Int16ToFloat32 将 PCM int16 样本转换为 [-1.0, 1.0] 范围的 float32。
func Int16ToFloat32(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / math.MaxInt16
	}
	return out
}

// Float32ToInt16 将 [-1.0, 1.0] 范围的 float32 样本转换为 PCM int16。
func Float32ToInt16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		// 钳位到 [-1.0, 1.0]
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		out[i] = int16(s * math.MaxInt16)
	}
	return out
}

// BytesToInt16 将小端字节切片转换为 int16 样本。
func BytesToInt16(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(b[2*i]) | int16(b[2*i+1])<<8
	}
	return out
}

// StereoBytesToMonoFloat32 将交错立体声 16-bit PCM 字节混合为单声道
// float32，左右声道取平均。MP3 解码器固定输出这种格式。
func StereoBytesToMonoFloat32(b []byte) []float32 {
	samples := BytesToInt16(b)
	frames := len(samples) / 2
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		left := int32(samples[2*i])
		right := int32(samples[2*i+1])
		out[i] = float32(left+right) / 65536.0
	}
	return out
}

// MixInto 把 src 乘以增益后叠加进 dst，混合长度取两者较短的一段，
// 返回实际混合的样本数。叠加结果不在此处钳位，统一留给输出端。
func MixInto(dst, src []float32, gain float32) int {
	n := len(src)
	if len(dst) < n {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] += src[i] * gain
	}
	return n
}
