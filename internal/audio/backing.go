package audio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	mp3 "github.com/hajimehoshi/go-mp3"

	"github.com/sekoia29/vose/internal/logger"
)

// BackingTrack 是解码为单声道 float32 的伴奏音频，采样率已对齐到
// 渲染管线的采样率。
type BackingTrack struct {
	Samples    []float32
	SampleRate int
}

// LoadBackingTrack 按扩展名解码伴奏文件（支持 mp3 和 wav），混合为
// 单声道并重采样到 targetRate。
func LoadBackingTrack(path string, targetRate int) (*BackingTrack, error) {
	var (
		samples []float32
		rate    int
		err     error
	)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		samples, rate, err = decodeMP3(path)
	case ".wav":
		samples, rate, err = ReadWavMono(path)
	default:
		return nil, fmt.Errorf("不支持的伴奏格式: %s", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}

	if rate != targetRate {
		logger.Debugf("[audio] 伴奏重采样 %d → %d: %s", rate, targetRate, path)
		samples = Resample(samples, rate, targetRate)
	}

	return &BackingTrack{Samples: samples, SampleRate: targetRate}, nil
}

// decodeMP3 解码整个 MP3 文件。解码器固定输出 16-bit 双声道小端
// PCM，这里直接混合为单声道。
func decodeMP3(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("打开 MP3 文件失败: %w", err)
	}
	defer f.Close()

	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		return nil, 0, fmt.Errorf("创建 MP3 解码器失败: %w", err)
	}

	data, err := io.ReadAll(decoder)
	if err != nil {
		return nil, 0, fmt.Errorf("解码 MP3 失败: %w", err)
	}

	return StereoBytesToMonoFloat32(data), decoder.SampleRate(), nil
}

// Resample 用线性插值把样本从 from 采样率转换到 to 采样率。
func Resample(in []float32, from, to int) []float32 {
	if from == to || len(in) == 0 || from <= 0 || to <= 0 {
		return in
	}

	n := int(float64(len(in)) * float64(to) / float64(from))
	if n <= 0 {
		return nil
	}
	step := float64(from) / float64(to)
	out := make([]float32, n)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j+1 < len(in) {
			frac := float32(pos - float64(j))
			out[i] = in[j]*(1-frac) + in[j+1]*frac
		} else {
			out[i] = in[len(in)-1]
		}
	}
	return out
}

// Window 返回从 startFrame 起的 n 个样本，轨道范围之外补零，用于
// 把伴奏对齐到时间轴上的任意窗口。
func (t *BackingTrack) Window(startFrame, n int) []float32 {
	out := make([]float32, n)
	if startFrame >= len(t.Samples) || startFrame+n <= 0 {
		return out
	}
	src := startFrame
	dst := 0
	if src < 0 {
		dst = -src
		src = 0
	}
	copy(out[dst:], t.Samples[src:])
	return out
}
