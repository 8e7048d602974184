package audio

import (
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
)

// WavWriter 把 float32 样本写成 16-bit PCM WAV 文件。数据先进同目录
// 的唯一临时文件，Commit 成功后才原子 rename 到目标路径，目标路径上
// 永远不会出现写了一半的文件。
type WavWriter struct {
	file      *os.File
	enc       *wav.Encoder
	buf       *goaudio.IntBuffer
	tmpPath   string
	finalPath string
}

// NewWavWriter 在 finalPath 同目录创建临时文件并写入 WAV 头。
func NewWavWriter(finalPath string, sampleRate, channels int) (*WavWriter, error) {
	tmpPath := fmt.Sprintf("%s.%s.tmp", finalPath, uuid.NewString()[:8])
	file, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("创建临时文件失败: %w", err)
	}

	return &WavWriter{
		file: file,
		enc:  wav.NewEncoder(file, sampleRate, 16, channels, 1),
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
			SourceBitDepth: 16,
		},
		tmpPath:   tmpPath,
		finalPath: finalPath,
	}, nil
}

// WriteSamples 追加一段样本，可多次调用。样本按 16-bit 钳位量化。
func (w *WavWriter) WriteSamples(samples []float32) error {
	if w.file == nil {
		return fmt.Errorf("写入器已关闭")
	}
	ints := Float32ToInt16(samples)
	if cap(w.buf.Data) < len(ints) {
		w.buf.Data = make([]int, len(ints))
	}
	w.buf.Data = w.buf.Data[:len(ints)]
	for i, s := range ints {
		w.buf.Data[i] = int(s)
	}
	if err := w.enc.Write(w.buf); err != nil {
		return fmt.Errorf("写入 WAV 数据失败: %w", err)
	}
	return nil
}

// Commit 回填 WAV 头、落盘并把临时文件 rename 到目标路径。
func (w *WavWriter) Commit() error {
	if w.file == nil {
		return fmt.Errorf("写入器已关闭")
	}
	if err := w.enc.Close(); err != nil {
		w.Abort()
		return fmt.Errorf("关闭 WAV 编码器失败: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.Abort()
		return fmt.Errorf("落盘失败: %w", err)
	}
	if err := w.file.Close(); err != nil {
		w.file = nil
		os.Remove(w.tmpPath)
		return fmt.Errorf("关闭临时文件失败: %w", err)
	}
	w.file = nil
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("替换目标文件失败: %w", err)
	}
	return nil
}

// Abort 丢弃已写内容并删除临时文件，可重复调用。
func (w *WavWriter) Abort() {
	if w.file == nil {
		return
	}
	w.file.Close()
	w.file = nil
	os.Remove(w.tmpPath)
}

// ReadWavMono 读取 WAV 文件为单声道 float32 样本，多声道取平均，
// 返回样本与文件自身的采样率。
func ReadWavMono(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("打开 WAV 文件失败: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("不是有效的 WAV 文件: %s", path)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("解码 WAV 失败: %w", err)
	}

	rate := buf.Format.SampleRate
	channels := buf.Format.NumChannels
	fbuf := buf.AsFloat32Buffer()
	if channels <= 1 {
		return fbuf.Data, rate, nil
	}

	frames := len(fbuf.Data) / channels
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += fbuf.Data[i*channels+c]
		}
		mono[i] = sum / float32(channels)
	}
	return mono, rate, nil
}
