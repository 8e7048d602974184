package analysis

import (
	"fmt"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/sekoia29/vose/internal/audio"
	"github.com/sekoia29/vose/internal/logger"
)

// vadSampleRate 是 Silero VAD 模型的固定输入采样率。
const vadSampleRate = 16000

// Detector 封装 sherpa-onnx Silero VAD，用于精修音素样本中
// 有声区域的起点。
type Detector struct {
	vad    *sherpa.VoiceActivityDetector
	config sherpa.VadModelConfig
}

// NewDetector 创建语音活动检测器。
// modelPath: Silero VAD ONNX 模型文件路径
// threshold: 检测灵敏度（典型值 0.5）
// minSilenceMs: 最小静音时长（毫秒），超过此时长视为片段结束
func NewDetector(modelPath string, threshold float32, minSilenceMs int) (*Detector, error) {
	config := sherpa.VadModelConfig{
		SileroVad: sherpa.SileroVadModelConfig{
			Model:              modelPath,
			Threshold:          threshold,
			MinSilenceDuration: float32(minSilenceMs) / 1000.0,
			MinSpeechDuration:  0.05,
			MaxSpeechDuration:  30.0,
			WindowSize:         512,
		},
		SampleRate: vadSampleRate,
		NumThreads: 1,
		Provider:   "cpu",
	}

	// NewVoiceActivityDetector 的第二个参数是缓冲区秒数
	vad := sherpa.NewVoiceActivityDetector(&config, float32(30))
	if vad == nil {
		return nil, fmt.Errorf("创建语音活动检测器失败，模型: %s", modelPath)
	}

	logger.Infof("[analysis] 语音活动检测器已创建: model=%s threshold=%.2f minSilenceMs=%d",
		modelPath, threshold, minSilenceMs)

	return &Detector{
		vad:    vad,
		config: config,
	}, nil
}

// RefineOnset 检测样本中第一段语音的起点（秒）。样本先重采样到
// 模型要求的 16kHz。没有检出语音时返回 (0, false)。
func (d *Detector) RefineOnset(samples []float32, sampleRate int) (float64, bool) {
	d.vad.Clear()

	feed := samples
	if sampleRate != vadSampleRate {
		feed = audio.Resample(samples, sampleRate, vadSampleRate)
	}
	d.vad.AcceptWaveform(feed)
	d.vad.Flush()

	if d.vad.IsEmpty() {
		return 0, false
	}
	segment := d.vad.Front()
	d.vad.Pop()

	return float64(segment.Start) / float64(vadSampleRate), true
}

// Close 释放底层 sherpa-onnx VAD 资源。
func (d *Detector) Close() {
	if d.vad != nil {
		sherpa.DeleteVoiceActivityDetector(d.vad)
		d.vad = nil
		logger.Info("[analysis] 语音活动检测器已关闭")
	}
}
