package analysis

import (
	"fmt"
	"math"
)

// onsetFloor 是起音判定阈值：首个 RMS 达到峰值 5% 的窗口。
const onsetFloor = 0.05

// Timing 是一个音素样本的时序分析结果（秒）。
type Timing struct {
	Onset        float64 // 有声内容的物理起点
	PreUtterance float64 // 提前送出的时长（能量上升最陡处）
	Overlap      float64 // 与前一音素尾部的交叠时长
}

// AnalyzeEnvelope 对单声道样本做包络分析。
//
// 样本按 windowMs 毫秒切窗计算 RMS：起音取首个达到峰值 5% 的窗口，
// 先行发声点取 RMS 上升最陡的窗口（不早于起音），交叠固定为先行
// 发声的一半。全静音样本无法分析，返回错误。
func AnalyzeEnvelope(samples []float32, sampleRate, windowMs int) (Timing, error) {
	if len(samples) == 0 {
		return Timing{}, fmt.Errorf("样本为空")
	}
	if sampleRate <= 0 {
		return Timing{}, fmt.Errorf("采样率 %d 无效", sampleRate)
	}
	if windowMs <= 0 {
		windowMs = 10
	}

	winSize := sampleRate * windowMs / 1000
	if winSize < 1 {
		winSize = 1
	}

	rms := windowRMS(samples, winSize)

	var peak float64
	for _, v := range rms {
		if v > peak {
			peak = v
		}
	}
	if peak == 0 {
		return Timing{}, fmt.Errorf("样本内容全为静音")
	}

	onsetWin := -1
	for i, v := range rms {
		if v >= peak*onsetFloor {
			onsetWin = i
			break
		}
	}

	// 上升最陡的窗口不会早于起音窗口
	steepWin := onsetWin
	var steepest float64
	for i := onsetWin + 1; i < len(rms); i++ {
		if slope := rms[i] - rms[i-1]; slope > steepest {
			steepest = slope
			steepWin = i
		}
	}

	winSec := float64(winSize) / float64(sampleRate)
	pre := float64(steepWin) * winSec
	return Timing{
		Onset:        float64(onsetWin) * winSec,
		PreUtterance: pre,
		Overlap:      pre / 2,
	}, nil
}

// windowRMS 计算每个窗口的均方根能量，末尾不足一个窗口的样本并入
// 最后一个窗口。
func windowRMS(samples []float32, winSize int) []float64 {
	n := len(samples) / winSize
	if n == 0 {
		n = 1
	}
	out := make([]float64, n)
	for w := 0; w < n; w++ {
		start := w * winSize
		end := start + winSize
		if w == n-1 {
			end = len(samples)
		}
		var sum float64
		for _, s := range samples[start:end] {
			sum += float64(s) * float64(s)
		}
		out[w] = math.Sqrt(sum / float64(end-start))
	}
	return out
}
