package analysis

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sekoia29/vose/internal/audio"
	"github.com/sekoia29/vose/internal/logger"
	"github.com/sekoia29/vose/internal/store"
)

// ProgressFunc 接收批量分析进度：百分比和当前文件名。
type ProgressFunc func(percent int, filename string)

// Analyzer 对音源的音素样本做时序分析：包络分析给出起音、先行
// 发声和交叠，可选的 VAD 进一步精修有声区域起点，结果写入缓存
// 供编辑器标记 has_analysis。
type Analyzer struct {
	detector *Detector    // 可为 nil，此时仅用包络分析
	cache    *store.Store // 可为 nil，此时只分析不落库
	windowMs int
}

// New 创建分析器。detector 与 cache 都允许为 nil。
func New(detector *Detector, cache *store.Store, windowMs int) *Analyzer {
	if windowMs <= 0 {
		windowMs = 10
	}
	return &Analyzer{detector: detector, cache: cache, windowMs: windowMs}
}

// AnalyzeFile 分析单个 WAV 样本。
func (a *Analyzer) AnalyzeFile(path string) (Timing, error) {
	samples, rate, err := audio.ReadWavMono(path)
	if err != nil {
		return Timing{}, err
	}

	t, err := AnalyzeEnvelope(samples, rate, a.windowMs)
	if err != nil {
		return Timing{}, fmt.Errorf("包络分析失败: %w", err)
	}

	if a.detector != nil {
		if refined, ok := a.detector.RefineOnset(samples, rate); ok {
			// 精修后的起点仍不能越过先行发声点
			if refined > t.PreUtterance {
				refined = t.PreUtterance
			}
			logger.Debugf("[analysis] %s 起音精修 %.3fs → %.3fs", filepath.Base(path), t.Onset, refined)
			t.Onset = refined
		}
	}
	return t, nil
}

// Run 批量分析 dir 下的全部 *.wav 音素样本并写入缓存，音素名取
// 文件名（去扩展名）。单个文件失败记日志后跳过，返回成功分析的
// 数量。取消只在文件边界生效。
func (a *Analyzer) Run(ctx context.Context, voice, dir string, progress ProgressFunc) (int, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.wav"))
	if err != nil {
		return 0, fmt.Errorf("扫描样本目录失败: %w", err)
	}
	if len(paths) == 0 {
		return 0, fmt.Errorf("目录中没有 wav 样本: %s", dir)
	}
	sort.Strings(paths)

	logger.Infof("[analysis] 开始分析音源 %q: %d 个样本", voice, len(paths))

	analyzed := 0
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return analyzed, err
		}

		name := filepath.Base(path)
		t, err := a.AnalyzeFile(path)
		if err != nil {
			logger.Warnf("[analysis] 样本 %s 分析失败: %v", name, err)
		} else {
			if a.cache != nil {
				phoneme := strings.TrimSuffix(name, filepath.Ext(name))
				result := store.AnalysisResult{
					Voice:        voice,
					Phoneme:      phoneme,
					Onset:        t.Onset,
					Overlap:      t.Overlap,
					PreUtterance: t.PreUtterance,
				}
				if err := a.cache.UpsertAnalysis(result); err != nil {
					logger.Warnf("[analysis] 样本 %s 结果写入失败: %v", name, err)
				}
			}
			analyzed++
		}

		if progress != nil {
			progress((i+1)*100/len(paths), name)
		}
	}

	logger.Infof("[analysis] 音源 %q 分析完成: %d/%d 成功", voice, analyzed, len(paths))
	return analyzed, nil
}
