package render

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sekoia29/vose/internal/audio"
	"github.com/sekoia29/vose/internal/engine"
	"github.com/sekoia29/vose/internal/logger"
	"github.com/sekoia29/vose/internal/score"
	"github.com/sekoia29/vose/internal/store"
	"github.com/sekoia29/vose/internal/timing"
)

// ErrCancelled 表示导出任务被用户取消。
var ErrCancelled = errors.New("导出已取消")

// ProgressFunc 接收导出进度：百分比和当前处理的音符标签。
type ProgressFunc func(percent int, label string)

// writeChunkSamples 控制落盘批次大小，避免一次性驻留整首歌的 int 缓冲。
const writeChunkSamples = 65536

// Exporter 执行离线导出：对快照逐音符渲染，混成完整时间线后写出
// 16-bit WAV。取消只在音符边界生效，任何失败都不会在目标路径留下
// 半成品文件。
type Exporter struct {
	bridge     *engine.Bridge
	sampleRate int
	history    *store.Store // 可为 nil，此时不归档
	sm         *StateMachine
	cancel     atomic.Bool
	mu         sync.Mutex
}

// NewExporter 创建导出器。history 传 nil 时跳过渲染历史归档。
func NewExporter(bridge *engine.Bridge, sampleRate int, history *store.Store) *Exporter {
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	return &Exporter{
		bridge:     bridge,
		sampleRate: sampleRate,
		history:    history,
		sm:         NewStateMachine(),
	}
}

// State 返回当前导出状态。
func (e *Exporter) State() State {
	return e.sm.Current()
}

// OnStateChange 注册状态变化回调。
func (e *Exporter) OnStateChange(fn func(from, to State)) {
	e.sm.SetOnChange(fn)
}

// Cancel 请求取消当前任务。渲染循环在下一个音符边界停下，进行中
// 的单音符合成不会被打断。
func (e *Exporter) Cancel() {
	e.cancel.Store(true)
}

// Export 渲染 notes 快照并写出到 outPath。阻塞直到任务结束，调用方
// 需要异步时自行包一层 goroutine。progress 可为 nil。
func (e *Exporter) Export(ctx context.Context, notes []score.Note, outPath string, progress ProgressFunc) error {
	if !e.mu.TryLock() {
		return fmt.Errorf("已有导出任务在进行中")
	}
	defer e.mu.Unlock()

	if e.sm.Current().terminal() {
		e.sm.Transition(StateIdle)
	}
	if !e.sm.Transition(StateRendering) {
		return fmt.Errorf("当前状态 %s 不允许开始导出", e.sm.Current())
	}

	e.cancel.Store(false)
	job := renderJob{
		id:        uuid.NewString(),
		startedAt: time.Now(),
		outPath:   outPath,
		noteCount: len(notes),
	}
	logger.Infof("[export] 任务 %s 开始: %d 个音符 → %s", job.id, len(notes), outPath)

	err := e.renderJob(ctx, notes, outPath, progress)
	switch {
	case err == nil:
		e.finish(&job, StateCompleted, "")
	case errors.Is(err, ErrCancelled):
		e.finish(&job, StateCancelled, err.Error())
	default:
		e.finish(&job, StateFailed, err.Error())
	}
	return err
}

type renderJob struct {
	id        string
	startedAt time.Time
	outPath   string
	noteCount int
}

func (e *Exporter) renderJob(ctx context.Context, notes []score.Note, outPath string, progress ProgressFunc) error {
	aligned, warnings := timing.Align(notes)
	for _, w := range warnings {
		logger.Warnf("[export] %s", w)
	}
	groups := groupByNote(aligned)
	if len(groups) == 0 {
		return fmt.Errorf("快照中没有可渲染的音素")
	}

	writer, err := audio.NewWavWriter(outPath, e.sampleRate, 1)
	if err != nil {
		return fmt.Errorf("创建输出文件失败: %w", err)
	}
	defer writer.Abort() // 成功路径 Commit 之后 Abort 是空操作

	// 每个音符单独走一次桥接调用，取消和错误都落在音符粒度；
	// 各音符缓冲从时间轴零点起，叠加即得完整混音。
	var master []float32
	for i, group := range groups {
		if err := e.cancelled(ctx); err != nil {
			return err
		}

		noteIdx := group[0].NoteIndex
		note := notes[noteIdx]

		req, err := engine.BuildRequest(notes, group, e.sampleRate)
		if err != nil {
			return fmt.Errorf("音符 %d（起始 %.3fs）请求构建失败: %w", noteIdx, note.StartTime, err)
		}
		buf, err := e.bridge.Render(ctx, req)
		if err != nil {
			return fmt.Errorf("音符 %d（起始 %.3fs）渲染失败: %w", noteIdx, note.StartTime, err)
		}

		if len(buf.Samples) > len(master) {
			grown := make([]float32, len(buf.Samples))
			copy(grown, master)
			master = grown
		}
		audio.MixInto(master, buf.Samples, 1.0)

		if progress != nil {
			progress((i+1)*100/len(groups), noteLabel(note, group))
		}
	}

	if err := e.cancelled(ctx); err != nil {
		return err
	}

	for off := 0; off < len(master); off += writeChunkSamples {
		end := off + writeChunkSamples
		if end > len(master) {
			end = len(master)
		}
		if err := writer.WriteSamples(master[off:end]); err != nil {
			return fmt.Errorf("写出音频失败: %w", err)
		}
	}
	if err := writer.Commit(); err != nil {
		return fmt.Errorf("提交输出文件失败: %w", err)
	}
	return nil
}

// cancelled 在音符边界检查取消来源：上下文或 Cancel 标志。
func (e *Exporter) cancelled(ctx context.Context) error {
	if ctx.Err() != nil || e.cancel.Load() {
		return ErrCancelled
	}
	return nil
}

// finish 归档任务结果并落终态。
func (e *Exporter) finish(job *renderJob, final State, detail string) {
	e.sm.Transition(final)

	status := store.StatusCompleted
	switch final {
	case StateFailed:
		status = store.StatusFailed
		logger.Errorf("[export] 任务 %s 失败: %s", job.id, detail)
	case StateCancelled:
		status = store.StatusCancelled
		logger.Infof("[export] 任务 %s 已取消", job.id)
	default:
		logger.Infof("[export] 任务 %s 完成: %s", job.id, job.outPath)
	}

	if e.history == nil {
		return
	}
	rec := store.RenderRecord{
		ID:         job.id,
		StartedAt:  job.startedAt,
		FinishedAt: time.Now(),
		Status:     status,
		OutputPath: job.outPath,
		NoteCount:  job.noteCount,
		Detail:     detail,
	}
	if err := e.history.RecordRender(rec); err != nil {
		logger.Warnf("[export] 归档渲染历史失败: %v", err)
	}
}

// groupByNote 把对齐结果按音符切成连续段，段内顺序保持不变。
func groupByNote(aligned []timing.AlignedPhoneme) [][]timing.AlignedPhoneme {
	var groups [][]timing.AlignedPhoneme
	start := 0
	for i := 1; i <= len(aligned); i++ {
		if i == len(aligned) || aligned[i].NoteIndex != aligned[start].NoteIndex {
			groups = append(groups, aligned[start:i])
			start = i
		}
	}
	return groups
}

// noteLabel 给进度回调一个人能读的标签：歌词优先，其次首音素。
func noteLabel(note score.Note, group []timing.AlignedPhoneme) string {
	if note.Lyric != "" {
		return note.Lyric
	}
	return group[0].Phoneme
}
