package render

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sekoia29/vose/internal/audio"
	"github.com/sekoia29/vose/internal/engine"
	"github.com/sekoia29/vose/internal/logger"
	"github.com/sekoia29/vose/internal/score"
	"github.com/sekoia29/vose/internal/timing"
)

// PreviewConfig 是交互试听的参数。
type PreviewConfig struct {
	SampleRate       int     // 采样率，默认 44100
	LookaheadSeconds float64 // 预读窗口长度，默认 2.0
	DebounceMs       int     // 编辑防抖，默认 300
}

// backingLayer 是一条已解码的伴奏轨及其混音增益。
type backingLayer struct {
	track *audio.BackingTrack
	gain  float32
}

// Preview 是交互试听循环：单个喂料 goroutine 向桥接提交窗口渲染，
// 把结果推进输出端的环形缓冲，缓冲降到预读阈值以下时续上下一个
// 窗口。编辑产生新快照并递增令牌，带着旧令牌回来的结果直接丢弃，
// 从不打断进行中的合成调用。
type Preview struct {
	bridge *engine.Bridge
	sink   *audio.Sink
	cfg    PreviewConfig

	lookFrames int

	mu       sync.Mutex
	req      *engine.Request // 当前快照构建的请求，快照为空时为 nil
	backing  []backingLayer
	pos      int // 播放头（帧）
	pending  []score.Note
	debounce *time.Timer

	token     atomic.Uint64
	playing   atomic.Bool
	discarded atomic.Uint64

	wake      chan struct{}
	ctx       context.Context
	cancelFn  context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewPreview 创建试听循环并启动喂料 goroutine。sink 由调用方创建
// 和关闭。
func NewPreview(bridge *engine.Bridge, sink *audio.Sink, cfg PreviewConfig) *Preview {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 44100
	}
	if cfg.LookaheadSeconds <= 0 {
		cfg.LookaheadSeconds = 2.0
	}
	if cfg.DebounceMs <= 0 {
		cfg.DebounceMs = 300
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Preview{
		bridge:     bridge,
		sink:       sink,
		cfg:        cfg,
		lookFrames: int(cfg.LookaheadSeconds * float64(cfg.SampleRate)),
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancelFn:   cancel,
		done:       make(chan struct{}),
	}
	go p.run()
	return p
}

// Play 用 notes 的快照从头开始试听。
func (p *Preview) Play(notes []score.Note) error {
	if err := p.applySnapshot(score.CloneNotes(notes), true); err != nil {
		return fmt.Errorf("快照不可渲染: %w", err)
	}
	if p.sink.State() == audio.StateIdle {
		if err := p.sink.Start(); err != nil {
			return err
		}
	}
	p.playing.Store(true)
	p.nudge()
	return nil
}

// Edit 提交编辑后的快照。快速连续的编辑在防抖窗口内合并，只有
// 最后一次生效；播放头保持当前位置。
func (p *Preview) Edit(notes []score.Note) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = score.CloneNotes(notes)
	if p.debounce != nil {
		p.debounce.Stop()
	}
	p.debounce = time.AfterFunc(time.Duration(p.cfg.DebounceMs)*time.Millisecond, p.applyPending)
}

func (p *Preview) applyPending() {
	p.mu.Lock()
	notes := p.pending
	p.pending = nil
	p.mu.Unlock()

	if notes == nil {
		return
	}
	if err := p.applySnapshot(notes, false); err != nil {
		logger.Errorf("[preview] 编辑后的快照不可渲染: %v", err)
	}
}

// applySnapshot 对齐并构建新快照的请求，递增令牌使旧结果失效。
func (p *Preview) applySnapshot(notes []score.Note, resetPos bool) error {
	aligned, warnings := timing.Align(notes)
	for _, w := range warnings {
		logger.Warnf("[preview] %s", w)
	}
	req, err := engine.BuildRequest(notes, aligned, p.cfg.SampleRate)

	p.mu.Lock()
	if err != nil {
		p.req = nil
	} else {
		p.req = req
	}
	if resetPos {
		p.pos = 0
	}
	p.token.Add(1)
	p.mu.Unlock()

	p.nudge()
	return err
}

// SetBackingTracks 解码 wave 轨用于试听混音。解码失败的轨记日志
// 后跳过，不影响人声试听。单声道输出只应用音量，忽略声像。
func (p *Preview) SetBackingTracks(tracks []*score.Track) {
	var layers []backingLayer
	for _, t := range tracks {
		if t.Type != score.TrackTypeWave || t.Mute || t.AudioPath == "" {
			continue
		}
		bt, err := audio.LoadBackingTrack(t.AudioPath, p.cfg.SampleRate)
		if err != nil {
			logger.Warnf("[preview] 伴奏轨 %q 加载失败: %v", t.Name, err)
			continue
		}
		layers = append(layers, backingLayer{track: bt, gain: float32(t.Volume)})
	}

	p.mu.Lock()
	p.backing = layers
	p.mu.Unlock()
	logger.Infof("[preview] 已加载 %d 条伴奏轨", len(layers))
}

// run 是喂料循环。缓冲低于预读阈值时渲染下一个窗口。
func (p *Preview) run() {
	defer close(p.done)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}

		if !p.playing.Load() {
			continue
		}
		if p.sink.Buffered() >= p.lookFrames {
			continue
		}
		p.feedWindow()
	}
}

// feedWindow 渲染到播放头后一个预读窗口，把新增部分推进环形缓冲。
func (p *Preview) feedWindow() {
	tok := p.token.Load()

	p.mu.Lock()
	req := p.req
	pos := p.pos
	backing := p.backing
	p.mu.Unlock()

	if req == nil {
		p.playing.Store(false)
		return
	}

	buf, err := p.bridge.RenderRealtime(p.ctx, req, pos+p.lookFrames)
	if err != nil {
		if p.ctx.Err() == nil {
			logger.Errorf("[preview] 窗口渲染失败: %v", err)
		}
		p.playing.Store(false)
		return
	}
	if p.token.Load() != tok {
		// 渲染期间快照换代，结果作废
		p.discarded.Add(1)
		return
	}

	if pos >= len(buf.Samples) {
		// 人声已经全部送出，等缓冲放完即结束
		if p.sink.Buffered() == 0 {
			p.playing.Store(false)
			logger.Infof("[preview] 播放结束")
		}
		return
	}

	window := buf.Samples[pos:]
	for _, layer := range backing {
		audio.MixInto(window, layer.track.Window(pos, len(window)), layer.gain)
	}

	n := p.sink.Write(window)
	p.mu.Lock()
	if p.token.Load() == tok {
		p.pos += n
	}
	p.mu.Unlock()
}

// nudge 唤醒喂料循环，队列里已有唤醒信号时无需再排。
func (p *Preview) nudge() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// IsPlaying 报告试听是否仍在送出音频。
func (p *Preview) IsPlaying() bool {
	return p.playing.Load()
}

// Position 返回播放头位置（秒）。
func (p *Preview) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return float64(p.pos) / float64(p.cfg.SampleRate)
}

// Discarded 返回因快照换代被丢弃的窗口数，诊断用。
func (p *Preview) Discarded() uint64 {
	return p.discarded.Load()
}

// Stop 停止试听并复位播放头。
func (p *Preview) Stop() error {
	p.playing.Store(false)
	p.mu.Lock()
	p.pos = 0
	if p.debounce != nil {
		p.debounce.Stop()
	}
	p.mu.Unlock()
	return p.sink.Stop()
}

// Close 终止喂料循环。sink 由调用方另行关闭。
func (p *Preview) Close() {
	p.closeOnce.Do(func() {
		p.playing.Store(false)
		p.mu.Lock()
		if p.debounce != nil {
			p.debounce.Stop()
		}
		p.mu.Unlock()
		p.cancelFn()
		<-p.done
	})
}
