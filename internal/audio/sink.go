package audio

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/sekoia29/vose/internal/logger"
)

// DeviceError 表示音频设备在某个阶段出错。调用方据此决定降级策略，
// 例如关闭实时输出但继续离线渲染。
type DeviceError struct {
	Stage string // context / device / start
	Err   error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("音频设备初始化失败（阶段 %s）: %v", e.Stage, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// SinkConfig 是实时输出端的参数。
type SinkConfig struct {
	SampleRate     int      // 采样率，默认 44100
	Channels       int      // 声道数，默认 1
	PeriodFrames   int      // 回调块大小（帧），默认 256
	RingFrames     int      // 环形缓冲容量（帧），必须是 2 的幂
	DevicePriority []string // 后端优先级，如 ["wasapi", "coreaudio", "alsa"]
}

// Sink 是实时音频输出端：渲染线程往环形缓冲写 float32 样本，
// 设备回调按固定块大小拉取并转成 16-bit PCM。缓冲不足时补零
// 并累加欠载计数，回调永不阻塞、永不分配。
type Sink struct {
	cfg       SinkConfig
	ring      *Ring
	sm        *StateMachine
	underruns atomic.Uint64
	scratch   []float32

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	closed bool
}

// NewSink 创建输出端。此时不会触碰音频设备，设备在 Start 时才打开。
func NewSink(cfg SinkConfig) (*Sink, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 44100
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.PeriodFrames <= 0 {
		cfg.PeriodFrames = 256
	}
	if cfg.RingFrames <= 0 {
		cfg.RingFrames = 16384
	}

	ring, err := NewRing(cfg.RingFrames * cfg.Channels)
	if err != nil {
		return nil, fmt.Errorf("创建输出缓冲失败: %w", err)
	}

	return &Sink{
		cfg:  cfg,
		ring: ring,
		sm:   NewStateMachine(),
		// 回调中绝不分配，预留 4 个周期应付设备偶尔要求的大块
		scratch: make([]float32, cfg.PeriodFrames*cfg.Channels*4),
	}, nil
}

// Start 打开设备并进入 Streaming 状态。按 DevicePriority 的顺序
// 尝试各后端，全部失败时回退到平台默认后端再试一次。
func (s *Sink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("输出端已关闭")
	}
	if !s.sm.Transition(StateStarting) {
		return fmt.Errorf("当前状态 %s 不允许启动", s.sm.Current())
	}

	ctx, err := newContext(s.cfg.DevicePriority)
	if err != nil {
		s.sm.Transition(StateIdle)
		return &DeviceError{Stage: "context", Err: err}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = uint32(s.cfg.Channels)
	deviceConfig.SampleRate = uint32(s.cfg.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(s.cfg.PeriodFrames)
	deviceConfig.Periods = 2

	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frameCount uint32) {
			s.fillBlock(out, frameCount)
		},
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		ctx.Uninit()
		ctx.Free()
		s.sm.Transition(StateIdle)
		return &DeviceError{Stage: "device", Err: err}
	}

	// 预填一个周期的静音，避免设备启动瞬间就欠载
	s.ring.Write(make([]float32, s.cfg.PeriodFrames*s.cfg.Channels))

	if err := device.Start(); err != nil {
		device.Uninit()
		ctx.Uninit()
		ctx.Free()
		s.sm.Transition(StateIdle)
		return &DeviceError{Stage: "start", Err: err}
	}

	s.ctx = ctx
	s.device = device
	s.sm.Transition(StateStreaming)
	logger.Infof("[sink] 音频输出已启动 rate=%d channels=%d period=%d",
		s.cfg.SampleRate, s.cfg.Channels, s.cfg.PeriodFrames)
	return nil
}

// newContext 按优先级初始化 malgo 上下文，优先级全部失败时回退
// 平台默认后端再试一次。
func newContext(priority []string) (*malgo.AllocatedContext, error) {
	logProc := func(message string) {
		logger.Debugf("[malgo] %s", message)
	}

	backends := backendsFromPriority(priority)
	ctx, err := malgo.InitContext(backends, malgo.ContextConfig{}, logProc)
	if err != nil && len(backends) > 0 {
		logger.Warnf("[sink] 按优先级 %v 初始化后端失败，回退平台默认: %v",
			priority, err)
		ctx, err = malgo.InitContext(nil, malgo.ContextConfig{}, logProc)
	}
	return ctx, err
}

// fillBlock 从环形缓冲拉取样本填满一个回调块。不足的部分补零并
// 记一次欠载。热路径：无锁、无分配、无日志。
func (s *Sink) fillBlock(out []byte, frameCount uint32) {
	need := int(frameCount) * s.cfg.Channels
	filled := 0
	for filled < need {
		chunk := need - filled
		if chunk > len(s.scratch) {
			chunk = len(s.scratch)
		}
		n := s.ring.Read(s.scratch[:chunk])
		for i := 0; i < n; i++ {
			v := s.scratch[i]
			if v > 1.0 {
				v = 1.0
			} else if v < -1.0 {
				v = -1.0
			}
			smp := int16(v * 32767)
			out[(filled+i)*2] = byte(smp)
			out[(filled+i)*2+1] = byte(smp >> 8)
		}
		filled += n
		if n < chunk {
			break
		}
	}
	if filled < need {
		s.underruns.Add(1)
		for i := filled * 2; i < need*2; i++ {
			out[i] = 0
		}
	}
}

// Write 往环形缓冲推送样本，返回实际写入数。缓冲满时不阻塞，
// 调用方按 Free 的余量自行节流。
func (s *Sink) Write(samples []float32) int {
	return s.ring.Write(samples)
}

// Free 返回环形缓冲剩余可写的样本数。
func (s *Sink) Free() int {
	return s.ring.Free()
}

// Buffered 返回环形缓冲中待播放的样本数。
func (s *Sink) Buffered() int {
	return s.ring.Len()
}

// Underruns 返回累计欠载次数。
func (s *Sink) Underruns() uint64 {
	return s.underruns.Load()
}

// State 返回当前播放状态。
func (s *Sink) State() State {
	return s.sm.Current()
}

// OnStateChange 注册状态变化回调。
func (s *Sink) OnStateChange(fn func(from, to State)) {
	s.sm.SetOnChange(fn)
}

// Stop 停止播放并关闭设备，缓冲内容被丢弃。
func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Sink) stopLocked() error {
	if s.sm.Current() == StateIdle {
		return nil
	}
	if !s.sm.Transition(StateStopping) {
		return fmt.Errorf("当前状态 %s 不允许停止", s.sm.Current())
	}

	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	if s.ctx != nil {
		s.ctx.Uninit()
		s.ctx.Free()
		s.ctx = nil
	}
	s.ring.Reset()
	s.sm.Transition(StateIdle)
	logger.Infof("[sink] 音频输出已停止 underruns=%d", s.underruns.Load())
	return nil
}

// Close 停止播放并释放资源，可重复调用。
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.stopLocked()
}

// backendsFromPriority 把配置里的后端名映射为 malgo 后端列表，
// 未知的名字记一条警告后跳过。
func backendsFromPriority(names []string) []malgo.Backend {
	known := map[string]malgo.Backend{
		"wasapi":     malgo.BackendWasapi,
		"dsound":     malgo.BackendDsound,
		"winmm":      malgo.BackendWinmm,
		"coreaudio":  malgo.BackendCoreaudio,
		"sndio":      malgo.BackendSndio,
		"audio4":     malgo.BackendAudio4,
		"oss":        malgo.BackendOss,
		"pulseaudio": malgo.BackendPulseaudio,
		"alsa":       malgo.BackendAlsa,
		"jack":       malgo.BackendJack,
		"aaudio":     malgo.BackendAaudio,
		"opensl":     malgo.BackendOpensl,
		"null":       malgo.BackendNull,
	}

	var backends []malgo.Backend
	for _, name := range names {
		b, ok := known[name]
		if !ok {
			logger.Warnf("[sink] 未知的音频后端 %q，已忽略", name)
			continue
		}
		backends = append(backends, b)
	}
	return backends
}
