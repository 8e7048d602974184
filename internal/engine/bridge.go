package engine

import (
	"context"
	"runtime"
	"sync"

	"github.com/sekoia29/vose/internal/logger"
)

// Bridge 是原生引擎句柄的唯一持有者。
//
// 所有后端调用在内部唯一的工作协程上串行执行，全局同一时刻最多
// 一次在途调用。进行中的调用不可取消：提交后调用方只能等待完成，
// 结果到达后可以丢弃。
type Bridge struct {
	backend Backend

	jobs   chan job
	done   chan struct{}
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

type jobKind int

const (
	jobRender jobKind = iota
	jobRenderRealtime
	jobLoadVoice
)

type job struct {
	kind        jobKind
	req         *Request
	frameBudget int
	voiceName   string
	voicePath   string
	resp        chan jobResult
}

type jobResult struct {
	buf *PCMBuffer
	err error
}

// New 创建 Bridge 并启动其工作协程。backend 的所有权移交给 Bridge。
func New(backend Backend) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		backend: backend,
		jobs:    make(chan job),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go b.run(ctx)
	return b
}

// run 是唯一接触 backend 的协程。音源的加载状态只在这里读写。
func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)

	voiceLoaded := false
	defer func() {
		if voiceLoaded {
			b.backend.Terminate()
			logger.Infof("[engine] 音源已卸载")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case jb := <-b.jobs:
			switch jb.kind {
			case jobLoadVoice:
				// 切换音源必须完整卸载旧模块，避免引擎内部
				// 缓存和符号残留。
				if voiceLoaded {
					b.backend.Terminate()
					voiceLoaded = false
					logger.Infof("[engine] 旧音源已卸载")
				}
				if err := b.backend.Init(jb.voiceName, jb.voicePath); err != nil {
					logger.Warnf("[engine] 音源 %q 初始化失败: %v", jb.voiceName, err)
					jb.resp <- jobResult{err: err}
					continue
				}
				voiceLoaded = true
				logger.Infof("[engine] 音源 %q 已加载 (%s)", jb.voiceName, jb.voicePath)
				jb.resp <- jobResult{}

			case jobRender, jobRenderRealtime:
				if !voiceLoaded {
					jb.resp <- jobResult{err: ErrNoVoice}
					continue
				}
				buf, err := b.renderOnWorker(jb.req, jb.kind, jb.frameBudget)
				jb.resp <- jobResult{buf: buf, err: err}
			}
		}
	}
}

// renderOnWorker 执行一次原生调用并管理缓冲区所有权：
// 拷贝样本，随后在所有返回路径上恰好释放一次原生缓冲区。
func (b *Bridge) renderOnWorker(req *Request, kind jobKind, frameBudget int) (*PCMBuffer, error) {
	nb, err := b.backend.RenderFull(req)
	if err != nil {
		// 调用失败时引擎侧没有产生缓冲区，无需释放。
		return nil, err
	}
	defer nb.Release()

	src := nb.Samples()
	n := len(src)
	if kind == jobRenderRealtime && frameBudget > 0 && n > frameBudget {
		n = frameBudget
	}
	out := make([]float32, n)
	copy(out, src[:n])

	// 音素名缓冲必须活到原生调用返回之后。
	runtime.KeepAlive(req)

	return &PCMBuffer{Samples: out, SampleRate: req.SampleRate, Channels: 1}, nil
}

// submit 把任务交给工作协程并等待结果。
// 派发前允许被 ctx 打断；派发后只能等待完成。
func (b *Bridge) submit(ctx context.Context, jb job) (*PCMBuffer, error) {
	jb.resp = make(chan jobResult, 1)

	select {
	case b.jobs <- jb:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		return nil, ErrBridgeClosed
	}

	select {
	case res := <-jb.resp:
		return res.buf, res.err
	case <-b.done:
		// 工作协程退出前可能已经写入结果，已接受的调用以结果为准。
		select {
		case res := <-jb.resp:
			return res.buf, res.err
		default:
			return nil, ErrBridgeClosed
		}
	}
}

// LoadVoice 加载（或切换）音源。旧音源的卸载严格排在所有在途
// 调用之后，由工作协程的串行性保证。
func (b *Bridge) LoadVoice(ctx context.Context, name, path string) error {
	_, err := b.submit(ctx, job{kind: jobLoadVoice, voiceName: name, voicePath: path})
	return err
}

// Render 阻塞渲染一次完整请求，用于导出。
func (b *Bridge) Render(ctx context.Context, req *Request) (*PCMBuffer, error) {
	return b.submit(ctx, job{kind: jobRender, req: req})
}

// RenderRealtime 渲染预览窗口，结果截断到 frameBudget 帧。
// 对同一快照反复调用返回相同的样本数。
func (b *Bridge) RenderRealtime(ctx context.Context, req *Request, frameBudget int) (*PCMBuffer, error) {
	return b.submit(ctx, job{kind: jobRenderRealtime, req: req, frameBudget: frameBudget})
}

// Close 停止工作协程并卸载音源。幂等。
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	<-b.done
	return nil
}
