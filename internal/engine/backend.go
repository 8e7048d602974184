package engine

import (
	"errors"
	"fmt"
)

// Backend 是原生合成引擎的抽象。实现包括 vse（cgo 封装的引擎库，
// 见 native_vse.go）和 sine（纯 Go 正弦波后端，见 sine.go）。
//
// 实现不要求并发安全：Bridge 保证所有调用串行发生在同一个
// 工作协程上。
type Backend interface {
	// Init 加载指定音源。重复调用前必须先 Terminate。
	Init(voiceName, voicePath string) error
	// RenderFull 渲染一次合成请求，返回引擎侧持有的缓冲区。
	// 调用方拷贝样本后必须恰好调用一次 Release。
	RenderFull(req *Request) (NativeBuffer, error)
	// Terminate 卸载当前音源并释放引擎内部缓存。
	Terminate()
}

// NativeBuffer 是一次渲染输出的独占句柄。
// Samples 返回的切片只在 Release 之前有效。
type NativeBuffer interface {
	Samples() []float32
	Release()
}

// ValidationError 表示请求在进入 FFI 边界前被拒绝。
type ValidationError struct {
	NoteIndex int
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("音符 %d 校验失败: %s", e.NoteIndex, e.Reason)
}

// BackendInitError 表示原生引擎加载或初始化失败。
// 只影响该音源，不影响进程存活。
type BackendInitError struct {
	Voice  string
	Status int
	Err    error
}

func (e *BackendInitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("音源 %q 初始化失败: %v", e.Voice, e.Err)
	}
	return fmt.Sprintf("音源 %q 初始化失败 (status=%d)", e.Voice, e.Status)
}

func (e *BackendInitError) Unwrap() error { return e.Err }

// BackendCallError 表示原生合成调用返回空结果或失败。
// 此时引擎侧没有产生缓冲区，无需释放。
type BackendCallError struct {
	Reason string
}

func (e *BackendCallError) Error() string {
	return fmt.Sprintf("合成调用失败: %s", e.Reason)
}

// ErrNoVoice 表示尚未加载任何音源就发起了渲染。
var ErrNoVoice = errors.New("未加载音源")

// ErrBridgeClosed 表示 Bridge 已关闭，不再接受任务。
var ErrBridgeClosed = errors.New("引擎桥已关闭")
