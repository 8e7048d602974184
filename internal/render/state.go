package render

import (
	"sync"

	"github.com/sekoia29/vose/internal/logger"
)

// State 表示导出任务的运行状态。
type State int

const (
	// StateIdle — 没有进行中的任务。
	StateIdle State = iota
	// StateRendering — 正在逐音符渲染。
	StateRendering
	// StateCompleted — 上一个任务成功结束。
	StateCompleted
	// StateFailed — 上一个任务因错误中止。
	StateFailed
	// StateCancelled — 上一个任务被用户取消。
	StateCancelled
)

var stateNames = [...]string{
	"Idle",
	"Rendering",
	"Completed",
	"Failed",
	"Cancelled",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// terminal 判断该状态是否为任务终态。
func (s State) terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// StateMachine 管理导出任务的状态转换。
type StateMachine struct {
	mu       sync.RWMutex
	current  State
	onChange func(from, to State)
}

// NewStateMachine 创建一个初始状态为 Idle 的状态机。
func NewStateMachine() *StateMachine {
	return &StateMachine{current: StateIdle}
}

// SetOnChange 注册状态变化时的回调函数。
func (sm *StateMachine) SetOnChange(fn func(from, to State)) {
	sm.mu.Lock()
	sm.onChange = fn
	sm.mu.Unlock()
}

// Current 返回当前状态。
func (sm *StateMachine) Current() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Transition 尝试切换状态。合法转换：
//
//	Idle      → Rendering
//	Rendering → Completed | Failed | Cancelled
//	终态       → Idle （开始下一个任务前复位）
func (sm *StateMachine) Transition(to State) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !validTransition(sm.current, to) {
		logger.Warnf("[export] 非法状态转换 %s → %s", sm.current, to)
		return false
	}

	from := sm.current
	sm.current = to
	logger.Debugf("[export] %s → %s", from, to)

	if sm.onChange != nil {
		sm.onChange(from, to)
	}
	return true
}

// validTransition 检查状态转换是否合法。
func validTransition(from, to State) bool {
	switch {
	case from == StateIdle:
		return to == StateRendering
	case from == StateRendering:
		return to.terminal()
	case from.terminal():
		return to == StateIdle
	}
	return false
}
