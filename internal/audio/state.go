package audio

import (
	"sync"

	"github.com/sekoia29/vose/internal/logger"
)

// State 表示实时输出端的运行状态。
type State int

const (
	// StateIdle — 设备未打开。
	StateIdle State = iota
	// StateStarting — 正在打开设备并预填静音。
	StateStarting
	// StateStreaming — 回调活跃，持续从环形缓冲拉取样本。
	StateStreaming
	// StateStopping — 正在排空并关闭设备。
	StateStopping
)

var stateNames = [...]string{
	"Idle",
	"Starting",
	"Streaming",
	"Stopping",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// StateMachine 管理线程安全的播放状态转换。
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

// Transition 尝试切换状态。只有合法的转换才会生效：
//
//	Idle      → Starting   （请求打开设备）
//	Starting  → Streaming  （设备启动成功）
//	Starting  → Idle       （设备打开失败）
//	Streaming → Stopping   （请求停止）
//	Stopping  → Idle       （设备已关闭）
func (sm *StateMachine) Transition(to State) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !validTransition(sm.current, to) {
		logger.Warnf("[sink] 非法状态转换 %s → %s", sm.current, to)
		return false
	}

	from := sm.current
	sm.current = to
	logger.Debugf("[sink] %s → %s", from, to)

	if sm.onChange != nil {
		sm.onChange(from, to)
	}
	return true
}

// ForceIdle 无条件重置状态为 Idle，用于错误恢复。
func (sm *StateMachine) ForceIdle() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	from := sm.current
	sm.current = StateIdle
	if from != StateIdle {
		logger.Warnf("[sink] 强制重置 %s → Idle", from)
		if sm.onChange != nil {
			sm.onChange(from, StateIdle)
		}
	}
}

// validTransition 检查状态转换是否合法。
func validTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateStarting
	case StateStarting:
		return to == StateStreaming || to == StateIdle
	case StateStreaming:
		return to == StateStopping
	case StateStopping:
		return to == StateIdle
	}
	return false
}
