package order

import (
	"fmt"
	"sync"
)

// State represents order lifecycle.
type State string

const (
	StatePendingCreate   State = "PENDING_CREATE"
	StateOpen            State = "OPEN"
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	StateFilled          State = "FILLED"
	StateCancelled       State = "CANCELLED"
	StateFailed          State = "FAILED"
	StatePendingCancel   State = "PENDING_CANCEL"

	// 链上预授权子路径：先授权，再走正常创建流程
	StatePendingApproval State = "PENDING_APPROVAL"
	StateApproved        State = "APPROVED"
)

// StateTransition 状态转换
type StateTransition struct {
	From State
	To   State
}

// StateMachine 订单状态机：集中维护所有合法转换，终态不可再转。
type StateMachine struct {
	transitions map[StateTransition]bool
	mu          sync.RWMutex
}

// NewStateMachine 创建新的状态机
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[StateTransition]bool),
	}
	sm.initializeTransitions()
	return sm
}

func (sm *StateMachine) initializeTransitions() {
	legalTransitions := []StateTransition{
		// 从PENDING_CREATE可以转到
		{StatePendingCreate, StateOpen},
		{StatePendingCreate, StatePartiallyFilled}, // 回报先于创建确认到达
		{StatePendingCreate, StateFilled},
		{StatePendingCreate, StatePendingCancel},
		{StatePendingCreate, StateCancelled},
		{StatePendingCreate, StateFailed},

		// 从OPEN可以转到
		{StateOpen, StatePartiallyFilled},
		{StateOpen, StateFilled},
		{StateOpen, StatePendingCancel},
		{StateOpen, StateCancelled},
		{StateOpen, StateFailed},

		// 从PARTIALLY_FILLED可以转到（可回到OPEN：撤改后重挂的场景）
		{StatePartiallyFilled, StateOpen},
		{StatePartiallyFilled, StatePartiallyFilled}, // 多次部分成交
		{StatePartiallyFilled, StateFilled},
		{StatePartiallyFilled, StatePendingCancel},
		{StatePartiallyFilled, StateCancelled},
		{StatePartiallyFilled, StateFailed},

		// 从PENDING_CANCEL可以转到
		{StatePendingCancel, StateCancelled},
		{StatePendingCancel, StateFilled},          // 撤单时全部成交
		{StatePendingCancel, StatePartiallyFilled}, // 撤单时部分成交
		{StatePendingCancel, StateFailed},

		// 预授权子路径
		{StatePendingApproval, StateApproved},
		{StatePendingApproval, StateFailed},
		{StatePendingApproval, StateCancelled},
		{StateApproved, StatePendingCreate},
		{StateApproved, StateOpen},
		{StateApproved, StateCancelled},
		{StateApproved, StateFailed},

		// 终态不能转换（FILLED, CANCELLED, FAILED）
	}

	for _, t := range legalTransitions {
		sm.transitions[t] = true
	}
}

// ValidateTransition 验证状态转换是否合法
func (sm *StateMachine) ValidateTransition(from, to State) error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	// 相同状态允许（幂等性）
	if from == to {
		return nil
	}

	if !sm.transitions[StateTransition{From: from, To: to}] {
		return fmt.Errorf("illegal state transition: %s -> %s", from, to)
	}
	return nil
}

// IsTerminal 判断是否是终态
func (sm *StateMachine) IsTerminal(s State) bool {
	switch s {
	case StateFilled, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

// IsLive 判断订单是否在交易所侧活跃（可能产生成交）
func (sm *StateMachine) IsLive(s State) bool {
	switch s {
	case StateOpen, StatePartiallyFilled, StatePendingCancel:
		return true
	default:
		return false
	}
}

// CanCancel 判断当前状态下是否可以撤单
func (sm *StateMachine) CanCancel(s State) bool {
	switch s {
	case StatePendingCreate, StateOpen, StatePartiallyFilled, StatePendingApproval, StateApproved:
		return true
	default:
		return false
	}
}
