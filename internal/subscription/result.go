package subscription

import "medsync/internal/domain"

// State 订阅结果状态
type State int

const (
	StatePending State = iota
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result 统一的订阅结果 {Data, IsLoading, Err}
// Data 在多个绑定间共享，调用方只读
type Result struct {
	Data      []domain.Record
	IsLoading bool
	Err       error
}

// Pending 初始（或描述符变更后）的加载状态
func Pending() Result {
	return Result{IsLoading: true}
}

func (r Result) State() State {
	switch {
	case r.IsLoading:
		return StatePending
	case r.Err != nil:
		return StateFailed
	default:
		return StateReady
	}
}

// Document 单文档订阅的结果；文档不存在或尚未就绪返回 false
func (r Result) Document() (domain.Record, bool) {
	if r.IsLoading || r.Err != nil || len(r.Data) == 0 {
		return domain.Record{}, false
	}
	return r.Data[0], true
}
