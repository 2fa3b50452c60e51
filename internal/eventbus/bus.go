// Package eventbus is the process-wide security-event bus. Permission-denied
// failures from the sync and mutation layers are emitted here so a diagnostic
// overlay (log, Redis stream, MQTT topic) can surface them.
package eventbus

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"medsync/internal/domain"
)

// Handler 安全事件处理函数
type Handler func(domain.SecurityEvent)

type entry struct {
	id      uint64
	handler Handler
}

// Bus 安全事件总线
// 处理函数列表写时复制：Emit 遍历的是发出时刻的快照，处理函数内订阅/退订不影响本次分发。
// 无缓冲：没有订阅者时事件直接丢弃。
type Bus struct {
	logger *zap.Logger

	mu       sync.Mutex
	nextID   uint64
	handlers atomic.Pointer[[]entry]
	closed   atomic.Bool
}

func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{logger: logger}
	empty := []entry{}
	b.handlers.Store(&empty)
	return b
}

// Subscribe 注册处理函数，返回退订函数（可重复调用）
func (b *Bus) Subscribe(h Handler) func() {
	if h == nil || b.closed.Load() {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return func() {}
	}
	b.nextID++
	id := b.nextID
	cur := *b.handlers.Load()
	next := make([]entry, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, entry{id: id, handler: h})
	b.handlers.Store(&next)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := *b.handlers.Load()
	next := make([]entry, 0, len(cur))
	for _, e := range cur {
		if e.id != id {
			next = append(next, e)
		}
	}
	b.handlers.Store(&next)
}

// Emit 同步分发给当前全部处理函数
func (b *Bus) Emit(ev domain.SecurityEvent) {
	if b.closed.Load() {
		eventsDropped.Inc()
		return
	}
	handlers := *b.handlers.Load()
	if len(handlers) == 0 {
		eventsDropped.Inc()
		b.logger.Debug("Security event dropped, no handlers",
			zap.String("path", ev.Path),
			zap.String("operation", string(ev.Operation)),
		)
		return
	}
	eventsTotal.WithLabelValues(string(ev.Operation)).Inc()
	for _, e := range handlers {
		b.dispatch(e, ev)
	}
}

func (b *Bus) dispatch(e entry, ev domain.SecurityEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Security event handler panicked",
				zap.Uint64("handler_id", e.id),
				zap.Any("panic", r),
			)
		}
	}()
	e.handler(ev)
}

// Len 当前处理函数数量
func (b *Bus) Len() int {
	return len(*b.handlers.Load())
}

// Close 移除全部处理函数；之后的 Emit 被丢弃，Subscribe 返回空退订函数
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed.Store(true)
	empty := []entry{}
	b.handlers.Store(&empty)
}
