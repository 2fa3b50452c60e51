package eventbus

import (
	"sync"

	"go.uber.org/zap"

	"medsync/internal/domain"
)

// DefaultQueueSize 异步输出的默认队列长度
const DefaultQueueSize = 256

// AsyncSink 把会阻塞网络的处理函数（Redis Stream、MQTT）放到独立 goroutine，
// Emit 只做一次非阻塞入队；队列满时丢弃并计数。
type AsyncSink struct {
	name    string
	handler Handler
	queue   chan domain.SecurityEvent
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsyncSink(name string, h Handler, size int, logger *zap.Logger) *AsyncSink {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AsyncSink{
		name:    name,
		handler: h,
		queue:   make(chan domain.SecurityEvent, size),
		logger:  logger,
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for ev := range s.queue {
		s.deliver(ev)
	}
}

func (s *AsyncSink) deliver(ev domain.SecurityEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Security event sink panicked", zap.String("sink", s.name), zap.Any("panic", r))
		}
	}()
	s.handler(ev)
}

// Handle 实现 Handler，从不阻塞
func (s *AsyncSink) Handle(ev domain.SecurityEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		sinkDropped.WithLabelValues(s.name).Inc()
		return
	}
	select {
	case s.queue <- ev:
	default:
		sinkDropped.WithLabelValues(s.name).Inc()
		s.logger.Warn("Security event sink queue full, event dropped",
			zap.String("sink", s.name),
			zap.String("path", ev.Path),
		)
	}
}

// Pending 队列中尚未投递的事件数
func (s *AsyncSink) Pending() int {
	return len(s.queue)
}

// Close 停止接收并等待已入队事件投递完毕（可重复调用）
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
}
