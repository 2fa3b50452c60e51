package store

import (
	"reflect"
	"sync"

	"medsync/internal/domain"
	"medsync/internal/query"
)

// delivery 待投递的一次推送
type delivery struct {
	records []domain.Record
	err     error
}

// listener 单个实时订阅
// 推送只写入 pending 槽位（后到的快照覆盖未投递的旧快照），由独立 goroutine 串行回调，
// 写入方永远不会被慢回调阻塞。
type listener struct {
	id      uint64
	d       *query.Descriptor
	auth    string
	onNext  func([]domain.Record)
	onError func(error)

	mu      sync.Mutex
	pending *delivery
	last    []domain.Record
	sent    bool
	failed  bool

	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newListener(id uint64, d *query.Descriptor, auth string, onNext func([]domain.Record), onError func(error)) *listener {
	l := &listener{
		id:      id,
		d:       d,
		auth:    auth,
		onNext:  onNext,
		onError: onError,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

// push 投递快照；与上次快照相同时跳过
func (l *listener) push(records []domain.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failed {
		return
	}
	if l.sent && reflect.DeepEqual(l.last, records) {
		return
	}
	l.last = records
	l.sent = true
	l.pending = &delivery{records: records}
	l.notify()
}

// fail 投递终止错误，之后的推送被忽略
func (l *listener) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failed {
		return
	}
	l.failed = true
	l.pending = &delivery{err: err}
	l.notify()
}

func (l *listener) isFailed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed
}

func (l *listener) notify() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *listener) stop() {
	l.once.Do(func() { close(l.done) })
}

func (l *listener) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.signal:
		}
		l.mu.Lock()
		p := l.pending
		l.pending = nil
		l.mu.Unlock()
		if p == nil {
			continue
		}
		select {
		case <-l.done:
			return
		default:
		}
		if p.err != nil {
			if l.onError != nil {
				l.onError(p.err)
			}
			return
		}
		if l.onNext != nil {
			l.onNext(p.records)
		}
	}
}

// affects 判断某文档的变更是否可能影响该订阅
func (l *listener) affects(docPath string) bool {
	switch l.d.Kind() {
	case query.KindDocument:
		return l.d.Path() == docPath
	case query.KindCollection:
		return parentOf(docPath) == l.d.Path()
	case query.KindCollectionGroup:
		return groupID(parentOf(docPath)) == l.d.Path()
	}
	return false
}
