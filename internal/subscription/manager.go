// Package subscription attaches callers to live document-store queries and
// normalizes the store's asynchronous snapshot and error callbacks into a single
// {Data, IsLoading, Err} result per caller.
//
// Bindings pointed at equal descriptors share one upstream feed. Feeds are
// reference counted and cancelled when the last binding detaches. Every delivery
// carries the feed generation and a sequence number so callbacks that arrive
// after a binding moved on, or closed, are discarded.
package subscription

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"medsync/internal/domain"
	"medsync/internal/eventbus"
	"medsync/internal/query"
	"medsync/internal/store"
)

// Manager 订阅管理器
type Manager struct {
	client store.Client
	bus    *eventbus.Bus
	logger *zap.Logger

	churnWindow time.Duration
	maxChanges  int
	now         func() time.Time

	mu      sync.Mutex
	feeds   map[string]*feed
	nextGen uint64
}

// feed 一个上游订阅，由若干绑定共享
type feed struct {
	key  string
	gen  uint64
	d    *query.Descriptor
	auth string

	// 以下字段由 Manager.mu 保护
	subs   map[*Binding]struct{}
	cancel store.CancelFunc
	last   *Result
	seq    uint64
	closed bool
	failed bool
}

func NewManager(client store.Client, bus *eventbus.Bus, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		client:      client,
		bus:         bus,
		logger:      logger,
		churnWindow: DefaultChurnWindow,
		maxChanges:  DefaultMaxChangesPerWindow,
		now:         time.Now,
		feeds:       make(map[string]*feed),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Bind 创建未登录身份的绑定
func (m *Manager) Bind() *Binding {
	return m.bind("")
}

// BindContext 创建绑定，上游订阅使用 ctx 中的调用方身份
func (m *Manager) BindContext(ctx context.Context) *Binding {
	return m.bind(store.AuthFromContext(ctx))
}

func (m *Manager) bind(auth string) *Binding {
	bindingsActive.Inc()
	return &Binding{
		m:       m,
		auth:    auth,
		result:  Pending(),
		updates: make(chan Result, 1),
		done:    make(chan struct{}),
	}
}

// Watch 绑定并指向 d；ctx 结束时自动关闭
func (m *Manager) Watch(ctx context.Context, d *query.Descriptor) (*Binding, error) {
	b := m.BindContext(ctx)
	if err := b.Set(d); err != nil {
		b.Close()
		return nil, err
	}
	go func() {
		select {
		case <-ctx.Done():
			b.Close()
		case <-b.done:
		}
	}()
	return b, nil
}

// ActiveFeeds 当前上游订阅数
func (m *Manager) ActiveFeeds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.feeds)
}

// attach 将绑定加入已有 feed，或新建 feed 并打开上游订阅
func (m *Manager) attach(b *Binding, d *query.Descriptor) *feed {
	key := b.auth + "\x00" + d.Key()

	m.mu.Lock()
	if f, ok := m.feeds[key]; ok {
		f.subs[b] = struct{}{}
		m.mu.Unlock()
		return f
	}
	m.nextGen++
	f := &feed{
		key:  key,
		gen:  m.nextGen,
		d:    d,
		auth: b.auth,
		subs: map[*Binding]struct{}{b: {}},
	}
	m.feeds[key] = f
	m.mu.Unlock()
	feedsActive.Inc()

	ctx := store.WithAuth(context.Background(), b.auth)
	cancel, err := m.client.Subscribe(ctx, d,
		func(records []domain.Record) { m.onNext(f, records) },
		func(err error) { m.onError(f, err) },
	)
	if err != nil {
		m.onError(f, err)
		return f
	}

	m.mu.Lock()
	closed := f.closed
	if !closed {
		f.cancel = cancel
	}
	m.mu.Unlock()
	if closed {
		cancel()
	}
	return f
}

// release 绑定离开 feed；最后一个绑定离开时取消上游订阅
func (m *Manager) release(f *feed, b *Binding) {
	if f == nil {
		return
	}
	m.mu.Lock()
	delete(f.subs, b)
	if len(f.subs) > 0 || f.closed {
		m.mu.Unlock()
		return
	}
	f.closed = true
	if m.feeds[f.key] == f {
		delete(m.feeds, f.key)
		feedsActive.Dec()
	}
	cancel := f.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (m *Manager) onNext(f *feed, records []domain.Record) {
	if records == nil {
		records = []domain.Record{}
	}
	m.broadcast(f, Result{Data: records})
}

func (m *Manager) onError(f *feed, err error) {
	m.mu.Lock()
	if f.closed || f.failed {
		m.mu.Unlock()
		return
	}
	f.failed = true
	// 失败的 feed 不再被复用，后续相同描述符重新订阅
	if m.feeds[f.key] == f {
		delete(m.feeds, f.key)
		feedsActive.Dec()
	}
	m.mu.Unlock()

	feedErrors.WithLabelValues(string(store.CodeOf(err))).Inc()
	m.report(f.d, err)
	m.broadcast(f, Result{Err: err})
}

// report 权限拒绝发往安全事件总线，其余错误只记录日志
func (m *Manager) report(d *query.Descriptor, err error) {
	op := store.ReadOp(d)
	if !store.IsPermissionDenied(err) {
		m.logger.Warn("Subscription failed",
			zap.String("query", d.Describe()),
			zap.String("operation", string(op)),
			zap.Error(err),
		)
		return
	}
	if m.bus != nil {
		m.bus.Emit(domain.NewPermissionError(store.FailurePath(err, d), op, nil))
	}
}

func (m *Manager) broadcast(f *feed, r Result) {
	m.mu.Lock()
	if f.closed {
		m.mu.Unlock()
		return
	}
	f.seq++
	seq := f.seq
	f.last = &r
	subs := make([]*Binding, 0, len(f.subs))
	for b := range f.subs {
		subs = append(subs, b)
	}
	m.mu.Unlock()

	for _, b := range subs {
		b.deliver(f.gen, seq, r)
	}
}

// latest feed 最近一次推送
func (m *Manager) latest(f *feed) (Result, uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.last == nil {
		return Result{}, 0, false
	}
	return *f.last, f.seq, true
}
