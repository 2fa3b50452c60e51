package subscription

import (
	"fmt"
	"sync"
	"time"

	"medsync/internal/query"
)

// Binding 调用方与一个描述符的绑定
type Binding struct {
	m    *Manager
	auth string

	mu      sync.Mutex
	desc    *query.Descriptor
	feed    *feed
	feedGen uint64
	seq     uint64
	result  Result
	changes []time.Time
	closed  bool

	updates chan Result
	done    chan struct{}
}

// Set 指向新的描述符
//   - nil：保持加载状态，不建立上游订阅
//   - 与当前描述符相等：不做任何事
//   - 其他：断开旧订阅，回到加载状态，再接入新订阅
func (b *Binding) Set(d *query.Descriptor) error {
	if d != nil && !d.Stable() {
		return fmt.Errorf("%w: descriptor was not built by a query constructor", query.ErrUnstableDescriptor)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	if query.Equal(b.desc, d) {
		b.mu.Unlock()
		return nil
	}
	if err := b.checkChurnLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	old := b.feed
	b.desc = d
	b.feed = nil
	b.feedGen = 0
	b.seq = 0
	b.publishLocked(Pending())
	b.mu.Unlock()

	b.m.release(old, b)
	if d == nil {
		return nil
	}

	f := b.m.attach(b, d)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || !query.Equal(b.desc, d) {
		// Set/Close 并发改变了绑定
		go b.m.release(f, b)
		return nil
	}
	b.feed = f
	b.feedGen = f.gen
	if r, seq, ok := b.m.latest(f); ok && seq > b.seq {
		b.seq = seq
		b.publishLocked(r)
	}
	return nil
}

func (b *Binding) checkChurnLocked() error {
	now := b.m.now()
	cutoff := now.Add(-b.m.churnWindow)
	kept := b.changes[:0]
	for _, t := range b.changes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.changes = kept
	if len(b.changes) >= b.m.maxChanges {
		return fmt.Errorf("%w: %d descriptor changes within %s", query.ErrUnstableDescriptor, len(b.changes), b.m.churnWindow)
	}
	b.changes = append(b.changes, now)
	return nil
}

// deliver 接收 feed 推送；过期的 feed 或旧序号被丢弃
func (b *Binding) deliver(gen, seq uint64, r Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.feedGen != gen || seq <= b.seq {
		return
	}
	b.seq = seq
	b.publishLocked(r)
}

// publishLocked 更新当前结果；Updates 通道只保留最新值
func (b *Binding) publishLocked(r Result) {
	b.result = r
	select {
	case <-b.updates:
	default:
	}
	select {
	case b.updates <- r:
	default:
	}
}

// Result 当前结果快照
func (b *Binding) Result() Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.result
}

// Descriptor 当前描述符
func (b *Binding) Descriptor() *query.Descriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.desc
}

// Updates 结果变更通道（容量 1，新值覆盖未读旧值）；Close 后关闭
func (b *Binding) Updates() <-chan Result {
	return b.updates
}

// Done 绑定关闭时关闭
func (b *Binding) Done() <-chan struct{} {
	return b.done
}

// Close 断开绑定；返回后结果不再变化
func (b *Binding) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	f := b.feed
	b.feed = nil
	b.feedGen = 0
	close(b.updates)
	b.mu.Unlock()

	bindingsActive.Dec()
	b.m.release(f, b)
	close(b.done)
}
