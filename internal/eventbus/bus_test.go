package eventbus

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"medsync/internal/domain"
)

func TestBus_FanOut(t *testing.T) {
	b := New(zap.NewNop())
	var got1, got2 []domain.SecurityEvent
	b.Subscribe(func(ev domain.SecurityEvent) { got1 = append(got1, ev) })
	b.Subscribe(func(ev domain.SecurityEvent) { got2 = append(got2, ev) })

	ev := domain.NewPermissionError("users/u1", domain.OpUpdate, map[string]any{"name": "x"})
	b.Emit(ev)

	require.Len(t, got1, 1)
	require.Len(t, got2, 1)
	assert.Equal(t, ev, got1[0])
	assert.Equal(t, domain.PermissionErrorType, got2[0].Type)
}

func TestBus_DropsWithoutHandlers(t *testing.T) {
	b := New(zap.NewNop())
	before := testutil.ToFloat64(eventsDropped)

	b.Emit(domain.NewPermissionError("users/u1", domain.OpRead, nil))

	assert.Equal(t, before+1, testutil.ToFloat64(eventsDropped))
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(zap.NewNop())
	count := 0
	unsubscribe := b.Subscribe(func(domain.SecurityEvent) { count++ })

	b.Emit(domain.NewPermissionError("a/b", domain.OpRead, nil))
	unsubscribe()
	unsubscribe()
	b.Emit(domain.NewPermissionError("a/b", domain.OpRead, nil))

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, b.Len())
}

func TestBus_SubscribeDuringEmitUsesSnapshot(t *testing.T) {
	b := New(zap.NewNop())
	late := 0
	b.Subscribe(func(domain.SecurityEvent) {
		b.Subscribe(func(domain.SecurityEvent) { late++ })
	})

	b.Emit(domain.NewPermissionError("a/b", domain.OpRead, nil))
	assert.Equal(t, 0, late)

	b.Emit(domain.NewPermissionError("a/b", domain.OpRead, nil))
	assert.Equal(t, 1, late)
}

func TestBus_PanickingHandlerDoesNotBlockOthers(t *testing.T) {
	b := New(zap.NewNop())
	delivered := false
	b.Subscribe(func(domain.SecurityEvent) { panic("boom") })
	b.Subscribe(func(domain.SecurityEvent) { delivered = true })

	assert.NotPanics(t, func() {
		b.Emit(domain.NewPermissionError("a/b", domain.OpDelete, nil))
	})
	assert.True(t, delivered)
}

func TestBus_Close(t *testing.T) {
	b := New(zap.NewNop())
	count := 0
	b.Subscribe(func(domain.SecurityEvent) { count++ })

	b.Close()
	b.Emit(domain.NewPermissionError("a/b", domain.OpRead, nil))
	unsubscribe := b.Subscribe(func(domain.SecurityEvent) { count++ })
	unsubscribe()
	b.Emit(domain.NewPermissionError("a/b", domain.OpRead, nil))

	assert.Equal(t, 0, count)
	assert.Equal(t, 0, b.Len())
}

func TestBus_ConcurrentEmitAndSubscribe(t *testing.T) {
	b := New(zap.NewNop())
	var mu sync.Mutex
	total := 0
	b.Subscribe(func(domain.SecurityEvent) {
		mu.Lock()
		total++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Emit(domain.NewPermissionError("a/b", domain.OpRead, nil))
		}()
		go func() {
			defer wg.Done()
			unsubscribe := b.Subscribe(func(domain.SecurityEvent) {})
			unsubscribe()
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, total)
	assert.Equal(t, 1, b.Len())
}
