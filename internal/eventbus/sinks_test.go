package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"medsync/internal/domain"
)

func TestStreamSink_PublishAndRecent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sink := NewStreamSink(client, "", zap.NewNop())

	b := New(zap.NewNop())
	b.Subscribe(sink.Handle)
	b.Emit(domain.NewPermissionError("users/u1", domain.OpUpdate, map[string]any{"name": "x"}))
	b.Emit(domain.NewPermissionError("batch:discharge", domain.OpWrite, nil))

	events, err := sink.Recent(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "users/u1", events[0].Path)
	assert.Equal(t, domain.OpUpdate, events[0].Operation)
	assert.Equal(t, map[string]any{"name": "x"}, events[0].RequestResourceData)
	assert.Equal(t, "batch:discharge", events[1].Path)
	assert.True(t, mr.Exists(DefaultStream))
}

func TestStreamSink_RecentEmptyStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sink := NewStreamSink(client, "test:events", zap.NewNop())

	events, err := sink.Recent(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
}

type fakePublisher struct {
	topic   string
	qos     byte
	payload []byte
	err     error
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	p.topic, p.qos, p.payload = topic, qos, payload
	return p.err
}

func (p *fakePublisher) QoS() byte { return 1 }

func TestMQTTSink_Handle(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewMQTTSink(pub, "medsync/security", zap.NewNop())

	sink.Handle(domain.NewPermissionError("users/u1/privacyLog", domain.OpList, nil))

	assert.Equal(t, "medsync/security", pub.topic)
	assert.Equal(t, byte(1), pub.qos)
	var got map[string]any
	require.NoError(t, json.Unmarshal(pub.payload, &got))
	assert.Equal(t, "permission-error", got["type"])
	assert.Equal(t, "list", got["operation"])
	_, hasData := got["requestResourceData"]
	assert.False(t, hasData)
}

func TestMQTTSink_PublishErrorIsSwallowed(t *testing.T) {
	sink := NewMQTTSink(&fakePublisher{err: errors.New("not connected")}, "t", zap.NewNop())

	assert.NotPanics(t, func() {
		sink.Handle(domain.NewPermissionError("a/b", domain.OpRead, nil))
	})
}
