package mqtt

import (
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"medsync/internal/common/config"
)

// fakeToken 在 release 关闭前不完成
type fakeToken struct {
	mqtt.Token
	release chan struct{}
	err     error
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.release:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Error() error { return t.err }

type fakeBroker struct {
	mqtt.Client
	token *fakeToken
}

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return b.token
}

func TestPublish_StalledBrokerTimesOut(t *testing.T) {
	broker := &fakeBroker{token: &fakeToken{release: make(chan struct{})}}
	c := newClient(broker, &config.MQTTConfig{PublishTimeout: 50 * time.Millisecond}, zap.NewNop())

	start := time.Now()
	err := c.Publish("medsync/security-events", 1, false, []byte(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPublishTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPublish_AckAndError(t *testing.T) {
	released := make(chan struct{})
	close(released)

	c := newClient(&fakeBroker{token: &fakeToken{release: released}}, &config.MQTTConfig{QoS: 1}, zap.NewNop())
	assert.Equal(t, DefaultPublishTimeout, c.timeout)
	assert.NoError(t, c.Publish("t", c.QoS(), false, []byte("x")))

	boom := errors.New("not authorized")
	c = newClient(&fakeBroker{token: &fakeToken{release: released, err: boom}}, &config.MQTTConfig{}, zap.NewNop())
	assert.ErrorIs(t, c.Publish("t", 0, false, []byte("x")), boom)
}
