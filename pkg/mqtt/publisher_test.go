package mqtt

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/ons/pkg"
	"github.com/markus-lassfolk/ons/pkg/logx"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeBroker struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, published{topic, qos, retained, payload.([]byte)})
	return &fakeToken{err: b.err}
}

func (b *fakeBroker) messages() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.msgs...)
}

func newTestPublisher(t *testing.T, cfg *Config, broker *fakeBroker) *Publisher {
	t.Helper()
	l := logx.NewLogger("error", "mqtt-test")
	l.SetOutput(&bytes.Buffer{})
	p := NewPublisher(cfg, l)
	p.start(broker)
	return p
}

func TestEmitTopics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.TopicPrefix = "site/ons"
	broker := &fakeBroker{}
	p := newTestPublisher(t, cfg, broker)

	p.Emit(&pkg.Event{Type: pkg.EventScanStarted, RequestID: "r1"})
	p.Emit(&pkg.Event{Type: pkg.EventSelectionFinished, RequestID: "r1", Result: "success", SubID: 5})
	p.Close()

	msgs := broker.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "site/ons/events/scan_started", msgs[0].topic)
	assert.False(t, msgs[0].retained)
	assert.Equal(t, byte(1), msgs[0].qos)
	assert.Equal(t, "site/ons/events/selection_finished", msgs[1].topic)
	assert.Equal(t, "site/ons/selection/last", msgs[2].topic)
	assert.True(t, msgs[2].retained)

	var e pkg.Event
	require.NoError(t, json.Unmarshal(msgs[2].payload, &e))
	assert.Equal(t, "success", e.Result)
	assert.Equal(t, 5, e.SubID)

	sent, dropped := p.Stats()
	assert.Equal(t, int64(3), sent)
	assert.Zero(t, dropped)
}

func TestDisabledPublisherIgnoresEvents(t *testing.T) {
	broker := &fakeBroker{}
	p := newTestPublisher(t, DefaultConfig(), broker)
	p.Emit(&pkg.Event{Type: pkg.EventScanStarted})
	require.NoError(t, p.PublishStatus(map[string]bool{"enabled": true}))
	p.Close()
	assert.Empty(t, broker.messages())
}

func TestPublishStatusRetained(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	broker := &fakeBroker{err: errors.New("broker refused")}
	p := newTestPublisher(t, cfg, broker)

	require.NoError(t, p.PublishStatus(map[string]bool{"enabled": true}))
	p.Close()

	msgs := broker.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "ons/status", msgs[0].topic)
	assert.True(t, msgs[0].retained)
	sent, _ := p.Stats()
	assert.Zero(t, sent)
}

func TestQueueOverflowDrops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	l := logx.NewLogger("error", "mqtt-test")
	p := NewPublisher(cfg, l)
	for i := 0; i < queueSize+5; i++ {
		p.Emit(&pkg.Event{Type: pkg.EventScanStarted})
	}
	_, dropped := p.Stats()
	assert.Equal(t, int64(5), dropped)
}
