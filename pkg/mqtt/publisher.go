// Package mqtt publishes selection events to an MQTT broker
package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/markus-lassfolk/ons/pkg"
	"github.com/markus-lassfolk/ons/pkg/logx"
)

// Config holds MQTT configuration
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
	Enabled     bool   `json:"enabled"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "onsd",
		TopicPrefix: "ons",
		QoS:         1,
	}
}

const (
	queueSize      = 128
	publishTimeout = 5 * time.Second
)

// tokenPublisher is the subset of MQTT.Client used for publishing
type tokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token
}

type message struct {
	topic    string
	retained bool
	payload  []byte
}

// Publisher forwards events to the broker from a background goroutine.
// Emit never blocks; events are dropped when the queue is full.
type Publisher struct {
	config *Config
	logger *logx.Logger

	client    MQTT.Client
	pub       tokenPublisher
	connected atomic.Bool

	queue   chan message
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Int64
	sent    atomic.Int64
}

// NewPublisher creates a publisher. Call Connect before events flow.
func NewPublisher(config *Config, logger *logx.Logger) *Publisher {
	if config == nil {
		config = DefaultConfig()
	}
	return &Publisher{
		config: config,
		logger: logger,
		queue:  make(chan message, queueSize),
		done:   make(chan struct{}),
	}
}

// Connect establishes the broker connection and starts the publish loop
func (p *Publisher) Connect() error {
	if !p.config.Enabled {
		p.logger.Debug("MQTT publisher disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port))
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetWill(p.topic("online"), "false", byte(p.config.QoS), true)
	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)

	p.client = MQTT.NewClient(opts)
	if token := p.client.Connect(); token.WaitTimeout(publishTimeout) && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	p.start(p.client)
	p.logger.Info("MQTT publisher connected", "broker", p.config.Broker, "port", p.config.Port)
	return nil
}

func (p *Publisher) start(pub tokenPublisher) {
	p.pub = pub
	p.wg.Add(1)
	go p.loop()
}

func (p *Publisher) onConnect(MQTT.Client) {
	p.connected.Store(true)
	p.logger.Info("MQTT connection established")
	p.enqueue(message{topic: p.topic("online"), retained: true, payload: []byte("true")})
}

func (p *Publisher) onConnectionLost(_ MQTT.Client, err error) {
	p.connected.Store(false)
	p.logger.Warn("MQTT connection lost", "error", err)
}

// Emit queues an event for publishing. It implements pkg.EventSink.
func (p *Publisher) Emit(e *pkg.Event) {
	if e == nil || !p.config.Enabled {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Warn("Failed to encode event", "type", string(e.Type), "error", err)
		return
	}
	p.enqueue(message{topic: p.topic("events", string(e.Type)), retained: p.config.Retain, payload: payload})
	if e.Type == pkg.EventSelectionFinished {
		p.enqueue(message{topic: p.topic("selection", "last"), retained: true, payload: payload})
	}
}

// PublishStatus publishes a retained status document
func (p *Publisher) PublishStatus(status interface{}) error {
	if !p.config.Enabled {
		return nil
	}
	payload, err := json.Marshal(map[string]interface{}{
		"timestamp": time.Now(),
		"status":    status,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	p.enqueue(message{topic: p.topic("status"), retained: true, payload: payload})
	return nil
}

func (p *Publisher) enqueue(m message) {
	select {
	case p.queue <- m:
	default:
		p.dropped.Add(1)
	}
}

func (p *Publisher) loop() {
	defer p.wg.Done()
	for {
		select {
		case m := <-p.queue:
			p.publish(m)
		case <-p.done:
			for {
				select {
				case m := <-p.queue:
					p.publish(m)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) publish(m message) {
	token := p.pub.Publish(m.topic, byte(p.config.QoS), m.retained, m.payload)
	if !token.WaitTimeout(publishTimeout) {
		p.logger.Warn("MQTT publish timed out", "topic", m.topic)
		return
	}
	if err := token.Error(); err != nil {
		p.logger.Warn("MQTT publish failed", "topic", m.topic, "error", err)
		return
	}
	p.sent.Add(1)
}

// Stats returns published and dropped message counts
func (p *Publisher) Stats() (sent, dropped int64) {
	return p.sent.Load(), p.dropped.Load()
}

// IsConnected reports the broker connection state
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// Close drains the queue and disconnects
func (p *Publisher) Close() {
	p.once.Do(func() {
		close(p.done)
		p.wg.Wait()
		if p.client != nil {
			p.client.Disconnect(250)
			p.logger.Info("MQTT publisher disconnected")
		}
	})
}

func (p *Publisher) topic(parts ...string) string {
	t := p.config.TopicPrefix
	for _, part := range parts {
		t += "/" + part
	}
	return t
}
