// Package broadcast mirrors station activity to an MQTT broker.
//
// A Publisher keeps a retained status message per station (online, the
// current state, offline), republishes every telemetry event, and turns
// messages on the quit command topic into voluntary quit requests. The
// broker publishes an "offline" status if the station vanishes without
// closing the publisher.
package broadcast

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/testrig/testrig/pkg/telemetry"
)

// Config configures the MQTT connection and topics.
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	Station        string
	QoS            byte
	ConnectTimeout time.Duration
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return defaultConnectTimeout
}

func (c Config) validate() error {
	if c.Broker == "" {
		return fmt.Errorf("broker is required")
	}
	if c.Station == "" {
		return fmt.Errorf("station is required")
	}
	if c.QoS > 2 {
		return ErrInvalidQoS
	}
	return nil
}

// Status is the retained station status payload.
type Status struct {
	Status    string    `json:"status"`
	Station   string    `json:"station"`
	State     string    `json:"state,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// QuitCommand is the payload accepted on the quit topic. A plain text
// payload is taken as the reason.
type QuitCommand struct {
	Reason string `json:"reason"`
}

// Publisher publishes station status and events.
type Publisher struct {
	transport Transport
	topics    Topics
	qos       byte
	station   string
	logger    *telemetry.Logger

	mu     sync.Mutex
	state  string
	closed bool
}

// NewPublisher creates a publisher on an established transport.
func NewPublisher(t Transport, cfg Config, logger *telemetry.Logger) *Publisher {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "testrig"
	}
	return &Publisher{
		transport: t,
		topics:    Topics{Prefix: prefix, Station: cfg.Station},
		qos:       cfg.QoS,
		station:   cfg.Station,
		logger:    logger.NewComponentLogger("broadcast"),
	}
}

// Connect dials the broker with an offline Last Will and publishes the
// online status after every (re)connect.
func Connect(cfg Config, logger *telemetry.Logger) (*Publisher, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid broadcast config: %w", err)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("testrig-%s-%d", cfg.Station, os.Getpid())
	}

	p := NewPublisher(nil, cfg, logger)
	will, err := json.Marshal(Status{
		Status:    StatusOffline,
		Station:   cfg.Station,
		Reason:    "unexpected_disconnect",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	t, err := DialMQTT(cfg, &Will{Topic: p.topics.Status(), Payload: will, QoS: cfg.QoS}, func() {
		if err := p.publishStatus(StatusOnline, ""); err != nil {
			p.logger.WithError(err).Warn("Failed to publish online status")
		}
	})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.transport = t
	p.mu.Unlock()

	if err := p.publishStatus(StatusOnline, ""); err != nil {
		p.logger.WithError(err).Warn("Failed to publish online status")
	}
	p.logger.WithField("broker", cfg.Broker).Info("Connected to MQTT broker")
	return p, nil
}

// Topics returns the topics used by the publisher.
func (p *Publisher) Topics() Topics {
	return p.topics
}

// Attach subscribes the publisher to a telemetry event stream.
func (p *Publisher) Attach(events *telemetry.EventPublisher) {
	events.Subscribe(p.HandleEvent, nil)
}

// HandleEvent republishes event, and updates the retained status when the
// station state changes or a quit is accepted.
func (p *Publisher) HandleEvent(event telemetry.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.WithError(err).Warn("Failed to encode event")
		return
	}
	if err := p.publish(p.topics.Event(event.Type), false, payload); err != nil {
		p.logger.WithError(err).WithField("event_type", event.Type).Debug("Failed to publish event")
	}

	switch event.Type {
	case telemetry.EventTypeStationState:
		state, _ := event.Data["state"].(string)
		p.mu.Lock()
		p.state = state
		p.mu.Unlock()
		if err := p.publishStatus(StatusOnline, ""); err != nil {
			p.logger.WithError(err).Debug("Failed to publish status")
		}
	case telemetry.EventTypeQuitRequested:
		reason, _ := event.Data["reason"].(string)
		if err := p.publishStatus(StatusOnline, reason); err != nil {
			p.logger.WithError(err).Debug("Failed to publish status")
		}
	}
}

// ListenQuit calls quit for every message on the quit command topic.
func (p *Publisher) ListenQuit(quit func(reason string)) error {
	t := p.getTransport()
	if t == nil {
		return ErrNotConnected
	}
	return t.Subscribe(p.topics.Quit(), p.qos, func(topic string, payload []byte) {
		defer func() {
			if r := recover(); r != nil {
				p.logger.WithField("panic", fmt.Sprint(r)).Error("Quit handler panicked")
			}
		}()
		reason := parseQuit(payload)
		p.logger.WithField("reason", reason).Info("Quit requested over MQTT")
		quit(reason)
	})
}

func parseQuit(payload []byte) string {
	text := strings.TrimSpace(string(payload))
	var cmd QuitCommand
	if strings.HasPrefix(text, "{") && json.Unmarshal(payload, &cmd) == nil {
		text = strings.TrimSpace(cmd.Reason)
	}
	if text == "" {
		return "remote quit"
	}
	return text
}

// Close publishes the offline status and disconnects.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	t := p.transport
	p.mu.Unlock()

	if t == nil {
		return nil
	}
	var err error
	if t.IsConnected() {
		err = p.publishStatus(StatusOffline, "graceful_shutdown")
	}
	t.Close()
	return err
}

func (p *Publisher) publishStatus(status, reason string) error {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()

	payload, err := json.Marshal(Status{
		Status:    status,
		Station:   p.station,
		State:     state,
		Reason:    reason,
		PID:       os.Getpid(),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return p.publish(p.topics.Status(), true, payload)
}

func (p *Publisher) publish(topic string, retained bool, payload []byte) error {
	t := p.getTransport()
	if t == nil || !t.IsConnected() {
		return ErrNotConnected
	}
	return t.Publish(topic, p.qos, retained, payload)
}

func (p *Publisher) getTransport() Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transport
}
