package broadcast

import (
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	maxReconnectInterval     = 30 * time.Second
)

// MessageHandler receives inbound messages.
type MessageHandler func(topic string, payload []byte)

// Transport is the broker connection a Publisher writes to.
type Transport interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
	IsConnected() bool
	Close()
}

// Will is the message the broker publishes if the station disappears.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
}

// MQTTTransport is a Transport backed by paho.mqtt.golang. Subscriptions are
// restored after a reconnect.
type MQTTTransport struct {
	client pahomqtt.Client

	mu   sync.RWMutex
	subs map[string]subscription

	onConnect func()
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

var _ Transport = (*MQTTTransport)(nil)

// DialMQTT connects to the broker in cfg. will, if set, is registered as
// the Last Will and Testament. onConnect runs after every (re)connect.
func DialMQTT(cfg Config, will *Will, onConnect func()) (*MQTTTransport, error) {
	t := &MQTTTransport{
		subs:      make(map[string]subscription),
		onConnect: onConnect,
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(maxReconnectInterval)
	opts.SetConnectTimeout(cfg.connectTimeout())
	opts.SetKeepAlive(defaultKeepAlive)
	if strings.HasPrefix(cfg.Broker, "ssl://") || strings.HasPrefix(cfg.Broker, "tls://") || strings.HasPrefix(cfg.Broker, "mqtts://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	if will != nil {
		opts.SetBinaryWill(will.Topic, will.Payload, will.QoS, true)
	}
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		t.restoreSubscriptions()
		if t.onConnect != nil {
			t.onConnect()
		}
	})

	t.client = pahomqtt.NewClient(opts)
	token := t.client.Connect()
	if !token.WaitTimeout(cfg.connectTimeout()) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, cfg.connectTimeout())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return t, nil
}

// Publish sends payload to topic and waits for the broker acknowledgement.
func (t *MQTTTransport) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !t.IsConnected() {
		return ErrNotConnected
	}
	token := t.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Subscribe registers handler for topic.
func (t *MQTTTransport) Subscribe(topic string, qos byte, handler MessageHandler) error {
	t.mu.Lock()
	t.subs[topic] = subscription{qos: qos, handler: handler}
	t.mu.Unlock()

	if !t.IsConnected() {
		return ErrNotConnected
	}
	token := t.client.Subscribe(topic, qos, wrapHandler(handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

// IsConnected reports the client connection state.
func (t *MQTTTransport) IsConnected() bool {
	return t.client != nil && t.client.IsConnected()
}

// Close disconnects after pending operations have had a chance to finish.
func (t *MQTTTransport) Close() {
	if t.client != nil {
		t.client.Disconnect(defaultDisconnectQuiesce)
	}
}

func (t *MQTTTransport) restoreSubscriptions() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for topic, sub := range t.subs {
		t.client.Subscribe(topic, sub.qos, wrapHandler(sub.handler))
	}
}

func wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}
}
