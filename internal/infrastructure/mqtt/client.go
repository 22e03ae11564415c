// Package mqtt wraps the Paho client with the connection handling,
// reconnect behaviour, and topic helpers the MQTT bridge needs.
package mqtt

import (
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/nerrad567/iron-rail-core/internal/infrastructure/config"
)

const (
	connectTimeout  = 10 * time.Second
	publishTimeout  = 5 * time.Second
	disconnectQuiet = 250 // milliseconds granted to in-flight messages
)

// MessageHandler receives messages for a subscription.
type MessageHandler func(topic string, payload []byte)

// Logger is the logging interface the client uses.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Client wraps a Paho MQTT client.
//
// Thread Safety: all methods are safe for concurrent use.
type Client struct {
	client pahomqtt.Client
	qos    byte
	prefix string
	logger Logger

	mu            sync.RWMutex
	subscriptions map[string]MessageHandler
}

// Connect creates and connects the client. Subscriptions are restored
// automatically after a reconnect.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := &Client{
		qos:           byte(cfg.QoS),
		prefix:        cfg.Prefix,
		logger:        noopLogger{},
		subscriptions: make(map[string]MessageHandler),
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "ironrail-" + uuid.NewString()[:8]
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(clientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(func(pahomqtt.Client) { c.restoreSubscriptions() })

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt: connect timeout to %s:%d", cfg.Host, cfg.Port)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connecting to %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return c, nil
}

// SetLogger installs the client's logger.
func (c *Client) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.logger = logger
}

// IsConnected reports broker connectivity.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Publish sends a message.
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	token := c.client.Publish(topic, c.qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: publish timeout on %s", topic)
	}
	return token.Error()
}

// Subscribe registers a handler for a topic pattern. The subscription
// survives reconnects.
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	c.mu.Lock()
	c.subscriptions[topic] = handler
	c.mu.Unlock()

	token := c.client.Subscribe(topic, c.qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: subscribe timeout on %s", topic)
	}
	return token.Error()
}

func (c *Client) restoreSubscriptions() {
	c.mu.RLock()
	subs := make(map[string]MessageHandler, len(c.subscriptions))
	for topic, handler := range c.subscriptions {
		subs[topic] = handler
	}
	c.mu.RUnlock()

	for topic, handler := range subs {
		h := handler
		token := c.client.Subscribe(topic, c.qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			h(msg.Topic(), msg.Payload())
		})
		if token.WaitTimeout(publishTimeout) && token.Error() == nil {
			continue
		}
		c.logger.Error("mqtt resubscribe failed", "topic", topic, "error", token.Error())
	}
}

// Close disconnects from the broker.
func (c *Client) Close() error {
	c.client.Disconnect(disconnectQuiet)
	return nil
}

// StateTopic returns the topic entity state changes publish to.
func (c *Client) StateTopic(kind, id string) string {
	return fmt.Sprintf("%s/state/%s/%s", c.prefix, kind, id)
}

// CommandTopic returns the wildcard pattern of inbound command topics.
func (c *Client) CommandTopic() string {
	return fmt.Sprintf("%s/command/#", c.prefix)
}
