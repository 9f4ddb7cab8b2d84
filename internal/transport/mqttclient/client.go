// Package mqttclient adapts the paho MQTT client to session.Transport.
// Paho's own reconnect logic is disabled; the session manager owns retries.
package mqttclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/bbq191/find-my-android-sub002/internal/session"
)

// Config describes the broker connection.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// Client implements session.Transport on top of paho.
type Client struct {
	cfg    Config
	logger *slog.Logger
	client mqtt.Client
	events chan session.TransportEvent

	mu   sync.Mutex
	subs map[string]session.MessageHandler
}

// New builds a client. Connecting is left to the session manager.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("mqtt broker url is empty")
	}
	if cfg.QoS > 1 {
		return nil, fmt.Errorf("unsupported mqtt qos %d", cfg.QoS)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "locatord-" + uuid.NewString()[:8]
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}

	c := &Client{
		cfg:    cfg,
		logger: logger,
		events: make(chan session.TransportEvent, 8),
		subs:   make(map[string]session.MessageHandler),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Connect performs one connection attempt.
func (c *Client) Connect(ctx context.Context) error {
	token := c.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect %s: %w", c.cfg.BrokerURL, err)
		}
		return nil
	case <-ctx.Done():
		go func() {
			<-token.Done()
			if token.Error() == nil {
				c.client.Disconnect(0)
			}
		}()
		return ctx.Err()
	}
}

// Disconnect closes the connection, allowing in-flight work a short grace period.
func (c *Client) Disconnect() {
	if c.client.IsConnectionOpen() {
		c.client.Disconnect(250)
	}
}

// IsConnected reports whether the connection is up.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Publish sends payload at the configured QoS and waits for the broker to
// acknowledge it when QoS is 1. MQTT 3.1.1 has no header to carry the
// message id; receivers derive one from topic and payload.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, _ string) error {
	token := c.client.Publish(topic, c.cfg.QoS, false, payload)
	timer := time.NewTimer(c.cfg.PublishTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("mqtt publish %s: timed out after %s", topic, c.cfg.PublishTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe records handler and subscribes immediately when connected.
// Subscriptions are replayed after every connect.
func (c *Client) Subscribe(topic string, handler session.MessageHandler) error {
	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		return nil
	}
	return c.subscribe(topic, handler)
}

// Events streams unsolicited connection changes.
func (c *Client) Events() <-chan session.TransportEvent {
	return c.events
}

func (c *Client) subscribe(topic string, handler session.MessageHandler) error {
	token := c.client.Subscribe(topic, c.cfg.QoS, func(_ mqtt.Client, m mqtt.Message) {
		// packet ids are reused by the broker, so the facade derives its own id
		handler(m.Topic(), m.Payload(), "")
	})
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt subscribe %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	return nil
}

func (c *Client) onConnect(mqtt.Client) {
	c.mu.Lock()
	subs := make(map[string]session.MessageHandler, len(c.subs))
	for t, h := range c.subs {
		subs[t] = h
	}
	c.mu.Unlock()

	for t, h := range subs {
		if err := c.subscribe(t, h); err != nil {
			c.logger.Warn("resubscribe failed", "topic", t, "error", err)
		}
	}
	c.emit(session.TransportEvent{Kind: session.TransportConnected})
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.logger.Warn("mqtt connection lost", "broker", c.cfg.BrokerURL, "error", err)
	c.emit(session.TransportEvent{Kind: session.TransportLost, Err: err})
}

func (c *Client) emit(ev session.TransportEvent) {
	select {
	case c.events <- ev:
	default:
		c.logger.Debug("transport event dropped", "kind", ev.Kind)
	}
}
