// Package natsclient adapts a NATS connection to session.Transport so the
// agent can run against a NATS server instead of an MQTT broker. Topics use
// the MQTT '/' separator and are mapped to NATS subjects.
package natsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/bbq191/find-my-android-sub002/internal/session"
)

// Config describes the NATS connection.
type Config struct {
	URL            string
	Name           string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	FlushTimeout   time.Duration
}

// Client implements session.Transport over NATS core publish/subscribe.
type Client struct {
	cfg    Config
	logger *slog.Logger
	events chan session.TransportEvent

	mu       sync.Mutex
	conn     *nats.Conn
	handlers map[string]session.MessageHandler
	subs     map[string]*nats.Subscription
}

// New validates cfg. Connecting is left to the session manager.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "locatord"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	return &Client{
		cfg:      cfg,
		logger:   logger,
		events:   make(chan session.TransportEvent, 8),
		handlers: make(map[string]session.MessageHandler),
		subs:     make(map[string]*nats.Subscription),
	}, nil
}

// Connect dials the server once. nats.go reconnection is disabled.
func (c *Client) Connect(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name(c.cfg.Name),
		nats.Timeout(c.cfg.ConnectTimeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(c.onDisconnect),
	}
	if c.cfg.Username != "" {
		opts = append(opts, nats.UserInfo(c.cfg.Username, c.cfg.Password))
	}

	type result struct {
		nc  *nats.Conn
		err error
	}
	done := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(c.cfg.URL, opts...)
		done <- result{nc, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		go func() {
			if r := <-done; r.nc != nil {
				r.nc.Close()
			}
		}()
		return ctx.Err()
	}
	if res.err != nil {
		return fmt.Errorf("nats connect %s: %w", c.cfg.URL, res.err)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = res.nc
	c.subs = make(map[string]*nats.Subscription)
	handlers := make(map[string]session.MessageHandler, len(c.handlers))
	for t, h := range c.handlers {
		handlers[t] = h
	}
	c.mu.Unlock()

	for t, h := range handlers {
		if err := c.subscribe(t, h); err != nil {
			c.logger.Warn("resubscribe failed", "topic", t, "error", err)
		}
	}
	c.emit(session.TransportEvent{Kind: session.TransportConnected})
	return nil
}

// Disconnect closes the connection without reporting a loss.
func (c *Client) Disconnect() {
	c.mu.Lock()
	nc := c.conn
	c.conn = nil
	c.mu.Unlock()
	if nc != nil {
		nc.Close()
	}
}

// IsConnected reports whether the connection is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.IsConnected()
}

// Publish sends payload with messageID in the Nats-Msg-Id header and
// flushes so a dead connection surfaces as an error instead of a silent loss.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, messageID string) error {
	c.mu.Lock()
	nc := c.conn
	c.mu.Unlock()
	if nc == nil {
		return session.ErrNotConnected
	}

	msg := newMsg(topic, payload, messageID)
	if err := nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", msg.Subject, err)
	}

	fctx, cancel := context.WithTimeout(ctx, c.cfg.FlushTimeout)
	defer cancel()
	if err := nc.FlushWithContext(fctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// Subscribe records handler and subscribes immediately when connected.
func (c *Client) Subscribe(topic string, handler session.MessageHandler) error {
	c.mu.Lock()
	c.handlers[topic] = handler
	connected := c.conn != nil
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.subscribe(topic, handler)
}

// Events streams unsolicited connection changes.
func (c *Client) Events() <-chan session.TransportEvent {
	return c.events
}

func (c *Client) subscribe(topic string, handler session.MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return session.ErrNotConnected
	}
	if old, ok := c.subs[topic]; ok {
		_ = old.Unsubscribe()
	}
	sub, err := c.conn.Subscribe(Subject(topic), func(m *nats.Msg) {
		id := ""
		if m.Header != nil {
			id = m.Header.Get(nats.MsgIdHdr)
		}
		handler(Topic(m.Subject), m.Data, id)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", topic, err)
	}
	c.subs[topic] = sub
	return nil
}

// newMsg builds the outbound message. A retried message keeps its id so the
// receiver's dedup cache recognises it; only an id-less publish gets a fresh one.
func newMsg(topic string, payload []byte, messageID string) *nats.Msg {
	if messageID == "" {
		messageID = uuid.NewString()
	}
	msg := nats.NewMsg(Subject(topic))
	msg.Data = payload
	msg.Header.Set(nats.MsgIdHdr, messageID)
	return msg
}

func (c *Client) onDisconnect(nc *nats.Conn, err error) {
	c.mu.Lock()
	current := c.conn == nc
	if current {
		c.conn = nil
	}
	c.mu.Unlock()
	if !current {
		return
	}
	c.logger.Warn("nats connection lost", "url", c.cfg.URL, "error", err)
	c.emit(session.TransportEvent{Kind: session.TransportLost, Err: err})
}

func (c *Client) emit(ev session.TransportEvent) {
	select {
	case c.events <- ev:
	default:
		c.logger.Debug("transport event dropped", "kind", ev.Kind)
	}
}

// Subject maps an MQTT-style topic or filter to a NATS subject.
func Subject(topic string) string {
	levels := strings.Split(strings.Trim(topic, "/"), "/")
	for i, l := range levels {
		switch l {
		case "+":
			levels[i] = "*"
		case "#":
			levels[i] = ">"
		default:
			levels[i] = strings.ReplaceAll(l, ".", "_")
		}
	}
	return strings.Join(levels, ".")
}

// Topic maps a concrete NATS subject back to an MQTT-style topic.
func Topic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}
