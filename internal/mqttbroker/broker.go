// Package mqttbroker is a small MQTT v3.1.1 broker used for local
// development and end-to-end tests. It supports QoS 0 and 1, wildcard
// subscriptions and optional username/password authentication. Inflight
// QoS 1 deliveries are not retried.
package mqttbroker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bbq191/find-my-android-sub002/internal/topic"
)

// PublishMessage is a publish received from a client.
type PublishMessage struct {
	ClientID string
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
}

// Handler is invoked for each received publish message.
type Handler func(context.Context, PublishMessage)

// Options configure a Broker.
type Options struct {
	// Username and Password, when set, are required from every client.
	Username string
	Password string
}

type clientConn struct {
	conn     net.Conn
	reader   *bufio.Reader
	writeMu  sync.Mutex
	closed   atomic.Bool
	nextID   atomic.Uint32
	clientID string

	subsMu sync.RWMutex
	subs   map[string]byte
}

func newClientConn(conn net.Conn) *clientConn {
	return &clientConn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		subs:   make(map[string]byte),
	}
}

// grantedQoS returns the highest QoS among the client's filters matching
// name, or false when none match.
func (c *clientConn) grantedQoS(name string) (byte, bool) {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	var (
		best  byte
		found bool
	)
	for filter, qos := range c.subs {
		if topic.Match(filter, name) {
			if !found || qos > best {
				best = qos
			}
			found = true
		}
	}
	return best, found
}

func (c *clientConn) subscribe(filter string, qos byte) {
	c.subsMu.Lock()
	c.subs[filter] = qos
	c.subsMu.Unlock()
}

func (c *clientConn) unsubscribe(filter string) {
	c.subsMu.Lock()
	delete(c.subs, filter)
	c.subsMu.Unlock()
}

func (c *clientConn) packetID() uint16 {
	for {
		if id := uint16(c.nextID.Add(1)); id != 0 {
			return id
		}
	}
}

func (c *clientConn) write(packet []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(packet)
	return err
}

// Broker accepts MQTT clients and routes publishes between them.
type Broker struct {
	logger       *slog.Logger
	opts         Options
	listener     net.Listener
	handler      atomic.Value // Handler
	mu           sync.Mutex
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	clientsMu sync.RWMutex
	clients   map[*clientConn]struct{}
}

// New constructs a broker. A nil logger uses slog.Default().
func New(logger *slog.Logger, opts Options) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{logger: logger, opts: opts, clients: make(map[*clientConn]struct{})}
	b.handler.Store(Handler(func(context.Context, PublishMessage) {}))
	return b
}

// Start listens on bind. The returned channel is closed once the accept loop
// terminates; a fatal accept error is sent on it first.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)
	b.logger.Info("mqtt broker listening", "addr", ln.Addr().String())

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(errCh)
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					b.logger.Warn("temporary accept error", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				return
			}

			c := newClientConn(conn)
			b.addClient(c)
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.serve(c)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the listening address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop closes the listener and every client connection.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	b.clientsMu.Lock()
	for c := range b.clients {
		c.closed.Store(true)
		_ = c.conn.Close()
	}
	b.clients = make(map[*clientConn]struct{})
	b.clientsMu.Unlock()

	b.wg.Wait()
	return nil
}

// Disconnect drops every connection of clientID without a DISCONNECT
// packet, as a network failure would. It reports whether any was found.
func (b *Broker) Disconnect(clientID string) bool {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	found := false
	for c := range b.clients {
		if c.clientID == clientID {
			_ = c.conn.Close()
			found = true
		}
	}
	return found
}

// SetPublishHandler installs the function invoked for each received publish.
func (b *Broker) SetPublishHandler(h Handler) {
	if h == nil {
		h = func(context.Context, PublishMessage) {}
	}
	b.handler.Store(h)
}

// Publish delivers a message from the broker itself to every matching subscriber.
func (b *Broker) Publish(name string, payload []byte, qos byte) error {
	if qos > 1 {
		return fmt.Errorf("unsupported qos %d", qos)
	}
	b.route(PublishMessage{Topic: name, Payload: payload, QoS: qos}, nil)
	return nil
}

func (b *Broker) addClient(c *clientConn) {
	b.clientsMu.Lock()
	b.clients[c] = struct{}{}
	b.clientsMu.Unlock()
}

func (b *Broker) removeClient(c *clientConn) {
	b.clientsMu.Lock()
	delete(b.clients, c)
	b.clientsMu.Unlock()
}

func (b *Broker) serve(c *clientConn) {
	defer func() {
		c.closed.Store(true)
		b.removeClient(c)
		_ = c.conn.Close()
	}()

	ctx := context.Background()
	connected := false

	for {
		header, err := c.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.logger.Debug("read header error", "client", c.clientID, "error", err)
			}
			return
		}
		remaining, err := readRemainingLength(c.reader)
		if err != nil {
			b.logger.Debug("read remaining length error", "error", err)
			return
		}
		body := make([]byte, remaining)
		if _, err := io.ReadFull(c.reader, body); err != nil {
			b.logger.Debug("read packet body error", "error", err)
			return
		}

		kind := header >> 4
		if !connected && kind != packetConnect {
			b.logger.Debug("packet before connect", "type", kind)
			return
		}

		switch kind {
		case packetConnect:
			if connected {
				return
			}
			if err := b.handleConnect(c, body); err != nil {
				b.logger.Debug("connect rejected", "error", err)
				return
			}
			connected = true
		case packetPublish:
			msg, packetID, err := parsePublish(header, body)
			if err != nil {
				b.logger.Debug("parse publish error", "error", err)
				return
			}
			msg.ClientID = c.clientID
			if msg.QoS == 1 {
				if err := c.write(encodeAck(packetPubAck, packetID)); err != nil {
					return
				}
			}
			if h, ok := b.handler.Load().(Handler); ok {
				safeInvoke(h, ctx, msg, b.logger)
			}
			b.route(msg, c)
		case packetPubAck:
			// delivery confirmed; nothing is kept in flight
		case packetSubscribe:
			if err := b.handleSubscribe(c, body); err != nil {
				b.logger.Debug("handle subscribe error", "error", err)
				return
			}
		case packetUnsubscribe:
			packetID, filters, err := parseUnsubscribe(body)
			if err != nil {
				b.logger.Debug("parse unsubscribe error", "error", err)
				return
			}
			for _, f := range filters {
				c.unsubscribe(f)
			}
			if err := c.write(encodeAck(packetUnsubAck, packetID)); err != nil {
				return
			}
		case packetPingReq:
			if err := c.write([]byte{packetPingResp << 4, 0x00}); err != nil {
				return
			}
		case packetDisconnect:
			return
		default:
			b.logger.Debug("unsupported packet", "type", kind)
			return
		}
	}
}

func (b *Broker) handleConnect(c *clientConn, body []byte) error {
	pkt, err := parseConnect(body)
	if err != nil {
		return err
	}
	if b.opts.Username != "" || b.opts.Password != "" {
		if !pkt.hasCreds || pkt.username != b.opts.Username || pkt.password != b.opts.Password {
			_ = c.write(encodeConnAck(connBadCredentials))
			return fmt.Errorf("bad credentials for client %q", pkt.clientID)
		}
	}
	if pkt.clientID == "" {
		pkt.clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	c.clientID = pkt.clientID

	if err := c.write(encodeConnAck(connAccepted)); err != nil {
		return fmt.Errorf("write connack: %w", err)
	}
	b.logger.Debug("mqtt client connected", "client", c.clientID)
	return nil
}

func (b *Broker) handleSubscribe(c *clientConn, body []byte) error {
	packetID, subs, err := parseSubscribe(body)
	if err != nil {
		return err
	}
	granted := make([]byte, 0, len(subs))
	for _, s := range subs {
		if !topic.ValidFilter(s.filter) {
			granted = append(granted, subAckFailure)
			continue
		}
		qos := s.qos
		if qos > 1 {
			qos = 1
		}
		c.subscribe(s.filter, qos)
		granted = append(granted, qos)
	}
	return c.write(encodeSubAck(packetID, granted))
}

// route forwards msg to every subscriber except the sender, at the lower of
// the publish and subscription QoS.
func (b *Broker) route(msg PublishMessage, sender *clientConn) {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()

	for c := range b.clients {
		if c == sender {
			continue
		}
		subQoS, ok := c.grantedQoS(msg.Topic)
		if !ok {
			continue
		}
		qos := msg.QoS
		if subQoS < qos {
			qos = subQoS
		}
		var packetID uint16
		if qos > 0 {
			packetID = c.packetID()
		}
		packet, err := encodePublish(msg.Topic, msg.Payload, qos, packetID)
		if err != nil {
			b.logger.Warn("encode publish failed", "topic", msg.Topic, "error", err)
			return
		}
		if err := c.write(packet); err != nil {
			b.logger.Debug("forward publish failed", "client", c.clientID, "error", err)
		}
	}
}

func safeInvoke(h Handler, ctx context.Context, msg PublishMessage, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("publish handler panic", "panic", r)
		}
	}()
	h(ctx, msg)
}
