// Package comm is the single entry point the rest of the agent uses to talk
// to peers. It hides reconnection, offline queuing and inbound duplicate
// suppression behind Send and Subscribe.
package comm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bbq191/find-my-android-sub002/internal/dedup"
	"github.com/bbq191/find-my-android-sub002/internal/model"
	"github.com/bbq191/find-my-android-sub002/internal/observe"
	"github.com/bbq191/find-my-android-sub002/internal/queue"
	"github.com/bbq191/find-my-android-sub002/internal/session"
	"github.com/bbq191/find-my-android-sub002/internal/topic"
)

const DefaultFlushInterval = 30 * time.Second

// Session is the connection owner the facade drives.
type Session interface {
	EnsureConnected() model.ConnectionState
	ManualReconnect()
	Publish(ctx context.Context, topic string, payload []byte, messageID string) error
	Subscribe(topic string, handler session.MessageHandler) error
	OnConnected(fn func())
	State() observe.Readable[model.ConnectionState]
	Network() observe.Readable[model.NetworkType]
	Stats() observe.Readable[model.ReconnectStats]
	Close()
}

// Message is an inbound message after duplicate suppression.
type Message struct {
	ID      string
	Topic   string
	Payload []byte
}

// Handler consumes inbound messages.
type Handler func(ctx context.Context, msg Message)

// Config tunes the facade.
type Config struct {
	FlushInterval time.Duration
	// IDBucket is the time slot used to derive ids for inbound messages
	// that arrive without one.
	IDBucket time.Duration
	// SweepInterval drives the dedup cache sweeper; zero uses FlushInterval.
	SweepInterval time.Duration
}

type route struct {
	filter  string
	handler Handler
}

// Facade composes the session, the offline queue and the dedup cache.
type Facade struct {
	session Session
	queue   *queue.Queue
	dedup   *dedup.Cache
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time

	mu         sync.RWMutex
	routes     []route
	subscribed map[string]struct{}

	lifecycle sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
	destroyed bool
}

// New wires the facade. All collaborators are required.
func New(sess Session, q *queue.Queue, cache *dedup.Cache, cfg Config, logger *slog.Logger) (*Facade, error) {
	switch {
	case sess == nil:
		return nil, errors.New("comm: session is nil")
	case q == nil:
		return nil, errors.New("comm: queue is nil")
	case cache == nil:
		return nil, errors.New("comm: dedup cache is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.IDBucket <= 0 {
		cfg.IDBucket = dedup.DefaultBucket
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.FlushInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Facade{
		session:    sess,
		queue:      q,
		dedup:      cache,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
		subscribed: make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start begins connecting, registers the post-connect flush and runs the
// periodic flush and dedup sweep until Destroy.
func (f *Facade) Start() {
	f.lifecycle.Lock()
	defer f.lifecycle.Unlock()
	if f.started || f.destroyed {
		return
	}
	f.started = true

	f.session.OnConnected(func() {
		if f.ctx.Err() != nil {
			return
		}
		res := f.FlushQueue(f.ctx)
		f.logger.Debug("post-connect flush", "delivered", res.Delivered, "failed", res.Failed)
	})

	f.wg.Add(2)
	go func() {
		defer f.wg.Done()
		f.flushLoop(f.ctx)
	}()
	go func() {
		defer f.wg.Done()
		f.dedup.Run(f.ctx, f.cfg.SweepInterval)
	}()

	f.session.EnsureConnected()
}

// Destroy stops the timers and closes the session. It is safe to call more than once.
func (f *Facade) Destroy() {
	f.lifecycle.Lock()
	if f.destroyed {
		f.lifecycle.Unlock()
		return
	}
	f.destroyed = true
	f.lifecycle.Unlock()

	f.cancel()
	f.wg.Wait()
	f.session.Close()
}

// EnsureConnected is a non-blocking connect request.
func (f *Facade) EnsureConnected() model.ConnectionState {
	return f.session.EnsureConnected()
}

// Reconnect discards the current backoff and reconnects from attempt one.
func (f *Facade) Reconnect() {
	f.session.ManualReconnect()
}

// Send publishes payload when the session is connected, otherwise stores it
// for later delivery. It never panics and reports the outcome in the result.
func (f *Facade) Send(ctx context.Context, name string, payload []byte) model.SendResult {
	id := uuid.NewString()
	if f.session.State().Get() == model.Connected {
		err := f.session.Publish(ctx, name, payload, id)
		if err == nil {
			return model.SendResult{Status: model.SendSent, MessageID: id}
		}
		f.logger.Debug("direct publish failed, queuing", "topic", name, "error", err)
	} else {
		f.session.EnsureConnected()
	}

	// the failed publish may still have arrived; the retry reuses its id
	msg, err := f.queue.EnqueueWithID(ctx, id, name, payload)
	if err != nil {
		f.logger.Error("message lost: offline queue unavailable", "topic", name, "bytes", len(payload), "error", err)
		return model.SendResult{Status: model.SendLost, Err: err}
	}
	return model.SendResult{Status: model.SendQueued, MessageID: msg.ID}
}

// Subscribe routes inbound messages matching filter to handler. The
// transport subscription is made once per filter.
func (f *Facade) Subscribe(filter string, handler Handler) error {
	if handler == nil {
		return errors.New("comm: handler is nil")
	}
	if !topic.ValidFilter(filter) {
		return fmt.Errorf("subscribe %q: invalid topic filter", filter)
	}

	f.mu.Lock()
	f.routes = append(f.routes, route{filter: filter, handler: handler})
	_, done := f.subscribed[filter]
	f.subscribed[filter] = struct{}{}
	f.mu.Unlock()

	if done {
		return nil
	}
	if err := f.session.Subscribe(filter, f.OnMessage); err != nil {
		f.mu.Lock()
		delete(f.subscribed, filter)
		f.mu.Unlock()
		return err
	}
	return nil
}

// OnMessage is the inbound path. Messages without an id get one derived
// from topic, payload and arrival time; duplicates are dropped silently.
func (f *Facade) OnMessage(name string, payload []byte, messageID string) {
	if messageID == "" {
		messageID = dedup.MessageID(name, payload, f.now(), f.cfg.IDBucket)
	}
	if f.dedup.IsDuplicate(messageID) {
		f.logger.Debug("duplicate message dropped", "topic", name, "id", messageID)
		return
	}

	msg := Message{ID: messageID, Topic: name, Payload: payload}
	f.mu.RLock()
	var targets []Handler
	for _, r := range f.routes {
		if topic.Match(r.filter, name) {
			targets = append(targets, r.handler)
		}
	}
	f.mu.RUnlock()

	if len(targets) == 0 {
		f.logger.Debug("no handler for message", "topic", name)
		return
	}
	for _, h := range targets {
		f.dispatch(h, msg)
	}
}

// FlushQueue drains the offline queue while connected. A session drop
// mid-pass aborts the pass without charging retries.
func (f *Facade) FlushQueue(ctx context.Context) queue.FlushResult {
	if f.session.State().Get() != model.Connected {
		f.session.EnsureConnected()
		return queue.FlushResult{Aborted: true}
	}
	return f.queue.Flush(ctx, func(ctx context.Context, msg model.PendingMessage) error {
		err := f.session.Publish(ctx, msg.Topic, msg.Payload, msg.ID)
		if errors.Is(err, session.ErrNotConnected) {
			return fmt.Errorf("%w: %w", queue.ErrAborted, err)
		}
		return err
	})
}

// ConnectionState exposes the session state.
func (f *Facade) ConnectionState() observe.Readable[model.ConnectionState] {
	return f.session.State()
}

// NetworkType exposes the current network.
func (f *Facade) NetworkType() observe.Readable[model.NetworkType] {
	return f.session.Network()
}

// PendingCount exposes the offline queue depth.
func (f *Facade) PendingCount() observe.Readable[int] {
	return f.queue.PendingCount()
}

// ReconnectStats exposes the reconnect bookkeeping.
func (f *Facade) ReconnectStats() observe.Readable[model.ReconnectStats] {
	return f.session.Stats()
}

// Dedup returns the inbound duplicate cache, for persistence.
func (f *Facade) Dedup() *dedup.Cache { return f.dedup }

func (f *Facade) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if f.queue.PendingCount().Get() == 0 {
				continue
			}
			f.FlushQueue(ctx)
		}
	}
}

func (f *Facade) dispatch(h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("message handler panic", "topic", msg.Topic, "panic", r)
		}
	}()
	h(f.ctx, msg)
}
