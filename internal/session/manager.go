// Package session keeps one logical publish/subscribe connection alive and
// hides reconnection from its callers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bbq191/find-my-android-sub002/internal/model"
	"github.com/bbq191/find-my-android-sub002/internal/observe"
)

// ErrNotConnected is returned by Publish and Subscribe when the session is down.
var ErrNotConnected = errors.New("session not connected")

// MessageHandler receives inbound messages. messageID is empty when the
// transport cannot provide a stable identifier.
type MessageHandler func(topic string, payload []byte, messageID string)

// TransportEventKind classifies events on the transport state stream.
type TransportEventKind int

const (
	TransportConnected TransportEventKind = iota
	TransportLost
)

// TransportEvent is emitted by a transport when its connection changes
// without the session manager asking for it.
type TransportEvent struct {
	Kind TransportEventKind
	Err  error
}

// Transport is the underlying publish/subscribe client. Implementations
// must not reconnect on their own. messageID identifies the logical message
// and is the same on every retry; transports that can carry it do so.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	Publish(ctx context.Context, topic string, payload []byte, messageID string) error
	Subscribe(topic string, handler MessageHandler) error
	Events() <-chan TransportEvent
}

// Config holds the reconnection parameters.
type Config struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFactor   float64
	MaxAttempts    int
	InitialNetwork model.NetworkType
}

// Manager owns the connection state. ConnectionState, NetworkType and
// ReconnectStats are written only here.
type Manager struct {
	transport   Transport
	logger      *slog.Logger
	backoff     *Backoff
	maxAttempts int
	now         func() time.Time

	state   *observe.Value[model.ConnectionState]
	network *observe.Value[model.NetworkType]
	stats   *observe.Value[model.ReconnectStats]

	mu          sync.Mutex
	inFlight    atomic.Bool
	gen         uint64
	cancelLoop  context.CancelFunc
	netUp       bool
	closed      bool
	onConnected []func()

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// New constructs a manager around transport. A nil transport is a
// programming error and is the only construction failure.
func New(transport Transport, cfg Config, logger *slog.Logger) (*Manager, error) {
	if transport == nil {
		return nil, fmt.Errorf("session transport is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.JitterFactor < 0 {
		cfg.JitterFactor = DefaultJitterFactor
	}

	m := &Manager{
		transport:   transport,
		logger:      logger,
		backoff:     NewBackoff(cfg.BaseDelay, cfg.MaxDelay, cfg.JitterFactor),
		maxAttempts: cfg.MaxAttempts,
		now:         time.Now,
		state:       observe.NewValue(model.Disconnected),
		network:     observe.NewValue(cfg.InitialNetwork),
		stats:       observe.NewValue(model.ReconnectStats{}),
		netUp:       cfg.InitialNetwork != model.NetworkNone,
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.watchCancel = cancel
	m.watchDone = make(chan struct{})
	go m.watchTransport(ctx)

	return m, nil
}

// State exposes the connection state.
func (m *Manager) State() observe.Readable[model.ConnectionState] { return m.state.Readonly() }

// Network exposes the current network type.
func (m *Manager) Network() observe.Readable[model.NetworkType] { return m.network.Readonly() }

// Stats exposes the reconnect bookkeeping.
func (m *Manager) Stats() observe.Readable[model.ReconnectStats] { return m.stats.Readonly() }

// OnConnected registers fn to run (in its own goroutine) after every successful connect.
func (m *Manager) OnConnected(fn func()) {
	m.mu.Lock()
	m.onConnected = append(m.onConnected, fn)
	m.mu.Unlock()
}

// EnsureConnected returns immediately. When the session is not connected it
// starts a reconnect loop, or joins the one already running.
func (m *Manager) EnsureConnected() model.ConnectionState {
	if cur := m.state.Get(); cur == model.Connected {
		return cur
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.state.Get()
	switch {
	case cur == model.Connected, m.closed:
		return cur
	case cur == model.Failed:
		// only a recovery trigger may leave Failed
		return cur
	case !m.netUp:
		return cur
	}

	if m.inFlight.Load() {
		return cur
	}
	m.applyLocked(evAttemptStarted)
	m.startLoopLocked()
	return m.state.Get()
}

// WaitConnected blocks until the session is connected, has failed, or ctx is done.
func (m *Manager) WaitConnected(ctx context.Context) error {
	ch, cancel := m.state.Watch(4)
	defer cancel()

	m.EnsureConnected()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-ch:
			if !ok {
				return ErrNotConnected
			}
			switch st {
			case model.Connected:
				return nil
			case model.Failed:
				return fmt.Errorf("reconnect attempts exhausted: %w", ErrNotConnected)
			}
		}
	}
}

// ReportNetworkAvailable is the network monitor's onAvailable hook.
func (m *Manager) ReportNetworkAvailable(typ model.NetworkType) {
	if typ == model.NetworkNone {
		typ = model.NetworkOther
	}
	m.network.Set(typ)

	m.mu.Lock()
	defer m.mu.Unlock()
	wasUp := m.netUp
	m.netUp = true
	if m.closed || m.state.Get() == model.Connected {
		return
	}
	if wasUp && m.inFlight.Load() {
		return
	}

	m.logger.Info("network available, reconnecting", "network", typ)
	m.stopLoopLocked()
	m.resetAttemptsLocked()
	m.applyLocked(evRecover)
	m.startLoopLocked()
}

// ReportNetworkLost is the network monitor's onLost hook. The running loop
// is cancelled; there is no point retrying without a network.
func (m *Manager) ReportNetworkLost() {
	m.network.Set(model.NetworkNone)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.netUp = false
	m.stopLoopLocked()
	m.applyLocked(evNetworkLost)
	m.logger.Info("network lost, reconnect suspended")
}

// ReportCapabilitiesChanged is the network monitor's onCapabilitiesChanged hook.
func (m *Manager) ReportCapabilitiesChanged(hasWifi bool) {
	m.mu.Lock()
	up := m.netUp
	m.mu.Unlock()
	if !up {
		return
	}
	if hasWifi {
		m.network.Set(model.NetworkWifi)
	} else if m.network.Get() == model.NetworkWifi {
		m.network.Set(model.NetworkCellular)
	}
}

// ManualReconnect cancels any running loop, resets the attempt counter and
// starts a fresh attempt sequence.
func (m *Manager) ManualReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	m.stopLoopLocked()
	m.resetAttemptsLocked()
	if m.state.Get() == model.Connected {
		if m.transport.IsConnected() {
			return
		}
		m.applyLocked(evTransportLost)
	}
	if !m.netUp {
		m.logger.Info("manual reconnect deferred until network returns")
		return
	}
	m.applyLocked(evRecover)
	m.applyLocked(evAttemptStarted)
	m.startLoopLocked()
}

// StopReconnect cancels any pending backoff sleep and clears the in-flight flag.
func (m *Manager) StopReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLoopLocked()
	if m.state.Get() != model.Connected {
		m.applyLocked(evStopped)
	}
}

// Close stops reconnecting, disconnects the transport and releases the
// transport watcher.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.stopLoopLocked()
	m.applyLocked(evStopped)
	m.mu.Unlock()

	m.transport.Disconnect()
	m.watchCancel()
	<-m.watchDone
}

// Publish sends through the transport when connected.
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte, messageID string) error {
	if m.state.Get() != model.Connected || !m.transport.IsConnected() {
		return ErrNotConnected
	}
	if err := m.transport.Publish(ctx, topic, payload, messageID); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler with the transport. Transports replay their
// subscriptions after every reconnect.
func (m *Manager) Subscribe(topic string, handler MessageHandler) error {
	if err := m.transport.Subscribe(topic, handler); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (m *Manager) startLoopLocked() {
	if !m.inFlight.CompareAndSwap(false, true) {
		return
	}
	m.gen++
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelLoop = cancel
	go m.reconnectLoop(ctx, m.gen)
}

func (m *Manager) stopLoopLocked() {
	if m.cancelLoop != nil {
		m.cancelLoop()
		m.cancelLoop = nil
	}
	m.gen++
	m.inFlight.Store(false)
}

// finishLoopLocked is called by the current loop when it terminates on its own.
func (m *Manager) finishLoopLocked() {
	if m.cancelLoop != nil {
		m.cancelLoop()
		m.cancelLoop = nil
	}
	m.inFlight.Store(false)
}

func (m *Manager) resetAttemptsLocked() {
	m.stats.Update(func(s model.ReconnectStats) model.ReconnectStats {
		s.CurrentAttempt = 0
		s.NextRetryDelay = 0
		return s
	})
}

func (m *Manager) applyLocked(ev event) {
	prev := m.state.Get()
	next := transition(prev, ev)
	if next != prev {
		m.state.Set(next)
		m.logger.Debug("connection state changed", "from", prev, "to", next, "event", ev)
	}
}

// reconnectLoop runs strictly sequential connect attempts. Every write it
// makes is dropped once its generation is no longer current, so a cancelled
// loop can never overwrite the state of its successor.
func (m *Manager) reconnectLoop(ctx context.Context, gen uint64) {
	for {
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		attempt := m.stats.Get().CurrentAttempt + 1
		m.stats.Update(func(s model.ReconnectStats) model.ReconnectStats {
			s.TotalAttempts++
			return s
		})
		m.mu.Unlock()

		m.logger.Debug("connect attempt", "attempt", attempt)
		err := m.transport.Connect(ctx)

		m.mu.Lock()
		if gen != m.gen || ctx.Err() != nil {
			stray := err == nil && m.state.Get() != model.Connected
			m.mu.Unlock()
			if stray {
				// a cancelled loop must not leave a stray connection behind
				m.transport.Disconnect()
			}
			return
		}

		if err == nil {
			now := m.now()
			m.stats.Update(func(s model.ReconnectStats) model.ReconnectStats {
				s.CurrentAttempt = 0
				s.NextRetryDelay = 0
				s.SuccessfulReconnects++
				s.LastReconnectTime = now
				return s
			})
			m.applyLocked(evConnected)
			m.finishLoopLocked()
			hooks := append([]func(){}, m.onConnected...)
			m.mu.Unlock()

			m.logger.Info("session connected", "attempt", attempt)
			for _, fn := range hooks {
				go fn()
			}
			return
		}

		if attempt >= m.maxAttempts {
			m.stats.Update(func(s model.ReconnectStats) model.ReconnectStats {
				s.CurrentAttempt = attempt
				s.NextRetryDelay = 0
				return s
			})
			m.applyLocked(evAttemptsExhausted)
			m.finishLoopLocked()
			m.mu.Unlock()
			m.logger.Warn("reconnect attempts exhausted", "attempts", attempt, "error", err)
			return
		}

		delay := m.backoff.Next(attempt)
		m.stats.Update(func(s model.ReconnectStats) model.ReconnectStats {
			s.CurrentAttempt = attempt
			s.NextRetryDelay = delay
			return s
		})
		m.applyLocked(evAttemptFailed)
		m.mu.Unlock()

		m.logger.Warn("connect attempt failed", "attempt", attempt, "retry_in", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Manager) watchTransport(ctx context.Context) {
	defer close(m.watchDone)
	events := m.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handleTransportEvent(ev)
		}
	}
}

func (m *Manager) handleTransportEvent(ev TransportEvent) {
	if ev.Kind != TransportLost {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.state.Get() != model.Connected {
		return
	}
	m.logger.Warn("transport connection lost", "error", ev.Err)
	m.applyLocked(evTransportLost)
	if m.netUp {
		m.resetAttemptsLocked()
		m.startLoopLocked()
	}
}
