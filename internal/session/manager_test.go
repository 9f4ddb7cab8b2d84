package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bbq191/find-my-android-sub002/internal/model"
)

var errRefused = errors.New("connection refused")

type fakeTransport struct {
	calls     atomic.Int32
	connected atomic.Bool
	events    chan TransportEvent

	mu      sync.Mutex
	connect func(n int) error
}

func newFakeTransport(connect func(n int) error) *fakeTransport {
	return &fakeTransport{events: make(chan TransportEvent, 4), connect: connect}
}

func (f *fakeTransport) Connect(context.Context) error {
	n := int(f.calls.Add(1))
	f.mu.Lock()
	fn := f.connect
	f.mu.Unlock()
	var err error
	if fn != nil {
		err = fn(n)
	}
	if err == nil {
		f.connected.Store(true)
	}
	return err
}

func (f *fakeTransport) setConnect(fn func(n int) error) {
	f.mu.Lock()
	f.connect = fn
	f.mu.Unlock()
}

func (f *fakeTransport) Disconnect()       { f.connected.Store(false) }
func (f *fakeTransport) IsConnected() bool { return f.connected.Load() }

func (f *fakeTransport) Publish(context.Context, string, []byte, string) error {
	if !f.connected.Load() {
		return errRefused
	}
	return nil
}

func (f *fakeTransport) Subscribe(string, MessageHandler) error { return nil }
func (f *fakeTransport) Events() <-chan TransportEvent        { return f.events }

func testConfig(maxAttempts int) Config {
	return Config{
		BaseDelay:      time.Millisecond,
		MaxDelay:       4 * time.Millisecond,
		JitterFactor:   0.1,
		MaxAttempts:    maxAttempts,
		InitialNetwork: model.NetworkWifi,
	}
}

func newTestManager(t *testing.T, tr Transport, cfg Config) *Manager {
	t.Helper()
	m, err := New(tr, cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func waitForState(t *testing.T, m *Manager, want model.ConnectionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State().Get() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state did not reach %s, stuck at %s", want, m.State().Get())
}

func TestNewRejectsNilTransport(t *testing.T) {
	if _, err := New(nil, Config{}, nil); err == nil {
		t.Fatal("expected error for nil transport")
	}
}

func TestConnectsOnFirstAttempt(t *testing.T) {
	tr := newFakeTransport(nil)
	m := newTestManager(t, tr, testConfig(5))

	if err := m.WaitConnected(context.Background()); err != nil {
		t.Fatalf("WaitConnected failed: %v", err)
	}
	stats := m.Stats().Get()
	if stats.SuccessfulReconnects != 1 || stats.TotalAttempts != 1 || stats.CurrentAttempt != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.LastReconnectTime.IsZero() {
		t.Error("expected LastReconnectTime to be set")
	}
}

func TestEnsureConnectedIsIdempotentWhenConnected(t *testing.T) {
	tr := newFakeTransport(nil)
	m := newTestManager(t, tr, testConfig(5))
	if err := m.WaitConnected(context.Background()); err != nil {
		t.Fatalf("WaitConnected failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		if st := m.EnsureConnected(); st != model.Connected {
			t.Fatalf("expected Connected, got %s", st)
		}
	}
	if n := tr.calls.Load(); n != 1 {
		t.Errorf("expected a single connect call, got %d", n)
	}
	if a := m.Stats().Get().CurrentAttempt; a != 0 {
		t.Errorf("expected CurrentAttempt 0, got %d", a)
	}
}

func TestEnsureConnectedJoinsRunningLoop(t *testing.T) {
	release := make(chan struct{})
	tr := newFakeTransport(func(int) error {
		<-release
		return nil
	})
	m := newTestManager(t, tr, testConfig(5))

	for i := 0; i < 5; i++ {
		m.EnsureConnected()
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	waitForState(t, m, model.Connected)

	if n := tr.calls.Load(); n != 1 {
		t.Errorf("expected one loop with one attempt, got %d connect calls", n)
	}
}

func TestFailedAfterMaxAttempts(t *testing.T) {
	const maxAttempts = 4
	tr := newFakeTransport(func(int) error { return errRefused })
	m := newTestManager(t, tr, testConfig(maxAttempts))

	m.EnsureConnected()
	waitForState(t, m, model.Failed)

	time.Sleep(20 * time.Millisecond)
	if n := tr.calls.Load(); n != maxAttempts {
		t.Fatalf("expected %d attempts, got %d", maxAttempts, n)
	}
	if st := m.EnsureConnected(); st != model.Failed {
		t.Fatalf("EnsureConnected must not leave Failed, got %s", st)
	}
	time.Sleep(10 * time.Millisecond)
	if n := tr.calls.Load(); n != maxAttempts {
		t.Errorf("no attempt expected after Failed, got %d", n)
	}
	stats := m.Stats().Get()
	if stats.CurrentAttempt != maxAttempts || stats.TotalAttempts != maxAttempts {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestAttemptCounterNeverExceedsMax(t *testing.T) {
	const maxAttempts = 3
	tr := newFakeTransport(func(int) error { return errRefused })
	m := newTestManager(t, tr, testConfig(maxAttempts))

	ch, cancel := m.Stats().Watch(64)
	defer cancel()
	m.EnsureConnected()
	waitForState(t, m, model.Failed)

	for {
		select {
		case s := <-ch:
			if s.CurrentAttempt > maxAttempts {
				t.Fatalf("CurrentAttempt %d exceeded max %d", s.CurrentAttempt, maxAttempts)
			}
		default:
			return
		}
	}
}

func TestNetworkLostStopsLoop(t *testing.T) {
	var m *Manager
	tr := newFakeTransport(nil)
	m = newTestManager(t, tr, testConfig(20))
	tr.setConnect(func(n int) error {
		if n == 3 {
			m.ReportNetworkLost()
		}
		return errRefused
	})

	m.EnsureConnected()
	waitForState(t, m, model.Disconnected)
	time.Sleep(30 * time.Millisecond)

	if n := tr.calls.Load(); n != 3 {
		t.Fatalf("expected attempts to stop at 3, got %d", n)
	}
	if got := m.Stats().Get().CurrentAttempt; got != 2 {
		t.Errorf("expected current attempt to stay at 2, got %d", got)
	}
	if m.Network().Get() != model.NetworkNone {
		t.Errorf("expected network none, got %s", m.Network().Get())
	}
	if st := m.EnsureConnected(); st != model.Disconnected {
		t.Errorf("no connect expected without a network, got %s", st)
	}
}

func TestNetworkAvailableRecoversFromFailed(t *testing.T) {
	const maxAttempts = 3
	tr := newFakeTransport(func(n int) error {
		if n <= maxAttempts {
			return errRefused
		}
		return nil
	})
	m := newTestManager(t, tr, testConfig(maxAttempts))

	m.EnsureConnected()
	waitForState(t, m, model.Failed)

	m.ReportNetworkAvailable(model.NetworkCellular)
	waitForState(t, m, model.Connected)

	stats := m.Stats().Get()
	if stats.CurrentAttempt != 0 || stats.SuccessfulReconnects != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if m.Network().Get() != model.NetworkCellular {
		t.Errorf("expected cellular, got %s", m.Network().Get())
	}
}

func TestManualReconnectRecoversFromFailed(t *testing.T) {
	const maxAttempts = 2
	tr := newFakeTransport(func(n int) error {
		if n <= maxAttempts {
			return errRefused
		}
		return nil
	})
	m := newTestManager(t, tr, testConfig(maxAttempts))

	m.EnsureConnected()
	waitForState(t, m, model.Failed)
	m.ManualReconnect()
	waitForState(t, m, model.Connected)
}

func TestManualReconnectDeferredWithoutNetwork(t *testing.T) {
	tr := newFakeTransport(nil)
	cfg := testConfig(5)
	cfg.InitialNetwork = model.NetworkNone
	m := newTestManager(t, tr, cfg)

	if st := m.EnsureConnected(); st != model.Disconnected {
		t.Fatalf("expected Disconnected without network, got %s", st)
	}
	m.ManualReconnect()
	time.Sleep(10 * time.Millisecond)
	if n := tr.calls.Load(); n != 0 {
		t.Fatalf("expected no attempts without network, got %d", n)
	}

	m.ReportNetworkAvailable(model.NetworkWifi)
	waitForState(t, m, model.Connected)
}

func TestNetworkRecoveryFromDisconnectedGoesThroughConnecting(t *testing.T) {
	tr := newFakeTransport(nil)
	cfg := testConfig(5)
	cfg.InitialNetwork = model.NetworkNone
	m := newTestManager(t, tr, cfg)

	states, cancel := m.State().Watch(8)
	defer cancel()

	m.ReportNetworkAvailable(model.NetworkWifi)
	waitForState(t, m, model.Connected)

	var seen []model.ConnectionState
	for len(seen) < 3 {
		select {
		case st := <-states:
			seen = append(seen, st)
		case <-time.After(time.Second):
			t.Fatalf("missing state changes, saw %v", seen)
		}
	}
	want := []model.ConnectionState{model.Disconnected, model.Connecting, model.Connected}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, saw %v", want, seen)
		}
	}
}

func TestZeroJitterIsKept(t *testing.T) {
	cfg := testConfig(5)
	cfg.JitterFactor = 0
	m := newTestManager(t, newFakeTransport(nil), cfg)
	if m.backoff.Jitter != 0 {
		t.Fatalf("expected jitter disabled, got %v", m.backoff.Jitter)
	}
	if d := m.backoff.Next(3); d != 4*time.Millisecond {
		t.Errorf("expected exact delay 4ms, got %v", d)
	}
}

func TestTransportLossTriggersReconnect(t *testing.T) {
	tr := newFakeTransport(nil)
	m := newTestManager(t, tr, testConfig(5))
	if err := m.WaitConnected(context.Background()); err != nil {
		t.Fatalf("WaitConnected failed: %v", err)
	}

	hooked := make(chan struct{}, 4)
	m.OnConnected(func() { hooked <- struct{}{} })

	tr.connected.Store(false)
	tr.events <- TransportEvent{Kind: TransportLost, Err: errors.New("eof")}

	select {
	case <-hooked:
	case <-time.After(2 * time.Second):
		t.Fatal("expected reconnect hook to run")
	}
	if got := m.Stats().Get().SuccessfulReconnects; got != 2 {
		t.Errorf("expected 2 successful connects, got %d", got)
	}
}

func TestPublishRequiresConnection(t *testing.T) {
	tr := newFakeTransport(func(int) error { return errRefused })
	cfg := testConfig(1)
	m := newTestManager(t, tr, cfg)

	err := m.Publish(context.Background(), "loc/dev", []byte("x"), "id-1")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestCloseIsTerminal(t *testing.T) {
	tr := newFakeTransport(nil)
	m, err := New(tr, testConfig(5), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.WaitConnected(context.Background()); err != nil {
		t.Fatalf("WaitConnected failed: %v", err)
	}
	m.Close()
	m.Close()

	if st := m.State().Get(); st != model.Disconnected {
		t.Errorf("expected Disconnected after Close, got %s", st)
	}
	if tr.IsConnected() {
		t.Error("expected transport disconnected")
	}
	if st := m.EnsureConnected(); st != model.Disconnected {
		t.Errorf("closed manager must not reconnect, got %s", st)
	}
}
