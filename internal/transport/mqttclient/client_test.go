package mqttclient

import (
	"context"
	"testing"
	"time"

	"github.com/bbq191/find-my-android-sub002/internal/model"
	"github.com/bbq191/find-my-android-sub002/internal/mqttbroker"
	"github.com/bbq191/find-my-android-sub002/internal/session"
)

func startBroker(t *testing.T) *mqttbroker.Broker {
	t.Helper()
	b := mqttbroker.New(nil, mqttbroker.Options{})
	if _, err := b.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("broker start failed: %v", err)
	}
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

func newClient(t *testing.T, b *mqttbroker.Broker, id string) *Client {
	t.Helper()
	c, err := New(Config{BrokerURL: "tcp://" + b.Addr().String(), ClientID: id, QoS: 1}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Error("expected error for empty broker url")
	}
	if _, err := New(Config{BrokerURL: "tcp://x:1883", QoS: 2}, nil); err == nil {
		t.Error("expected error for qos 2")
	}
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	b := startBroker(t)
	ctx := context.Background()

	sub := newClient(t, b, "sub")
	received := make(chan string, 1)
	// registered before connecting; replayed on connect
	if err := sub.Subscribe("loc/+/reports", func(topic string, payload []byte, _ string) {
		received <- topic + " " + string(payload)
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := sub.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	select {
	case ev := <-sub.Events():
		if ev.Kind != session.TransportConnected {
			t.Fatalf("expected connected event, got %v", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connected event")
	}

	pub := newClient(t, b, "pub")
	if err := pub.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := pub.Publish(ctx, "loc/dev1/reports", []byte("hello"), "m1"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got != "loc/dev1/reports hello" {
			t.Errorf("unexpected delivery %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}
}

func TestConnectFailsWithoutBroker(t *testing.T) {
	c, err := New(Config{BrokerURL: "tcp://127.0.0.1:1", ConnectTimeout: time.Second}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if c.IsConnected() {
		t.Error("client must not report connected")
	}
}

func TestSessionRecoversFromDroppedConnection(t *testing.T) {
	b := startBroker(t)
	c := newClient(t, b, "agent")

	m, err := session.New(c, session.Config{
		BaseDelay:      5 * time.Millisecond,
		MaxDelay:       20 * time.Millisecond,
		MaxAttempts:    10,
		InitialNetwork: model.NetworkWifi,
	}, nil)
	if err != nil {
		t.Fatalf("session.New failed: %v", err)
	}
	t.Cleanup(m.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected failed: %v", err)
	}

	if !b.Disconnect("agent") {
		t.Fatal("broker did not know the agent")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.Stats().Get().SuccessfulReconnects >= 2 && m.State().Get() == model.Connected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session did not recover, state=%s stats=%+v", m.State().Get(), m.Stats().Get())
}
