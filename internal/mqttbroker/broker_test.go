package mqttbroker

import (
	"context"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

func startBroker(t *testing.T, opts Options) *Broker {
	t.Helper()
	b := New(nil, opts)
	if _, err := b.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

func dial(t *testing.T, b *Broker, clientID, user, pass string) (mqtt.Client, error) {
	t.Helper()
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + b.Addr().String()).
		SetClientID(clientID).
		SetAutoReconnect(false).
		SetConnectTimeout(2 * time.Second)
	if user != "" {
		opts.SetUsername(user).SetPassword(pass)
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(3 * time.Second) {
		return nil, context.DeadlineExceeded
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	t.Cleanup(func() { client.Disconnect(50) })
	return client, nil
}

func TestWildcardSubscriptionReceivesQoS1Publish(t *testing.T) {
	b := startBroker(t, Options{})

	sub, err := dial(t, b, "sub", "", "")
	if err != nil {
		t.Fatalf("subscriber connect failed: %v", err)
	}
	received := make(chan mqtt.Message, 1)
	token := sub.Subscribe("loc/+/reports", 1, func(_ mqtt.Client, m mqtt.Message) {
		received <- m
	})
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		t.Fatalf("subscribe failed: %v", token.Error())
	}

	pub, err := dial(t, b, "pub", "", "")
	if err != nil {
		t.Fatalf("publisher connect failed: %v", err)
	}
	token = pub.Publish("loc/dev1/reports", 1, false, []byte(`{"lat":1}`))
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		t.Fatalf("publish not acknowledged: %v", token.Error())
	}

	select {
	case m := <-received:
		if m.Topic() != "loc/dev1/reports" || string(m.Payload()) != `{"lat":1}` {
			t.Errorf("unexpected message %s %s", m.Topic(), m.Payload())
		}
		if m.Qos() != 1 {
			t.Errorf("expected qos 1 delivery, got %d", m.Qos())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestPublishHandlerSeesClientMessages(t *testing.T) {
	b := startBroker(t, Options{})
	seen := make(chan PublishMessage, 1)
	b.SetPublishHandler(func(_ context.Context, m PublishMessage) { seen <- m })

	pub, err := dial(t, b, "dev1", "", "")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	pub.Publish("loc/dev1/reports", 0, false, []byte("x")).WaitTimeout(time.Second)

	select {
	case m := <-seen:
		if m.ClientID != "dev1" || m.Topic != "loc/dev1/reports" {
			t.Errorf("unexpected message %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestHandlerPanicDoesNotDropConnection(t *testing.T) {
	b := startBroker(t, Options{})
	b.SetPublishHandler(func(context.Context, PublishMessage) { panic("boom") })

	pub, err := dial(t, b, "dev1", "", "")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	token := pub.Publish("a/b", 1, false, []byte("x"))
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		t.Fatalf("publish failed: %v", token.Error())
	}
	if !pub.IsConnectionOpen() {
		t.Error("expected connection to survive handler panic")
	}
}

func TestCredentialsEnforced(t *testing.T) {
	b := startBroker(t, Options{Username: "agent", Password: "secret"})

	if _, err := dial(t, b, "bad", "agent", "wrong"); err == nil {
		t.Fatal("expected bad credentials to be rejected")
	}
	if _, err := dial(t, b, "good", "agent", "secret"); err != nil {
		t.Fatalf("expected valid credentials to connect: %v", err)
	}
}

func TestDisconnectDropsClient(t *testing.T) {
	b := startBroker(t, Options{})
	lost := make(chan struct{}, 1)

	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + b.Addr().String()).
		SetClientID("victim").
		SetAutoReconnect(false).
		SetConnectionLostHandler(func(mqtt.Client, error) { lost <- struct{}{} })
	client := mqtt.NewClient(opts)
	if token := client.Connect(); !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		t.Fatalf("connect failed: %v", token.Error())
	}

	if !b.Disconnect("victim") {
		t.Fatal("expected client to be found")
	}
	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the dropped connection")
	}
}
