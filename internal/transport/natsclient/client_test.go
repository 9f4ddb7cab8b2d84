package natsclient

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/bbq191/find-my-android-sub002/internal/session"
)

func TestSubjectMapping(t *testing.T) {
	tests := []struct{ topic, subject string }{
		{"locshare/dev1/reports", "locshare.dev1.reports"},
		{"locshare/+/reports", "locshare.*.reports"},
		{"locshare/#", "locshare.>"},
		{"/leading/slash/", "leading.slash"},
		{"v1.2/x", "v1_2.x"},
	}
	for _, tt := range tests {
		if got := Subject(tt.topic); got != tt.subject {
			t.Errorf("Subject(%q) = %q, want %q", tt.topic, got, tt.subject)
		}
	}
	if got := Topic("locshare.dev1.commands"); got != "locshare/dev1/commands" {
		t.Errorf("unexpected topic %q", got)
	}
}

func TestPublishWithoutConnection(t *testing.T) {
	c, err := New(Config{URL: "nats://127.0.0.1:1"}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := c.Publish(context.Background(), "a/b", nil, "id-1"); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if c.IsConnected() {
		t.Error("expected disconnected client")
	}
	// recorded for replay, not an error while offline
	if err := c.Subscribe("a/+", func(string, []byte, string) {}); err != nil {
		t.Fatalf("Subscribe while offline failed: %v", err)
	}
}

func TestRepublishKeepsMessageID(t *testing.T) {
	first := newMsg("locshare/dev1/reports", []byte("fix"), "3f2c9a")
	second := newMsg("locshare/dev1/reports", []byte("fix"), "3f2c9a")
	if first.Subject != "locshare.dev1.reports" {
		t.Fatalf("unexpected subject %q", first.Subject)
	}
	a, b := first.Header.Get(nats.MsgIdHdr), second.Header.Get(nats.MsgIdHdr)
	if a != "3f2c9a" || a != b {
		t.Fatalf("expected both publishes to carry 3f2c9a, got %q and %q", a, b)
	}

	if id := newMsg("a/b", nil, "").Header.Get(nats.MsgIdHdr); id == "" {
		t.Error("expected a generated id when none is given")
	}
}

func TestConnectHonoursCancellation(t *testing.T) {
	c, err := New(Config{URL: "nats://127.0.0.1:1"}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Connect(ctx); err == nil {
		t.Fatal("expected connect to fail")
	}
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Fatal("expected error for empty url")
	}
}
