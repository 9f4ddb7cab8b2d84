package session

import (
	"testing"
	"time"

	"github.com/bbq191/find-my-android-sub002/internal/model"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from model.ConnectionState
		ev   event
		want model.ConnectionState
	}{
		{model.Disconnected, evAttemptStarted, model.Connecting},
		{model.Disconnected, evRecover, model.Connecting},
		{model.Reconnecting, evRecover, model.Reconnecting},
		{model.Connecting, evRecover, model.Connecting},
		{model.Disconnected, evConnected, model.Disconnected},
		{model.Connecting, evConnected, model.Connected},
		{model.Connecting, evAttemptFailed, model.Reconnecting},
		{model.Connecting, evAttemptsExhausted, model.Failed},
		{model.Connected, evTransportLost, model.Reconnecting},
		{model.Connected, evAttemptStarted, model.Connected},
		{model.Reconnecting, evAttemptFailed, model.Reconnecting},
		{model.Reconnecting, evConnected, model.Connected},
		{model.Reconnecting, evAttemptsExhausted, model.Failed},
		{model.Failed, evAttemptStarted, model.Failed},
		{model.Failed, evConnected, model.Failed},
		{model.Failed, evRecover, model.Reconnecting},
		{model.Connected, evNetworkLost, model.Disconnected},
		{model.Reconnecting, evNetworkLost, model.Disconnected},
		{model.Failed, evStopped, model.Disconnected},
	}
	for _, tt := range tests {
		if got := transition(tt.from, tt.ev); got != tt.want {
			t.Errorf("transition(%s, %s) = %s, want %s", tt.from, tt.ev, got, tt.want)
		}
	}
}

func TestBackoffRanges(t *testing.T) {
	b := NewBackoff(DefaultBaseDelay, DefaultMaxDelay, DefaultJitterFactor)
	tests := []struct {
		attempt int
		lo, hi  time.Duration
	}{
		{1, 1000 * time.Millisecond, 1100 * time.Millisecond},
		{5, 16000 * time.Millisecond, 17600 * time.Millisecond},
		{10, 60000 * time.Millisecond, 66000 * time.Millisecond},
	}
	for _, tt := range tests {
		for i := 0; i < 200; i++ {
			d := b.Next(tt.attempt)
			if d < tt.lo || d >= tt.hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v)", tt.attempt, d, tt.lo, tt.hi)
			}
		}
	}
}

func TestBackoffDelayCapsWithoutOverflow(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute, 0)
	for _, attempt := range []int{7, 20, 64, 1000} {
		if d := b.Delay(attempt); d != time.Minute {
			t.Errorf("attempt %d: expected cap, got %v", attempt, d)
		}
	}
	if d := b.Delay(0); d != time.Second {
		t.Errorf("attempt 0 should clamp to the base delay, got %v", d)
	}
	if d := b.Next(3); d != 4*time.Second {
		t.Errorf("zero jitter should be exact, got %v", d)
	}
}
