package session

import (
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultBaseDelay    = time.Second
	DefaultMaxDelay     = 60 * time.Second
	DefaultJitterFactor = 0.10
	DefaultMaxAttempts  = 20
)

// Backoff computes reconnect delays: min(Max, Base*2^(attempt-1)) plus a
// uniform jitter in [0, delay*Jitter).
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewBackoff returns a Backoff seeded from the clock. Zero values fall back to the defaults.
func NewBackoff(base, max time.Duration, jitter float64) *Backoff {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if jitter < 0 {
		jitter = 0
	}
	return &Backoff{
		Base:   base,
		Max:    max,
		Jitter: jitter,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the capped exponential delay for attempt (1-based) without jitter.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max || d <= 0 {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Next returns Delay(attempt) plus jitter.
func (b *Backoff) Next(attempt int) time.Duration {
	d := b.Delay(attempt)
	span := float64(d) * b.Jitter
	if span <= 0 {
		return d
	}
	b.mu.Lock()
	f := b.rnd.Float64()
	b.mu.Unlock()
	return d + time.Duration(f*span)
}
