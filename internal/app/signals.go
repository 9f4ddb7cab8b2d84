package app

import (
	"sync"

	"github.com/bbq191/find-my-android-sub002/internal/model"
	"github.com/bbq191/find-my-android-sub002/internal/trigger"
)

// signalHub fans values out to subscribers. The daemon has no platform
// sensors, so activity and geofence signals arrive through the HTTP API and
// are published here.
type signalHub[T any] struct {
	mu   sync.Mutex
	next int
	subs map[int]func(T)
}

func newSignalHub[T any]() *signalHub[T] {
	return &signalHub[T]{subs: make(map[int]func(T))}
}

type hubSubscription struct {
	once   sync.Once
	cancel func()
}

func (s *hubSubscription) Unsubscribe() { s.once.Do(s.cancel) }

func (h *signalHub[T]) Subscribe(fn func(T)) (trigger.Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	h.subs[id] = fn
	return &hubSubscription{cancel: func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}}, nil
}

func (h *signalHub[T]) Publish(v T) {
	h.mu.Lock()
	fns := make([]func(T), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (h *signalHub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// motionHub is the activity recognition source.
type motionHub struct {
	*signalHub[model.ActivityType]
	available bool
}

func (m *motionHub) Available() bool { return m.available }

type batteryState struct {
	mu sync.RWMutex
	st model.BatteryStatus
}

func (b *batteryState) Status() model.BatteryStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.st
}

func (b *batteryState) Set(st model.BatteryStatus) {
	b.mu.Lock()
	b.st = st
	b.mu.Unlock()
}
