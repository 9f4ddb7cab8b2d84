// Package observe provides single-writer, multi-reader state values that
// readers can poll or watch for changes.
package observe

import "sync"

// Readable is the read-only view handed to external consumers.
type Readable[T any] interface {
	Get() T
	Watch(buffer int) (<-chan T, func())
}

// Value holds the latest state written by its owner. Only the owning
// component keeps the *Value; everyone else receives a Readable.
type Value[T any] struct {
	mu       sync.RWMutex
	current  T
	watchers map[int]chan T
	nextID   int
}

// NewValue returns a Value initialised to v.
func NewValue[T any](v T) *Value[T] {
	return &Value[T]{current: v, watchers: make(map[int]chan T)}
}

// Get returns the latest value.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// Set stores a new value and notifies watchers. Slow watchers lose
// intermediate values but always see the most recent one that fit.
func (v *Value[T]) Set(next T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.setLocked(next)
}

// Update applies fn to the current value under the write lock and publishes the result.
func (v *Value[T]) Update(fn func(T) T) T {
	v.mu.Lock()
	defer v.mu.Unlock()
	next := fn(v.current)
	v.setLocked(next)
	return next
}

func (v *Value[T]) setLocked(next T) {
	v.current = next
	for _, ch := range v.watchers {
		select {
		case ch <- next:
		default:
			// drop the stale value so the newest one gets through
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- next:
			default:
			}
		}
	}
}

// Watch returns a channel receiving every subsequent value and a cancel func
// that must be called to release it. The current value is delivered first.
func (v *Value[T]) Watch(buffer int) (<-chan T, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan T, buffer)

	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.watchers[id] = ch
	ch <- v.current
	v.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.watchers, id)
			v.mu.Unlock()
			close(ch)
		})
	}
}

// Readonly exposes v without its setters.
func (v *Value[T]) Readonly() Readable[T] {
	return readonly[T]{v: v}
}

type readonly[T any] struct {
	v *Value[T]
}

func (r readonly[T]) Get() T { return r.v.Get() }

func (r readonly[T]) Watch(buffer int) (<-chan T, func()) { return r.v.Watch(buffer) }
