package queue

import (
	"context"
	"sync"

	"github.com/bbq191/find-my-android-sub002/internal/model"
)

// MemoryStorage keeps pending messages in process memory. It is the fallback
// when no durable backend is available.
type MemoryStorage struct {
	mu    sync.Mutex
	order []string
	msgs  map[string]model.PendingMessage
}

// NewMemoryStorage returns an empty in-memory backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{msgs: make(map[string]model.PendingMessage)}
}

func (m *MemoryStorage) Append(_ context.Context, msg model.PendingMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.msgs[msg.ID]; !exists {
		m.order = append(m.order, msg.ID)
	}
	m.msgs[msg.ID] = msg
	return nil
}

func (m *MemoryStorage) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.msgs[id]; !ok {
		return ErrNotFound
	}
	delete(m.msgs, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryStorage) IncrementRetry(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.msgs[id]
	if !ok {
		return 0, ErrNotFound
	}
	msg.RetryCount++
	m.msgs[id] = msg
	return msg.RetryCount, nil
}

func (m *MemoryStorage) List(_ context.Context) ([]model.PendingMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.PendingMessage, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.msgs[id])
	}
	return out, nil
}

func (m *MemoryStorage) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order), nil
}
