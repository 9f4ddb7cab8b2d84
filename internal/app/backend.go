package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bbq191/find-my-android-sub002/internal/config"
	"github.com/bbq191/find-my-android-sub002/internal/model"
	"github.com/bbq191/find-my-android-sub002/internal/queue"
	"github.com/bbq191/find-my-android-sub002/internal/store"
)

// stateStore is the durable state of the agent: the offline queue, the
// dedup ledger and the last delivered report.
type stateStore interface {
	queue.Storage
	SaveProcessed(ctx context.Context, records []model.ProcessedMessageRecord) error
	LoadProcessed(ctx context.Context) ([]model.ProcessedMessageRecord, error)
	SaveLastReport(ctx context.Context, rec model.ReportRecord) error
	LastReport(ctx context.Context) (*model.ReportRecord, error)
	Close() error
}

// openBackend opens the configured backend and falls back to process
// memory when it cannot be reached.
func openBackend(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (stateStore, string) {
	switch cfg.Backend {
	case config.BackendSQLite:
		db, err := openSQLite(ctx, cfg.DatabasePath)
		if err == nil {
			return db, config.BackendSQLite
		}
		logger.Warn("sqlite backend unavailable, queue will not survive restarts", "path", cfg.DatabasePath, "error", err)
	case config.BackendRedis:
		rs, err := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPrefix)
		if err == nil {
			return rs, config.BackendRedis
		}
		logger.Warn("redis backend unavailable, queue will not survive restarts", "addr", cfg.RedisAddr, "error", err)
	}
	return newMemoryBackend(), config.BackendMemory
}

func openSQLite(ctx context.Context, path string) (*store.Store, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return db, nil
}

type memoryBackend struct {
	*queue.MemoryStorage

	mu        sync.Mutex
	processed []model.ProcessedMessageRecord
	last      *model.ReportRecord
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{MemoryStorage: queue.NewMemoryStorage()}
}

func (m *memoryBackend) SaveProcessed(_ context.Context, records []model.ProcessedMessageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed = append([]model.ProcessedMessageRecord(nil), records...)
	return nil
}

func (m *memoryBackend) LoadProcessed(context.Context) ([]model.ProcessedMessageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.ProcessedMessageRecord(nil), m.processed...), nil
}

func (m *memoryBackend) SaveLastReport(_ context.Context, rec model.ReportRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = &rec
	return nil
}

func (m *memoryBackend) LastReport(context.Context) (*model.ReportRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil, nil
	}
	rec := *m.last
	return &rec, nil
}

func (m *memoryBackend) Close() error { return nil }
