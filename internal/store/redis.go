package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bbq191/find-my-android-sub002/internal/model"
	"github.com/bbq191/find-my-android-sub002/internal/queue"
)

// RedisStore keeps the same state as Store in Redis so several locator
// processes on one host can share a queue backend.
//
// Keys under prefix:
//
//	:pending:order   zset of message ids scored by enqueue sequence
//	:pending:seq     sequence counter
//	:pending:data    hash id -> JSON message
//	:pending:retry   hash id -> retry count
//	:processed       hash message id -> first seen
//	:last_report     JSON report record
type RedisStore struct {
	client *redis.Client
	prefix string
}

type pendingEntry struct {
	Topic      string    `json:"topic"`
	Payload    []byte    `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewRedisStore connects to addr and verifies the server is reachable.
func NewRedisStore(addr, prefix string) (*RedisStore, error) {
	if prefix == "" {
		prefix = "locshare"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisStore{client: client, prefix: prefix}, nil
}

// Close releases the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) key(parts string) string {
	return r.prefix + ":" + parts
}

// Append stores msg at the tail of the queue.
func (r *RedisStore) Append(ctx context.Context, msg model.PendingMessage) error {
	encoded, err := json.Marshal(pendingEntry{Topic: msg.Topic, Payload: msg.Payload, EnqueuedAt: msg.EnqueuedAt})
	if err != nil {
		return fmt.Errorf("encode pending message: %w", err)
	}

	added, err := r.client.HSetNX(ctx, r.key("pending:data"), msg.ID, encoded).Result()
	if err != nil {
		return fmt.Errorf("store pending message: %w", err)
	}
	if !added {
		return fmt.Errorf("pending message %s already exists", msg.ID)
	}

	seq, err := r.client.Incr(ctx, r.key("pending:seq")).Result()
	if err != nil {
		return fmt.Errorf("allocate pending sequence: %w", err)
	}
	if _, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.key("pending:retry"), msg.ID, msg.RetryCount)
		pipe.ZAdd(ctx, r.key("pending:order"), redis.Z{Score: float64(seq), Member: msg.ID})
		return nil
	}); err != nil {
		return fmt.Errorf("enqueue pending message: %w", err)
	}
	return nil
}

// Remove deletes the message with id.
func (r *RedisStore) Remove(ctx context.Context, id string) error {
	removed, err := r.client.ZRem(ctx, r.key("pending:order"), id).Result()
	if err != nil {
		return fmt.Errorf("remove pending message: %w", err)
	}
	if removed == 0 {
		return queue.ErrNotFound
	}
	if _, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.key("pending:data"), id)
		pipe.HDel(ctx, r.key("pending:retry"), id)
		return nil
	}); err != nil {
		return fmt.Errorf("remove pending message: %w", err)
	}
	return nil
}

// IncrementRetry bumps the retry counter of id and returns the new value.
func (r *RedisStore) IncrementRetry(ctx context.Context, id string) (int, error) {
	if err := r.client.ZScore(ctx, r.key("pending:order"), id).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, queue.ErrNotFound
		}
		return 0, fmt.Errorf("lookup pending message: %w", err)
	}
	n, err := r.client.HIncrBy(ctx, r.key("pending:retry"), id, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("increment retry count: %w", err)
	}
	return int(n), nil
}

// List returns every pending message in enqueue order.
func (r *RedisStore) List(ctx context.Context) ([]model.PendingMessage, error) {
	ids, err := r.client.ZRange(ctx, r.key("pending:order"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	data, err := r.client.HMGet(ctx, r.key("pending:data"), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load pending messages: %w", err)
	}
	retries, err := r.client.HMGet(ctx, r.key("pending:retry"), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load retry counts: %w", err)
	}

	msgs := make([]model.PendingMessage, 0, len(ids))
	for i, id := range ids {
		raw, ok := data[i].(string)
		if !ok {
			continue
		}
		var entry pendingEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("decode pending message %s: %w", id, err)
		}
		msg := model.PendingMessage{ID: id, Topic: entry.Topic, Payload: entry.Payload, EnqueuedAt: entry.EnqueuedAt}
		if s, ok := retries[i].(string); ok {
			msg.RetryCount, _ = strconv.Atoi(s)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Count returns the number of pending messages.
func (r *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, r.key("pending:order")).Result()
	if err != nil {
		return 0, fmt.Errorf("count pending messages: %w", err)
	}
	return int(n), nil
}

// SaveProcessed replaces the processed message ledger with records.
func (r *RedisStore) SaveProcessed(ctx context.Context, records []model.ProcessedMessageRecord) error {
	key := r.key("processed")
	if _, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(records) == 0 {
			return nil
		}
		values := make([]any, 0, len(records)*2)
		for _, rec := range records {
			values = append(values, rec.MessageID, rec.FirstSeen.UTC().Format(time.RFC3339Nano))
		}
		pipe.HSet(ctx, key, values...)
		return nil
	}); err != nil {
		return fmt.Errorf("save processed messages: %w", err)
	}
	return nil
}

// LoadProcessed returns the persisted ledger, oldest first.
func (r *RedisStore) LoadProcessed(ctx context.Context) ([]model.ProcessedMessageRecord, error) {
	raw, err := r.client.HGetAll(ctx, r.key("processed")).Result()
	if err != nil {
		return nil, fmt.Errorf("load processed messages: %w", err)
	}

	records := make([]model.ProcessedMessageRecord, 0, len(raw))
	for id, ts := range raw {
		seen, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse first seen for %s: %w", id, err)
		}
		records = append(records, model.ProcessedMessageRecord{MessageID: id, FirstSeen: seen})
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].FirstSeen.Before(records[j].FirstSeen)
	})
	return records, nil
}

// SaveLastReport persists the most recent successful report.
func (r *RedisStore) SaveLastReport(ctx context.Context, rec model.ReportRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode last report: %w", err)
	}
	if err := r.client.Set(ctx, r.key("last_report"), payload, 0).Err(); err != nil {
		return fmt.Errorf("save last report: %w", err)
	}
	return nil
}

// LastReport returns the persisted report record, or nil when none exists.
func (r *RedisStore) LastReport(ctx context.Context) (*model.ReportRecord, error) {
	raw, err := r.client.Get(ctx, r.key("last_report")).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load last report: %w", err)
	}

	var rec model.ReportRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode last report: %w", err)
	}
	return &rec, nil
}
