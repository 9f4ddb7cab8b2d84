// Package queue persists outbound messages while the session is unavailable
// and replays them in enqueue order once it is back.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bbq191/find-my-android-sub002/internal/model"
	"github.com/bbq191/find-my-android-sub002/internal/observe"
)

// DefaultMaxRetry bounds how many failed flush attempts a message survives.
const DefaultMaxRetry = 10

// ErrNotFound is returned by storage backends for unknown message ids.
var ErrNotFound = errors.New("pending message not found")

// ErrAborted may be returned by a PublishFunc to stop the current pass
// without charging a retry to the message (for example when the session
// dropped mid-flush).
var ErrAborted = errors.New("flush aborted")

// Storage is the durable backend of the queue, keyed by message id.
// List must return messages in enqueue order.
type Storage interface {
	Append(ctx context.Context, msg model.PendingMessage) error
	Remove(ctx context.Context, id string) error
	IncrementRetry(ctx context.Context, id string) (int, error)
	List(ctx context.Context) ([]model.PendingMessage, error)
	Count(ctx context.Context) (int, error)
}

// PublishFunc delivers one message.
type PublishFunc func(ctx context.Context, msg model.PendingMessage) error

// FlushResult summarises one flush pass.
type FlushResult struct {
	Attempted int
	Delivered int
	Failed    int
	Pruned    int
	Aborted   bool
	Skipped   bool
}

// Queue is the offline queue. All methods are safe for concurrent use.
type Queue struct {
	storage  Storage
	logger   *slog.Logger
	maxRetry int
	now      func() time.Time

	flushMu sync.Mutex
	rerun   atomic.Bool
	pending *observe.Value[int]
}

// New constructs a queue over storage. It returns an error only for a nil storage.
func New(storage Storage, maxRetry int, logger *slog.Logger) (*Queue, error) {
	if storage == nil {
		return nil, fmt.Errorf("queue storage is nil")
	}
	if maxRetry <= 0 {
		maxRetry = DefaultMaxRetry
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		storage:  storage,
		logger:   logger,
		maxRetry: maxRetry,
		now:      time.Now,
		pending:  observe.NewValue(0),
	}
	q.refreshCount(context.Background())
	return q, nil
}

// MaxRetry returns the configured retry bound.
func (q *Queue) MaxRetry() int { return q.maxRetry }

// PendingCount exposes the number of queued messages.
func (q *Queue) PendingCount() observe.Readable[int] {
	return q.pending.Readonly()
}

// Enqueue persists a new pending message with a zero retry count.
func (q *Queue) Enqueue(ctx context.Context, topic string, payload []byte) (model.PendingMessage, error) {
	return q.EnqueueWithID(ctx, uuid.NewString(), topic, payload)
}

// EnqueueWithID is Enqueue for a message that already has an id, such as
// one whose direct publish failed.
func (q *Queue) EnqueueWithID(ctx context.Context, id, topic string, payload []byte) (model.PendingMessage, error) {
	if id == "" {
		id = uuid.NewString()
	}
	msg := model.PendingMessage{
		ID:         id,
		Topic:      topic,
		Payload:    append([]byte(nil), payload...),
		EnqueuedAt: q.now().UTC(),
	}
	if err := q.storage.Append(ctx, msg); err != nil {
		return model.PendingMessage{}, fmt.Errorf("enqueue message: %w", err)
	}
	q.pending.Update(func(n int) int { return n + 1 })
	q.logger.Debug("message enqueued", "id", msg.ID, "topic", topic)
	return msg, nil
}

// Flush attempts every message present when the pass starts, in enqueue
// order. Messages enqueued meanwhile wait for the next pass. A call that
// arrives while another flush runs is folded into one extra pass.
func (q *Queue) Flush(ctx context.Context, publish PublishFunc) FlushResult {
	if !q.flushMu.TryLock() {
		q.rerun.Store(true)
		return FlushResult{Skipped: true}
	}
	defer q.flushMu.Unlock()

	result := q.flushOnce(ctx, publish)
	for q.rerun.CompareAndSwap(true, false) && ctx.Err() == nil && !result.Aborted {
		next := q.flushOnce(ctx, publish)
		result.Attempted += next.Attempted
		result.Delivered += next.Delivered
		result.Failed += next.Failed
		result.Pruned += next.Pruned
		result.Aborted = next.Aborted
	}
	return result
}

func (q *Queue) flushOnce(ctx context.Context, publish PublishFunc) FlushResult {
	var result FlushResult

	snapshot, err := q.storage.List(ctx)
	if err != nil {
		q.logger.Error("list pending messages", "error", err)
		return result
	}

	for _, msg := range snapshot {
		if ctx.Err() != nil {
			result.Aborted = true
			break
		}
		result.Attempted++

		err := publish(ctx, msg)
		if err == nil {
			result.Delivered++
			if rerr := q.storage.Remove(ctx, msg.ID); rerr != nil && !errors.Is(rerr, ErrNotFound) {
				q.logger.Error("remove delivered message", "id", msg.ID, "error", rerr)
			}
			continue
		}
		if errors.Is(err, ErrAborted) {
			result.Attempted--
			result.Aborted = true
			q.logger.Debug("flush pass aborted", "id", msg.ID, "error", err)
			break
		}

		result.Failed++
		retries, ierr := q.storage.IncrementRetry(ctx, msg.ID)
		if ierr != nil {
			q.logger.Error("increment retry count", "id", msg.ID, "error", ierr)
			continue
		}
		q.logger.Debug("flush publish failed", "id", msg.ID, "topic", msg.Topic, "retry_count", retries, "error", err)
	}

	pruned, err := q.PruneExhausted(ctx, q.maxRetry)
	if err != nil {
		q.logger.Error("prune exhausted messages", "error", err)
	}
	result.Pruned = pruned

	q.refreshCount(ctx)
	if result.Attempted > 0 {
		q.logger.Info("offline queue flushed",
			"attempted", result.Attempted,
			"delivered", result.Delivered,
			"failed", result.Failed,
			"pruned", result.Pruned,
		)
	}
	return result
}

// PruneExhausted deletes every message whose retry count reached maxRetry.
func (q *Queue) PruneExhausted(ctx context.Context, maxRetry int) (int, error) {
	msgs, err := q.storage.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending messages: %w", err)
	}

	pruned := 0
	for _, msg := range msgs {
		if msg.RetryCount < maxRetry {
			continue
		}
		if err := q.storage.Remove(ctx, msg.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return pruned, fmt.Errorf("remove exhausted message %s: %w", msg.ID, err)
		}
		pruned++
		q.logger.Warn("dropping message after exhausting retries",
			"id", msg.ID, "topic", msg.Topic, "retry_count", msg.RetryCount, "enqueued_at", msg.EnqueuedAt)
	}
	if pruned > 0 {
		q.refreshCount(ctx)
	}
	return pruned, nil
}

func (q *Queue) refreshCount(ctx context.Context) {
	n, err := q.storage.Count(ctx)
	if err != nil {
		q.logger.Error("count pending messages", "error", err)
		return
	}
	q.pending.Set(n)
}
