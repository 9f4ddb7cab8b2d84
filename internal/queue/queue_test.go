package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/bbq191/find-my-android-sub002/internal/model"
)

func newTestQueue(t *testing.T, maxRetry int) (*Queue, *MemoryStorage) {
	t.Helper()
	storage := NewMemoryStorage()
	q, err := New(storage, maxRetry, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return q, storage
}

func TestNewRejectsNilStorage(t *testing.T) {
	if _, err := New(nil, 3, nil); err == nil {
		t.Fatal("expected error for nil storage")
	}
}

func TestEnqueueStartsWithZeroRetries(t *testing.T) {
	q, storage := newTestQueue(t, 3)
	ctx := context.Background()

	msg, err := q.Enqueue(ctx, "loc/dev1", []byte("p"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if msg.ID == "" || msg.RetryCount != 0 || msg.EnqueuedAt.IsZero() {
		t.Fatalf("unexpected message %+v", msg)
	}
	if got := q.PendingCount().Get(); got != 1 {
		t.Errorf("expected pending count 1, got %d", got)
	}
	stored, _ := storage.List(ctx)
	if len(stored) != 1 || stored[0].ID != msg.ID {
		t.Errorf("message not persisted: %+v", stored)
	}
}

func TestFlushDeliversInEnqueueOrder(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := q.Enqueue(ctx, "loc/dev1", []byte(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	var delivered []string
	result := q.Flush(ctx, func(_ context.Context, msg model.PendingMessage) error {
		delivered = append(delivered, string(msg.Payload))
		return nil
	})

	if result.Delivered != 5 || result.Failed != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	for i, p := range delivered {
		if want := fmt.Sprintf("m%d", i); p != want {
			t.Errorf("position %d: expected %s, got %s", i, want, p)
		}
	}
	if got := q.PendingCount().Get(); got != 0 {
		t.Errorf("expected pending count 0, got %d", got)
	}
}

func TestFlushFailureIncrementsRetryAndKeepsMessage(t *testing.T) {
	q, storage := newTestQueue(t, 3)
	ctx := context.Background()
	q.Enqueue(ctx, "loc/dev1", []byte("p"))

	result := q.Flush(ctx, func(context.Context, model.PendingMessage) error {
		return errors.New("publish timeout")
	})
	if result.Failed != 1 || result.Pruned != 0 {
		t.Fatalf("unexpected result %+v", result)
	}

	msgs, _ := storage.List(ctx)
	if len(msgs) != 1 || msgs[0].RetryCount != 1 {
		t.Fatalf("expected message kept with retry 1, got %+v", msgs)
	}
}

func TestMessageRemovedAfterMaxRetries(t *testing.T) {
	const maxRetry = 3
	q, storage := newTestQueue(t, maxRetry)
	ctx := context.Background()
	q.Enqueue(ctx, "loc/dev1", []byte("doomed"))
	q.Enqueue(ctx, "loc/dev1", []byte("fine"))

	failing := func(_ context.Context, msg model.PendingMessage) error {
		if string(msg.Payload) == "doomed" {
			return errors.New("rejected")
		}
		return errors.New("still offline")
	}

	for i := 1; i < maxRetry; i++ {
		q.Flush(ctx, failing)
		if got := q.PendingCount().Get(); got != 2 {
			t.Fatalf("after %d failures expected 2 pending, got %d", i, got)
		}
	}

	result := q.Flush(ctx, failing)
	if result.Pruned != 2 {
		t.Fatalf("expected both messages pruned on the %dth failure, got %+v", maxRetry, result)
	}
	if got := q.PendingCount().Get(); got != 0 {
		t.Errorf("expected pending count 0, got %d", got)
	}
	if n, _ := storage.Count(ctx); n != 0 {
		t.Errorf("expected storage to be empty, got %d", n)
	}
}

func TestRetryCountMonotonic(t *testing.T) {
	q, storage := newTestQueue(t, 10)
	ctx := context.Background()
	q.Enqueue(ctx, "t", []byte("p"))

	last := 0
	for i := 0; i < 5; i++ {
		q.Flush(ctx, func(context.Context, model.PendingMessage) error { return errors.New("fail") })
		msgs, _ := storage.List(ctx)
		if msgs[0].RetryCount < last {
			t.Fatalf("retry count decreased from %d to %d", last, msgs[0].RetryCount)
		}
		last = msgs[0].RetryCount
	}
	if last != 5 {
		t.Errorf("expected retry count 5, got %d", last)
	}
}

func TestAbortedFlushDoesNotChargeRetries(t *testing.T) {
	q, storage := newTestQueue(t, 3)
	ctx := context.Background()
	q.Enqueue(ctx, "t", []byte("a"))
	q.Enqueue(ctx, "t", []byte("b"))

	calls := 0
	result := q.Flush(ctx, func(context.Context, model.PendingMessage) error {
		calls++
		return fmt.Errorf("session dropped: %w", ErrAborted)
	})

	if !result.Aborted || calls != 1 || result.Attempted != 0 {
		t.Fatalf("expected pass to stop at first message, result=%+v calls=%d", result, calls)
	}
	msgs, _ := storage.List(ctx)
	for _, m := range msgs {
		if m.RetryCount != 0 {
			t.Errorf("message %s charged a retry on abort", m.Payload)
		}
	}
}

func TestMessagesEnqueuedDuringFlushWaitForNextPass(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	ctx := context.Background()
	q.Enqueue(ctx, "t", []byte("first"))

	var seen []string
	q.Flush(ctx, func(ctx context.Context, msg model.PendingMessage) error {
		seen = append(seen, string(msg.Payload))
		if string(msg.Payload) == "first" {
			q.Enqueue(ctx, "t", []byte("late"))
		}
		return nil
	})

	if len(seen) != 1 {
		t.Fatalf("late message must not be delivered in the same pass, saw %v", seen)
	}
	if got := q.PendingCount().Get(); got != 1 {
		t.Errorf("expected late message pending, got %d", got)
	}
}

func TestConcurrentFlushCoalesces(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	ctx := context.Background()
	q.Enqueue(ctx, "t", []byte("a"))

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var mu sync.Mutex
	deliveries := 0

	publish := func(context.Context, model.PendingMessage) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		mu.Lock()
		deliveries++
		mu.Unlock()
		return nil
	}

	done := make(chan FlushResult)
	go func() { done <- q.Flush(ctx, publish) }()
	<-entered

	if second := q.Flush(ctx, publish); !second.Skipped {
		t.Fatalf("expected concurrent flush to be folded, got %+v", second)
	}
	close(release)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if deliveries != 1 {
		t.Errorf("expected a single delivery, got %d", deliveries)
	}
}
