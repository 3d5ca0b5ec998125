package corekv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kvforge/corekv/txn"
)

var errBoom = errors.New("boom")

func TestTaskQueueRunsRegisteredHandler(t *testing.T) {
	stats := newStatTracker()
	q := newTaskQueue(2, time.Second, zerolog.Nop(), stats)

	done := make(chan struct{}, 1)
	q.RegisterHandler("ping", func(ctx context.Context, data []byte) error {
		done <- struct{}{}
		return nil
	})

	q.enqueue(txn.QueuedTask{Name: "ping", Data: []byte("x")})
	q.drain(context.Background())

	select {
	case <-done:
	default:
		t.Fatal("handler never ran")
	}
	if stats.snapshot().QueueRuns != 1 {
		t.Fatalf("want 1 queue run, got %+v", stats.snapshot())
	}
}

func TestTaskQueueDropsUnregisteredTask(t *testing.T) {
	stats := newStatTracker()
	q := newTaskQueue(2, time.Second, zerolog.Nop(), stats)

	q.enqueue(txn.QueuedTask{Name: "nobody-handles-this", Data: nil})
	q.drain(context.Background())

	if s := stats.snapshot(); s.QueueRuns != 0 || s.QueueFails != 0 {
		t.Fatalf("want no-op for unregistered task, got %+v", s)
	}
}

func TestTaskQueueCountsFailure(t *testing.T) {
	stats := newStatTracker()
	q := newTaskQueue(1, time.Second, zerolog.Nop(), stats)

	q.RegisterHandler("boom", func(ctx context.Context, data []byte) error {
		return errBoom
	})
	q.enqueue(txn.QueuedTask{Name: "boom"})
	q.drain(context.Background())

	if stats.snapshot().QueueFails != 1 {
		t.Fatalf("want 1 queue failure, got %+v", stats.snapshot())
	}
}
