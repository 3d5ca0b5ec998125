package corekv

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kvforge/corekv/txn"
)

// taskHandler processes one queued task's payload. The default queue
// has no handlers registered; callers that enqueue task names by
// convention (via Config.Maintenance-style wiring) register handlers
// through RegisterHandler before tasks of that name are ever enqueued.
type taskHandler func(ctx context.Context, data []byte) error

// taskQueue runs txn.QueuedTask payloads (enqueued after a committed
// transaction, spec.md §4.6.3 step 6) on a bounded pool of workers,
// each task bounded by its own timeout so one stuck handler can't
// starve the rest. The bound is a buffered channel used as a
// semaphore, with a sync.WaitGroup tracking in-flight tasks;
// runBounded below is the errgroup-based helper.
type taskQueue struct {
	limit   int
	timeout time.Duration
	log     zerolog.Logger
	stats   *statTracker

	mu       sync.RWMutex
	handlers map[string]taskHandler

	wg      sync.WaitGroup
	sem     chan struct{}
}

func newTaskQueue(limit int, timeout time.Duration, log zerolog.Logger, stats *statTracker) *taskQueue {
	if limit <= 0 {
		limit = 1
	}
	return &taskQueue{
		limit:    limit,
		timeout:  timeout,
		log:      log,
		stats:    stats,
		handlers: make(map[string]taskHandler),
		sem:      make(chan struct{}, limit),
	}
}

// RegisterHandler installs the function that runs queued tasks named
// name. Re-registering replaces the previous handler.
func (q *taskQueue) RegisterHandler(name string, h taskHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

func (q *taskQueue) handlerFor(name string) (taskHandler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[name]
	return h, ok
}

// enqueue runs task on a bounded worker slot; tasks with no registered
// handler are logged and dropped, since a handlerless task name means
// the host never wired one up (not a failure of the queue itself).
func (q *taskQueue) enqueue(task txn.QueuedTask) {
	h, ok := q.handlerFor(task.Name)
	if !ok {
		q.log.Warn().Str("task", task.Name).Msg("corekv: no handler registered for queued task")
		return
	}
	q.wg.Add(1)
	q.sem <- struct{}{}
	go func() {
		defer q.wg.Done()
		defer func() { <-q.sem }()
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		defer cancel()
		if err := h(ctx, task.Data); err != nil {
			q.stats.incQueueFail()
			q.log.Error().Err(err).Str("task", task.Name).Msg("corekv: queued task failed")
			return
		}
		q.stats.incQueueRun()
	}()
}

// drain waits for every in-flight task to finish or ctx to expire.
func (q *taskQueue) drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// runBounded runs fn once per item across up to limit concurrent
// goroutines via errgroup, collecting the first error (fan-out helper
// shared by Store's *Multi batch operations when the active engine
// lacks the matching Batch* capability interface).
func runBounded[T any](ctx context.Context, limit int, items []T, fn func(context.Context, T) error) error {
	g, gctx := errgroup.WithContext(ctx)
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, item := range items {
		item := item
		g.Go(func() error { return fn(gctx, item) })
	}
	return g.Wait()
}
