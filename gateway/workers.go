package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrRequestAbandoned is returned when the caller's context ends while its
	// task is still queued or running.
	ErrRequestAbandoned = errors.New("request abandoned before completion")
	// ErrWorkersClosed is returned by Do after Close.
	ErrWorkersClosed = errors.New("worker pool is closed")
)

// DefaultWorkers is the number of blocking operations run concurrently.
const DefaultWorkers = 4

// WorkerPool runs blocking database work off the request goroutine with at
// most size tasks in flight. Waiters are admitted in FIFO order.
type WorkerPool struct {
	size int64
	sem  *semaphore.Weighted

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewWorkerPool creates a pool of size workers; size < 1 uses DefaultWorkers.
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = DefaultWorkers
	}
	return &WorkerPool{size: int64(size), sem: semaphore.NewWeighted(int64(size))}
}

// Size is the configured concurrency bound.
func (w *WorkerPool) Size() int {
	return int(w.size)
}

// Do queues fn and waits for its result. If ctx ends while fn is queued, fn
// never runs. Once started, fn runs to completion on a context that keeps
// ctx's values but not its cancellation; Do stops waiting when ctx ends and
// returns ErrRequestAbandoned. A panic in fn is returned as an error.
func (w *WorkerPool) Do(ctx context.Context, fn func(context.Context) error) error {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrWorkersClosed
	}
	w.wg.Add(1)
	w.mu.RUnlock()

	if err := w.sem.Acquire(ctx, 1); err != nil {
		w.wg.Done()
		return fmt.Errorf("%w: %w", ErrRequestAbandoned, err)
	}
	workersInFlightGauge.Inc()

	done := make(chan error, 1)
	go func() {
		defer w.wg.Done()
		defer w.sem.Release(1)
		defer workersInFlightGauge.Dec()
		done <- runRecovered(context.WithoutCancel(ctx), fn)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrRequestAbandoned, ctx.Err())
	}
}

func runRecovered(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Worker task panicked.", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("worker task panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// Close stops accepting work and waits for queued and running tasks until
// ctx ends. Safe to call more than once.
func (w *WorkerPool) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for worker tasks: %w", ctx.Err())
	}
}
