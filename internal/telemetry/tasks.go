// Package telemetry runs the work that happens after a gateway response has
// been written: usage timestamps, request-log rows, and original-size
// sampling. Nothing here is awaited by the request path and no failure is
// ever surfaced to a client.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Tasks is a bounded group of fire-and-forget background tasks.
type Tasks struct {
	group   errgroup.Group
	timeout time.Duration
	logger  *slog.Logger

	// mu orders admission against Close so no task is added to the group
	// once Wait has started.
	mu     sync.RWMutex
	closed bool

	// OnDrop is called when a task is rejected because the group is full
	// or closed. OnFail is called with the task name when a task errors.
	OnDrop func()
	OnFail func(task string)
}

// NewTasks creates a task group running at most maxInFlight tasks, each
// bounded by timeout.
func NewTasks(maxInFlight int, timeout time.Duration, logger *slog.Logger) *Tasks {
	if maxInFlight <= 0 {
		maxInFlight = 256
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	t := &Tasks{timeout: timeout, logger: logger}
	t.group.SetLimit(maxInFlight)
	return t
}

// Go starts fn in the background with a context detached from ctx's
// cancellation but carrying its values. It never blocks: when the group is
// full the task is dropped and false is returned.
func (t *Tasks) Go(ctx context.Context, name string, fn func(ctx context.Context) error) bool {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		t.drop(name)
		return false
	}
	started := t.group.TryGo(func() error {
		taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
		defer cancel()

		defer func() {
			if p := recover(); p != nil {
				t.logger.Error("telemetry task panicked", "task", name, "panic", p)
				t.fail(name)
			}
		}()

		if err := fn(taskCtx); err != nil {
			t.logger.Debug("telemetry task failed", "task", name, "error", err)
			t.fail(name)
		}
		return nil
	})
	t.mu.RUnlock()
	if !started {
		t.drop(name)
	}
	return started
}

func (t *Tasks) drop(name string) {
	t.logger.Debug("telemetry task dropped", "task", name)
	if t.OnDrop != nil {
		t.OnDrop()
	}
}

func (t *Tasks) fail(name string) {
	if t.OnFail != nil {
		t.OnFail(name)
	}
}

// Close stops accepting tasks and waits for running ones until ctx is done.
func (t *Tasks) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = t.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
