package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer schedules reconciliation sweeps. The first sweep fires shortly
// after startup to catch leftovers from a crashed predecessor process,
// then the loop settles into its steady interval. On-demand runs through
// the admin surface share the same Runner.
type Timer struct {
	runner   *Runner
	warmup   time.Duration
	interval time.Duration
	logger   *slog.Logger
	stopOnce sync.Once
	stopped  chan struct{}
	running  atomic.Bool
}

// NewTimer returns a timer sweeping every five minutes, with the first
// sweep thirty seconds after Start.
func NewTimer(runner *Runner, logger *slog.Logger) *Timer {
	return &Timer{
		runner:   runner,
		warmup:   30 * time.Second,
		interval: 5 * time.Minute,
		logger:   logger,
		stopped:  make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the sweep loop until ctx ends or Stop is called. Call in a
// goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	next := time.NewTimer(t.warmup)
	defer next.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopped:
			return
		case <-next.C:
			t.sweep(ctx)
			next.Reset(t.interval)
		}
	}
}

// Stop ends the loop. Safe to call more than once, before or after Start.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stopped) })
}

// sweep runs one pass, containing any panic from the runner.
func (t *Timer) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("reconciliation sweep panicked", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.runner.RunAll(ctx); err != nil {
		t.logger.Warn("reconciliation sweep failed", "error", err)
	}
}
