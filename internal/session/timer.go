package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically terminates sessions that have gone idle.
type Timer struct {
	tracker  *Tracker
	interval time.Duration
	maxIdle  time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a stale-session sweeper.
func NewTimer(tracker *Tracker, logger *slog.Logger) *Timer {
	return &Timer{
		tracker:  tracker,
		interval: 30 * time.Second,
		maxIdle:  30 * time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in session timer", "panic", fmt.Sprint(r))
		}
	}()

	n, err := t.tracker.CleanupStale(ctx, t.maxIdle)
	if err != nil {
		t.logger.Warn("stale session sweep failed", "error", err)
		return
	}
	if n > 0 {
		t.logger.Info("stale session sweep complete", "terminated", n)
	}
}
