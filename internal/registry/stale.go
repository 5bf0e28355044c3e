package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ptc/internal/domain"
)

// Stale detection defaults.
const (
	DefaultStaleThreshold = 90 * time.Second
	DefaultPollInterval   = 10 * time.Second
)

// StaleFunc runs once per worker freshly marked stale, after the status
// write. Usually wired to task reassignment.
type StaleFunc func(ctx context.Context, worker *domain.Worker)

// StaleDetector periodically scans for active workers whose heartbeat is
// older than the threshold, marks them stale and notifies the callback.
type StaleDetector struct {
	store     WorkerStore
	threshold time.Duration
	interval  time.Duration
	onStale   StaleFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStaleDetector creates a detector. Non-positive threshold or interval
// fall back to the defaults.
func NewStaleDetector(store WorkerStore, threshold, interval time.Duration, onStale StaleFunc) *StaleDetector {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &StaleDetector{
		store:     store,
		threshold: threshold,
		interval:  interval,
		onStale:   onStale,
	}
}

// Start launches the polling loop. Starting a running detector is a no-op.
func (d *StaleDetector) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(ctx)
}

func (d *StaleDetector) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Check(ctx); err != nil && ctx.Err() == nil {
				slog.Error("stale worker scan failed", "error", err)
			}
		}
	}
}

// Check performs one scan immediately and returns the workers it marked
// stale. Safe to call whether or not the loop is running.
func (d *StaleDetector) Check(ctx context.Context) ([]*domain.Worker, error) {
	workers, err := d.store.FindStale(ctx, d.threshold)
	if err != nil {
		return nil, fmt.Errorf("find stale workers: %w", err)
	}

	marked := make([]*domain.Worker, 0, len(workers))
	for _, w := range workers {
		if err := d.store.UpdateStatus(ctx, w.ID, domain.WorkerStale); err != nil {
			slog.Error("failed to mark worker stale", "worker_id", w.ID, "error", err)
			continue
		}
		slog.Warn("worker marked stale",
			"worker_id", w.ID, "heartbeat_age", time.Since(w.LastHeartbeat).Round(time.Second))
		marked = append(marked, w)
		if d.onStale != nil {
			d.onStale(ctx, w)
		}
	}
	return marked, nil
}

// Running reports whether the polling loop is active.
func (d *StaleDetector) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}

// Stop halts the polling loop and waits for it to exit.
func (d *StaleDetector) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
