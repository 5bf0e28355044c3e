// Package worker runs the worker side of the pipeline: registration,
// heartbeats, message consumption and task claiming against the shared
// stores.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"ptc/internal/coordinator"
	"ptc/internal/domain"
	"ptc/internal/retry"
)

// TaskFunc processes one claimed task. Failures are retried per the
// runtime's retry policy; once the budget is spent the claim stays
// active so the task is not silently lost, and an operator or the stale
// sweep decides what happens next.
type TaskFunc func(ctx context.Context, taskID string) error

// Runtime polls for messages and tasks on behalf of one worker identity.
type Runtime struct {
	coord        *coordinator.Coordinator
	id           string
	name         string
	capabilities []string
	maxTasks     int
	pollInterval time.Duration
	policy       retry.Policy
	handleTask   TaskFunc
	done         chan struct{}
	stop         sync.Once
	wg           sync.WaitGroup
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithPollInterval sets how often the worker polls for messages and
// ready tasks.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runtime) { r.pollInterval = d }
}

// WithMaxTasks caps concurrent active claims. <= 0 means unlimited.
func WithMaxTasks(n int) Option {
	return func(r *Runtime) { r.maxTasks = n }
}

// WithCapabilities advertises what this worker can do.
func WithCapabilities(caps ...string) Option {
	return func(r *Runtime) { r.capabilities = caps }
}

// WithTaskHandler sets the function run for each claimed task. Without
// one, claimed tasks are released immediately.
func WithTaskHandler(fn TaskFunc) Option {
	return func(r *Runtime) { r.handleTask = fn }
}

// WithRetryPolicy overrides the retry policy applied to task handlers.
func WithRetryPolicy(p retry.Policy) Option {
	return func(r *Runtime) { r.policy = p }
}

// New creates a runtime for the given worker identity.
func New(coord *coordinator.Coordinator, id, name string, opts ...Option) *Runtime {
	r := &Runtime{
		coord:        coord,
		id:           id,
		name:         name,
		pollInterval: 5 * time.Second,
		policy:       retry.NewPolicy(),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start registers the worker and runs the poll loop until the context is
// cancelled or Stop is called.
func (r *Runtime) Start(ctx context.Context) error {
	if _, err := r.coord.Registry().Register(ctx, r.id, r.name, os.Getpid(), r.capabilities); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	r.coord.Heartbeats().Start(r.id)
	slog.Info("worker started", "worker_id", r.id, "poll_interval", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.pollOnce(ctx)
			}()
		case <-ctx.Done():
			r.wg.Wait()
			return ctx.Err()
		case <-r.done:
			r.wg.Wait()
			return nil
		}
	}
}

// pollOnce drains pending messages for this worker and tries one claim.
func (r *Runtime) pollOnce(ctx context.Context) {
	for {
		msg, err := r.coord.DeliverNext(ctx, r.id)
		if err != nil {
			if !errors.Is(err, domain.ErrNotRunning) {
				slog.Error("delivery failed", "worker_id", r.id, "error", err)
			}
			return
		}
		if msg == nil {
			break
		}
		if err := r.coord.Acknowledge(ctx, msg.ID, r.id); err != nil {
			slog.Warn("acknowledgement failed",
				"worker_id", r.id, "message_id", msg.ID, "error", err)
		}
	}

	cl, err := r.coord.Claimer().Claim(ctx, r.id, r.maxTasks)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNoReadyTasks),
			errors.Is(err, domain.ErrWorkerTaskLimit),
			errors.Is(err, domain.ErrTaskAlreadyClaimed),
			errors.Is(err, domain.ErrAlreadyClaimed),
			errors.Is(err, domain.ErrClaimRace):
			return
		default:
			slog.Error("claim failed", "worker_id", r.id, "error", err)
			return
		}
	}

	if r.handleTask != nil {
		res := r.policy.Execute(ctx, func(int) error {
			return r.handleTask(ctx, cl.TaskID)
		}, retry.Callbacks{
			OnRetry: func(err error, attempt int, delay time.Duration) {
				slog.Warn("task attempt failed, retrying",
					"worker_id", r.id, "task_id", cl.TaskID,
					"attempt", attempt+1, "delay", delay, "error", err)
			},
		})
		if !res.Success {
			slog.Error("task failed after retries, claim kept",
				"worker_id", r.id, "task_id", cl.TaskID,
				"attempts", res.Attempts, "error", res.Err)
			return
		}
	}
	if err := r.coord.Claimer().Release(ctx, cl.TaskID, r.id); err != nil {
		slog.Error("release failed", "worker_id", r.id, "task_id", cl.TaskID, "error", err)
	}
}

// Stop halts the poll loop and unregisters the worker. Safe to call more
// than once.
func (r *Runtime) Stop(ctx context.Context) error {
	r.stop.Do(func() { close(r.done) })
	r.coord.Heartbeats().Stop(r.id)
	if err := r.coord.Registry().Unregister(ctx, r.id); err != nil {
		return fmt.Errorf("unregister worker: %w", err)
	}
	return nil
}
