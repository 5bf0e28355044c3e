// Package registry manages worker lifecycle: registration, heartbeats and
// stale detection.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ptc/internal/domain"
)

// WorkerStore is the persistence surface the registry needs. Satisfied by
// the sqlite worker store.
type WorkerStore interface {
	Register(ctx context.Context, w *domain.Worker) error
	Unregister(ctx context.Context, id string) error
	Heartbeat(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, status domain.WorkerStatus) error
	Get(ctx context.Context, id string) (*domain.Worker, error)
	List(ctx context.Context, status domain.WorkerStatus) ([]*domain.Worker, error)
	FindStale(ctx context.Context, threshold time.Duration) ([]*domain.Worker, error)
	Stats(ctx context.Context) (map[domain.WorkerStatus]int64, error)
}

// Registry is a thin façade over the worker store with logging.
type Registry struct {
	store WorkerStore
}

// New creates a registry backed by store.
func New(store WorkerStore) *Registry {
	return &Registry{store: store}
}

// Register adds or refreshes a worker. Re-registration of an existing id
// updates its metadata and resets it to active.
func (r *Registry) Register(ctx context.Context, id, name string, pid int, capabilities []string) (*domain.Worker, error) {
	if id == "" {
		return nil, fmt.Errorf("register worker: %w", domain.ErrInvalidArgument)
	}
	w := &domain.Worker{
		ID:           id,
		Name:         name,
		PID:          pid,
		Capabilities: capabilities,
	}
	if err := r.store.Register(ctx, w); err != nil {
		return nil, fmt.Errorf("register worker %s: %w", id, err)
	}
	slog.Info("worker registered", "worker_id", id, "name", name, "pid", pid)
	return r.store.Get(ctx, id)
}

// Unregister marks a worker offline. Its claims are left for the
// reassignment path to pick up.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	if err := r.store.Unregister(ctx, id); err != nil {
		return fmt.Errorf("unregister worker %s: %w", id, err)
	}
	slog.Info("worker unregistered", "worker_id", id)
	return nil
}

// Heartbeat refreshes a worker's liveness timestamp and restores it to
// active if it had gone stale.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	return r.store.Heartbeat(ctx, id)
}

// Get returns one worker.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Worker, error) {
	return r.store.Get(ctx, id)
}

// List returns workers, optionally filtered by status (empty matches all).
func (r *Registry) List(ctx context.Context, status domain.WorkerStatus) ([]*domain.Worker, error) {
	return r.store.List(ctx, status)
}

// Stats returns worker counts per status.
func (r *Registry) Stats(ctx context.Context) (map[domain.WorkerStatus]int64, error) {
	return r.store.Stats(ctx)
}
