// Package claim implements atomic single-winner task claiming on top of
// the task-claims store, plus reassignment of claims abandoned by stale
// workers.
package claim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"ptc/internal/domain"
)

// Store is the persistence surface claiming needs. Satisfied by the
// sqlite claim store.
type Store interface {
	Insert(ctx context.Context, taskID, workerID, metadata string) (*domain.TaskClaim, error)
	Release(ctx context.Context, taskID, workerID string) error
	Delete(ctx context.Context, taskID string) error
	Get(ctx context.Context, taskID string) (*domain.TaskClaim, error)
	ActiveClaims(ctx context.Context) ([]*domain.TaskClaim, error)
	ActiveClaimsForWorker(ctx context.Context, workerID string) ([]*domain.TaskClaim, error)
	Stats(ctx context.Context) (map[domain.ClaimStatus]int64, error)
}

// TaskSource yields the next claimable task id, or "" when no work is
// ready.
type TaskSource interface {
	Next(ctx context.Context) (string, error)
}

// Claimer coordinates claims. The pending cache mirrors active rows and
// short-circuits known-claimed ids; the store transaction remains the
// arbiter for races the cache cannot see.
type Claimer struct {
	store  Store
	source TaskSource

	mu      sync.Mutex
	pending map[string]string // task id -> worker id
}

// New creates a claimer over store and source. A nil source means no
// ready work is ever offered; direct ClaimTask calls still work.
func New(store Store, source TaskSource) *Claimer {
	return &Claimer{
		store:   store,
		source:  source,
		pending: make(map[string]string),
	}
}

// Initialize warms the pending cache from active rows. Call once at boot;
// a stale cache is corrected by the store on the next claim.
func (c *Claimer) Initialize(ctx context.Context) error {
	claims, err := c.store.ActiveClaims(ctx)
	if err != nil {
		return fmt.Errorf("warm claim cache: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = make(map[string]string, len(claims))
	for _, cl := range claims {
		c.pending[cl.TaskID] = cl.WorkerID
	}
	slog.Info("claim cache warmed", "active_claims", len(claims))
	return nil
}

// Claim obtains the next ready task for a worker. maxTasks caps the
// worker's concurrent active claims; <= 0 means unlimited.
func (c *Claimer) Claim(ctx context.Context, workerID string, maxTasks int) (*domain.TaskClaim, error) {
	if workerID == "" {
		return nil, fmt.Errorf("claim: %w", domain.ErrInvalidArgument)
	}
	if maxTasks > 0 {
		active, err := c.store.ActiveClaimsForWorker(ctx, workerID)
		if err != nil {
			return nil, fmt.Errorf("check worker load: %w", err)
		}
		if len(active) >= maxTasks {
			return nil, domain.ErrWorkerTaskLimit
		}
	}

	if c.source == nil {
		return nil, domain.ErrNoReadyTasks
	}
	taskID, err := c.source.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("ready-task source: %w", err)
	}
	if taskID == "" {
		return nil, domain.ErrNoReadyTasks
	}
	return c.ClaimTask(ctx, taskID, workerID)
}

// ClaimTask claims a specific task id. The cache rejects ids it already
// knows are claimed; everything else goes through the store transaction,
// whose row is the single source of truth under contention.
func (c *Claimer) ClaimTask(ctx context.Context, taskID, workerID string) (*domain.TaskClaim, error) {
	c.mu.Lock()
	if _, known := c.pending[taskID]; known {
		c.mu.Unlock()
		return nil, domain.ErrTaskAlreadyClaimed
	}
	c.mu.Unlock()

	cl, err := c.store.Insert(ctx, taskID, workerID, "")
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.pending[taskID] = workerID
	c.mu.Unlock()

	slog.Info("task claimed", "task_id", taskID, "worker_id", workerID)
	return cl, nil
}

// Release completes a claim. Only the claim owner may release.
func (c *Claimer) Release(ctx context.Context, taskID, workerID string) error {
	if err := c.store.Release(ctx, taskID, workerID); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.pending, taskID)
	c.mu.Unlock()
	slog.Info("task released", "task_id", taskID, "worker_id", workerID)
	return nil
}

// WorkerClaims returns a worker's active claims.
func (c *Claimer) WorkerClaims(ctx context.Context, workerID string) ([]*domain.TaskClaim, error) {
	return c.store.ActiveClaimsForWorker(ctx, workerID)
}

// AbandonedTasks returns the active claims left behind by a worker that
// stopped heartbeating. Same query as WorkerClaims; the distinction is
// the caller's intent.
func (c *Claimer) AbandonedTasks(ctx context.Context, workerID string) ([]*domain.TaskClaim, error) {
	return c.store.ActiveClaimsForWorker(ctx, workerID)
}

// MarkForReassignment deletes the claim row so the ready-task source can
// re-surface the id for a fresh claim.
func (c *Claimer) MarkForReassignment(ctx context.Context, taskID string) error {
	if err := c.store.Delete(ctx, taskID); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.pending, taskID)
	c.mu.Unlock()
	return nil
}

// Get returns one claim row regardless of status.
func (c *Claimer) Get(ctx context.Context, taskID string) (*domain.TaskClaim, error) {
	return c.store.Get(ctx, taskID)
}

// Stats returns claim counts per status from the store.
func (c *Claimer) Stats(ctx context.Context) (map[domain.ClaimStatus]int64, error) {
	return c.store.Stats(ctx)
}
