package claim

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// historyCap bounds the in-memory reassignment history.
const historyCap = 1000

// HistoryEntry records one reassignment attempt.
type HistoryEntry struct {
	TaskID       string    `json:"task_id"`
	FromWorker   string    `json:"from_worker"`
	Reason       string    `json:"reason,omitempty"`
	ReassignedAt time.Time `json:"reassigned_at"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
}

// HistoryFilter narrows History output.
type HistoryFilter struct {
	Limit    int
	WorkerID string
}

// ReassignStats summarises reassignment outcomes.
type ReassignStats struct {
	Total       int64   `json:"total"`
	Succeeded   int64   `json:"succeeded"`
	Failed      int64   `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

// Reassigner returns abandoned claims to the pool and keeps a bounded
// history of what it did.
type Reassigner struct {
	claimer *Claimer

	mu      sync.Mutex
	entries []HistoryEntry
}

// NewReassigner creates a reassigner over claimer.
func NewReassigner(claimer *Claimer) *Reassigner {
	return &Reassigner{claimer: claimer}
}

// ReassignFromWorker releases every active claim held by a worker,
// typically after it went stale. Each claim row is deleted so the task
// can be claimed afresh. Per-task failures are recorded and do not stop
// the sweep.
func (r *Reassigner) ReassignFromWorker(ctx context.Context, workerID, reason string) ([]HistoryEntry, error) {
	claims, err := r.claimer.AbandonedTasks(ctx, workerID)
	if err != nil {
		return nil, err
	}

	results := make([]HistoryEntry, 0, len(claims))
	for _, cl := range claims {
		entry := HistoryEntry{
			TaskID:       cl.TaskID,
			FromWorker:   workerID,
			Reason:       reason,
			ReassignedAt: time.Now().UTC(),
			Status:       "success",
		}
		if err := r.claimer.MarkForReassignment(ctx, cl.TaskID); err != nil {
			entry.Status = "failed"
			entry.Error = err.Error()
			slog.Error("reassignment failed",
				"task_id", cl.TaskID, "worker_id", workerID, "error", err)
		} else {
			slog.Info("task reassigned", "task_id", cl.TaskID, "from_worker", workerID, "reason", reason)
		}
		r.record(entry)
		results = append(results, entry)
	}
	return results, nil
}

// ReassignTask manually returns one task to the pool.
func (r *Reassigner) ReassignTask(ctx context.Context, taskID, reason string) error {
	cl, err := r.claimer.Get(ctx, taskID)
	if err != nil {
		return err
	}
	entry := HistoryEntry{
		TaskID:       taskID,
		FromWorker:   cl.WorkerID,
		Reason:       reason,
		ReassignedAt: time.Now().UTC(),
		Status:       "success",
	}
	err = r.claimer.MarkForReassignment(ctx, taskID)
	if err != nil {
		entry.Status = "failed"
		entry.Error = err.Error()
	}
	r.record(entry)
	return err
}

func (r *Reassigner) record(entry HistoryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	if len(r.entries) > historyCap {
		r.entries = r.entries[len(r.entries)-historyCap:]
	}
}

// History returns recorded entries, newest first.
func (r *Reassigner) History(f HistoryFilter) []HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]HistoryEntry, 0, len(r.entries))
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if f.WorkerID != "" && e.FromWorker != f.WorkerID {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Stats summarises all recorded reassignments.
func (r *Reassigner) Stats() ReassignStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s ReassignStats
	for _, e := range r.entries {
		s.Total++
		if e.Status == "success" {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Total)
	}
	return s
}
