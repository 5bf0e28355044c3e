package domain

import "time"

// ClaimStatus is the lifecycle state of a task claim row.
// Claims are created active, set completed on release, and deleted
// outright on reassignment so the ready-task source can re-offer the task.
type ClaimStatus string

const (
	ClaimActive    ClaimStatus = "active"
	ClaimCompleted ClaimStatus = "completed"
)

// TaskClaim is the sole ownership record for a task while claimed.
// The store enforces at most one row per TaskID; that uniqueness
// constraint is the single arbiter of who won a claim race.
type TaskClaim struct {
	TaskID      string      `json:"task_id"`
	WorkerID    string      `json:"worker_id"`
	Status      ClaimStatus `json:"status"`
	ClaimedAt   time.Time   `json:"claimed_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Metadata    string      `json:"metadata,omitempty"`
}
