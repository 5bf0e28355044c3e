package domain

import "errors"

// Error kinds returned by PTC components. The error text is the wire-level
// reason string surfaced to callers and operators, so these must stay
// stable.
//
// Contention and policy errors are expected outcomes: callers loop or give
// up, they never escalate. I/O errors are wrapped separately with %w at
// the store boundary.
var (
	// Validation: caller bug, surfaced immediately without retry.
	ErrInvalidArgument   = errors.New("invalid_arg")
	ErrUnknownImportance = errors.New("unknown_importance")

	// Contention: expected under concurrency.
	ErrTaskAlreadyClaimed  = errors.New("task_already_claimed")
	ErrAlreadyClaimed      = errors.New("already_claimed")
	ErrClaimRace           = errors.New("claim_race_condition")
	ErrAlreadyAcknowledged = errors.New("already_acknowledged")

	// Policy: expected, surfaced to the caller.
	ErrWorkerTaskLimit = errors.New("worker_task_limit_reached")
	ErrNotRecipient    = errors.New("not_recipient")
	ErrNoReadyTasks    = errors.New("no_ready_tasks")

	// Lookups.
	ErrMessageNotFound    = errors.New("message_not_found")
	ErrWorkerNotFound     = errors.New("worker_not_found")
	ErrClaimNotFound      = errors.New("claim_not_found")
	ErrDeadLetterNotFound = errors.New("dead_letter_not_found")

	// Dead-letter terminal state.
	ErrDeadLetterResolved = errors.New("dead_letter_resolved")

	// Lifecycle: component used before start or after stop.
	ErrNotRunning = errors.New("coordinator_not_running")
)
