package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlitelib "modernc.org/sqlite"

	"ptc/internal/domain"
)

// ClaimStore persists task claim rows. The task_id primary key is the
// single source of truth for claim arbitration: whoever commits the insert
// wins, regardless of timestamps.
type ClaimStore struct {
	db *sql.DB
}

// NewClaimStore opens the task claims database at path, migrating it as needed.
func NewClaimStore(ctx context.Context, path string) (*ClaimStore, error) {
	db, err := open(ctx, path, "claims")
	if err != nil {
		return nil, err
	}
	return &ClaimStore{db: db}, nil
}

// Close closes the database connection.
func (s *ClaimStore) Close() error { return s.db.Close() }

// Insert atomically records a claim for taskID by workerID.
//
// Within one transaction it checks for any existing row (any status,
// completed included) and inserts the active claim. A pre-existing row
// aborts with ErrAlreadyClaimed. When two transactions race past the
// check, the loser hits either the primary key or the winner's write
// lock, and both outcomes surface as ErrClaimRace.
func (s *ClaimStore) Insert(ctx context.Context, taskID, workerID, metadata string) (*domain.TaskClaim, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT task_id FROM task_claims WHERE task_id = ?`, taskID).Scan(&existing)
	switch {
	case err == nil:
		return nil, domain.ErrAlreadyClaimed
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to check existing claim: %w", err)
	}

	claimedAt := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_claims (task_id, worker_id, status, claimed_at, metadata)
		VALUES (?, ?, ?, ?, ?)`,
		taskID, workerID, string(domain.ClaimActive), claimedAt.UnixMilli(), metadata)
	if err != nil {
		if isClaimRace(err) {
			return nil, domain.ErrClaimRace
		}
		return nil, fmt.Errorf("failed to insert claim: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isClaimRace(err) {
			return nil, domain.ErrClaimRace
		}
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	return &domain.TaskClaim{
		TaskID:    taskID,
		WorkerID:  workerID,
		Status:    domain.ClaimActive,
		ClaimedAt: claimedAt,
		Metadata:  metadata,
	}, nil
}

// Release marks a claim completed. Only the claim owner may release.
func (s *ClaimStore) Release(ctx context.Context, taskID, workerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_claims SET status = ?, completed_at = ?
		WHERE task_id = ? AND worker_id = ? AND status = ?`,
		string(domain.ClaimCompleted), time.Now().UnixMilli(),
		taskID, workerID, string(domain.ClaimActive))
	if err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrClaimNotFound
	}
	return nil
}

// Delete removes a claim row outright so the ready-task source can
// re-surface the task for a fresh claim. Used by reassignment.
func (s *ClaimStore) Delete(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM task_claims WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrClaimNotFound
	}
	return nil
}

// Get returns a claim row by task id.
func (s *ClaimStore) Get(ctx context.Context, taskID string) (*domain.TaskClaim, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, worker_id, status, claimed_at, completed_at, metadata
		FROM task_claims WHERE task_id = ?`, taskID)
	c, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrClaimNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get claim: %w", err)
	}
	return c, nil
}

// ActiveClaims returns every active claim row. The claimer loads these at
// initialize() to warm its pending_claims cache after a restart.
func (s *ClaimStore) ActiveClaims(ctx context.Context) ([]*domain.TaskClaim, error) {
	return s.queryClaims(ctx, `
		SELECT task_id, worker_id, status, claimed_at, completed_at, metadata
		FROM task_claims WHERE status = ? ORDER BY claimed_at ASC`,
		string(domain.ClaimActive))
}

// ActiveClaimsForWorker returns a worker's active claims.
func (s *ClaimStore) ActiveClaimsForWorker(ctx context.Context, workerID string) ([]*domain.TaskClaim, error) {
	return s.queryClaims(ctx, `
		SELECT task_id, worker_id, status, claimed_at, completed_at, metadata
		FROM task_claims WHERE worker_id = ? AND status = ?
		ORDER BY claimed_at ASC`,
		workerID, string(domain.ClaimActive))
}

// Stats returns claim counts per status.
func (s *ClaimStore) Stats(ctx context.Context) (map[domain.ClaimStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM task_claims GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query claim stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[domain.ClaimStatus]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan claim stats: %w", err)
		}
		stats[domain.ClaimStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate claim stats: %w", err)
	}
	return stats, nil
}

func (s *ClaimStore) queryClaims(ctx context.Context, q string, args ...any) ([]*domain.TaskClaim, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query claims: %w", err)
	}
	defer rows.Close()

	var claims []*domain.TaskClaim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate claims: %w", err)
	}
	return claims, nil
}

func scanClaim(row rowScanner) (*domain.TaskClaim, error) {
	var c domain.TaskClaim
	var status string
	var claimedAt int64
	var completedAt sql.NullInt64
	if err := row.Scan(&c.TaskID, &c.WorkerID, &status, &claimedAt, &completedAt, &c.Metadata); err != nil {
		return nil, err
	}
	c.Status = domain.ClaimStatus(status)
	c.ClaimedAt = msToTime(claimedAt)
	c.CompletedAt = nullMsToTime(completedAt)
	return &c, nil
}

// isClaimRace reports whether err is a lost claim race. Constraint codes
// (19 generic, 1555 primary key, 2067 unique) mean the loser reached the
// insert after the winner's row landed. Busy codes (5 busy, 517
// busy_snapshot) mean a concurrent writer held or invalidated the
// snapshot, which in this single-insert transaction is the same loss.
func isClaimRace(err error) bool {
	var se *sqlitelib.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case 19, 1555, 2067, 5, 517:
			return true
		}
	}
	return false
}
