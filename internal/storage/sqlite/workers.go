package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ptc/internal/domain"
)

// WorkerStore persists worker registrations and heartbeats.
type WorkerStore struct {
	db *sql.DB
}

// NewWorkerStore opens the workers database at path, migrating it as needed.
func NewWorkerStore(ctx context.Context, path string) (*WorkerStore, error) {
	db, err := open(ctx, path, "workers")
	if err != nil {
		return nil, err
	}
	return &WorkerStore{db: db}, nil
}

// Close closes the database connection.
func (s *WorkerStore) Close() error { return s.db.Close() }

// Register inserts or refreshes a worker record with status=active and a
// fresh heartbeat. Re-registering an existing id is an update, not an error.
func (s *WorkerStore) Register(ctx context.Context, w *domain.Worker) error {
	if w.ID == "" {
		return domain.ErrInvalidArgument
	}
	caps, err := json.Marshal(w.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workers (id, name, pid, capabilities, status, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			pid = excluded.pid,
			capabilities = excluded.capabilities,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat`,
		w.ID, w.Name, w.PID, string(caps), string(domain.WorkerActive), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	return nil
}

// Unregister marks a worker offline. The record is kept for history.
func (s *WorkerStore) Unregister(ctx context.Context, id string) error {
	return s.UpdateStatus(ctx, id, domain.WorkerOffline)
}

// Heartbeat atomically refreshes last_heartbeat and restores status=active.
func (s *WorkerStore) Heartbeat(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workers SET last_heartbeat = ?, status = ? WHERE id = ?`,
		time.Now().UnixMilli(), string(domain.WorkerActive), id)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrWorkerNotFound
	}
	return nil
}

// UpdateStatus sets a worker's status.
func (s *WorkerStore) UpdateStatus(ctx context.Context, id string, status domain.WorkerStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workers SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update worker status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrWorkerNotFound
	}
	return nil
}

// Get returns a worker by id.
func (s *WorkerStore) Get(ctx context.Context, id string) (*domain.Worker, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, pid, capabilities, status, last_heartbeat
		FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrWorkerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return w, nil
}

// List returns workers, optionally filtered by status ("" means all).
func (s *WorkerStore) List(ctx context.Context, status domain.WorkerStatus) ([]*domain.Worker, error) {
	q := `SELECT id, name, pid, capabilities, status, last_heartbeat FROM workers`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var workers []*domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workers: %w", err)
	}
	return workers, nil
}

// FindStale returns active workers whose last heartbeat is older than the
// threshold. Workers already marked stale or offline are excluded so the
// detector only transitions each worker once.
func (s *WorkerStore) FindStale(ctx context.Context, threshold time.Duration) ([]*domain.Worker, error) {
	cutoff := time.Now().Add(-threshold).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, pid, capabilities, status, last_heartbeat
		FROM workers WHERE status = ? AND last_heartbeat < ?`,
		string(domain.WorkerActive), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale workers: %w", err)
	}
	defer rows.Close()

	var workers []*domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workers: %w", err)
	}
	return workers, nil
}

// Stats returns worker counts per status.
func (s *WorkerStore) Stats(ctx context.Context) (map[domain.WorkerStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM workers GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query worker stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[domain.WorkerStatus]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan worker stats: %w", err)
		}
		stats[domain.WorkerStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate worker stats: %w", err)
	}
	return stats, nil
}

func scanWorker(row rowScanner) (*domain.Worker, error) {
	var w domain.Worker
	var caps, status string
	var lastHeartbeat int64
	if err := row.Scan(&w.ID, &w.Name, &w.PID, &caps, &status, &lastHeartbeat); err != nil {
		return nil, err
	}
	w.Status = domain.WorkerStatus(status)
	w.LastHeartbeat = msToTime(lastHeartbeat)
	if err := json.Unmarshal([]byte(caps), &w.Capabilities); err != nil {
		w.Capabilities = nil
	}
	return &w, nil
}
