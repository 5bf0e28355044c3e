package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ptc/internal/domain"
)

// DeadLetterStore persists terminally failed messages for operator action.
type DeadLetterStore struct {
	db *sql.DB
}

// NewDeadLetterStore opens the dead letters database at path, migrating it
// as needed.
func NewDeadLetterStore(ctx context.Context, path string) (*DeadLetterStore, error) {
	db, err := open(ctx, path, "deadletters")
	if err != nil {
		return nil, err
	}
	return &DeadLetterStore{db: db}, nil
}

// Close closes the database connection.
func (s *DeadLetterStore) Close() error { return s.db.Close() }

const deadLetterColumns = `id, original_message_id, sender, recipient, content,
	importance, type, error, failed_at, retry_count, resolved, resolved_at,
	resolution, next_retry_at`

// Insert stores a new dead-letter row. Inserting the same id twice is a
// constraint error; callers derive the id as dl-<message id>, so a
// duplicate means the message was already promoted.
func (s *DeadLetterStore) Insert(ctx context.Context, dl *domain.DeadLetter) error {
	if dl.ID == "" || dl.OriginalMessageID == "" {
		return domain.ErrInvalidArgument
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, original_message_id, sender, recipient,
			content, importance, type, error, failed_at, retry_count, resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		dl.ID, dl.OriginalMessageID, dl.Sender, dl.Recipient, dl.Content,
		string(dl.Importance), dl.Type, dl.Error, timeToMs(dl.FailedAt), dl.RetryCount)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

// Get returns a dead letter by id.
func (s *DeadLetterStore) Get(ctx context.Context, id string) (*domain.DeadLetter, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`, id)
	dl, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return dl, nil
}

// ListOptions filters List.
type ListOptions struct {
	Unresolved bool
	Sender     string
	Limit      int
	Offset     int
}

// List returns dead letters newest-failure first.
func (s *DeadLetterStore) List(ctx context.Context, opts ListOptions) ([]*domain.DeadLetter, error) {
	q := `SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE 1=1`
	args := []any{}
	if opts.Unresolved {
		q += ` AND resolved = 0`
	}
	if opts.Sender != "" {
		q += ` AND sender = ?`
		args = append(args, opts.Sender)
	}
	q += ` ORDER BY failed_at DESC LIMIT ? OFFSET ?`
	args = append(args, limitOrDefault(opts.Limit), opts.Offset)
	return s.queryDeadLetters(ctx, q, args...)
}

// DueForRetry returns unresolved dead letters whose next_retry_at has
// passed (or was never scheduled), oldest failure first.
func (s *DeadLetterStore) DueForRetry(ctx context.Context, limit int) ([]*domain.DeadLetter, error) {
	return s.queryDeadLetters(ctx, `
		SELECT `+deadLetterColumns+` FROM dead_letters
		WHERE resolved = 0 AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY failed_at ASC LIMIT ?`,
		time.Now().UnixMilli(), limitOrDefault(limit))
}

// Resolve terminally marks a dead letter. The returned bool is false when
// the row was already resolved (or absent): a second resolve is a no-op.
func (s *DeadLetterStore) Resolve(ctx context.Context, id string, resolution domain.Resolution) (bool, error) {
	if !resolution.Valid() {
		return false, domain.ErrInvalidArgument
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE dead_letters SET resolved = 1, resolved_at = ?, resolution = ?
		WHERE id = ? AND resolved = 0`,
		time.Now().UnixMilli(), string(resolution), id)
	if err != nil {
		return false, fmt.Errorf("failed to resolve dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count resolved rows: %w", err)
	}
	return n > 0, nil
}

// UpdateRetryCount sets the retry counter on a dead-letter row. The
// original message row is deliberately left untouched.
func (s *DeadLetterStore) UpdateRetryCount(ctx context.Context, id string, retryCount int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET retry_count = ? WHERE id = ?`, retryCount, id)
	if err != nil {
		return fmt.Errorf("failed to update retry count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrDeadLetterNotFound
	}
	return nil
}

// ScheduleRetry sets next_retry_at to now+delay on an unresolved row.
func (s *DeadLetterStore) ScheduleRetry(ctx context.Context, id string, delay time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dead_letters SET next_retry_at = ? WHERE id = ? AND resolved = 0`,
		time.Now().Add(delay).UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrDeadLetterNotFound
	}
	return nil
}

// DeadLetterStats aggregates dead-letter counts.
type DeadLetterStats struct {
	Total      int64            `json:"total"`
	Unresolved int64            `json:"unresolved"`
	Resolved   int64            `json:"resolved"`
	ByType     map[string]int64 `json:"by_type"`
}

// Stats returns overall and per-type counts.
func (s *DeadLetterStore) Stats(ctx context.Context) (*DeadLetterStats, error) {
	stats := &DeadLetterStats{ByType: make(map[string]int64)}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN resolved = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN resolved = 1 THEN 1 ELSE 0 END), 0)
		FROM dead_letters`).Scan(&stats.Total, &stats.Unresolved, &stats.Resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letter stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM dead_letters GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letter types: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var count int64
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter types: %w", err)
		}
		stats.ByType[typ] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dead letter types: %w", err)
	}
	return stats, nil
}

// DayCount is a per-day failure count for trend reporting.
type DayCount struct {
	Day   string `json:"day"` // YYYY-MM-DD
	Count int64  `json:"count"`
}

// FailuresByDay returns failure counts per day over the trailing window.
func (s *DeadLetterStore) FailuresByDay(ctx context.Context, days int) ([]DayCount, error) {
	since := time.Now().AddDate(0, 0, -days).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
		SELECT date(failed_at / 1000, 'unixepoch') AS day, COUNT(*)
		FROM dead_letters WHERE failed_at >= ?
		GROUP BY day ORDER BY day ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query failures by day: %w", err)
	}
	defer rows.Close()

	var out []DayCount
	for rows.Next() {
		var dc DayCount
		if err := rows.Scan(&dc.Day, &dc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan failures by day: %w", err)
		}
		out = append(out, dc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate failures by day: %w", err)
	}
	return out, nil
}

// ErrorCount is an error-message frequency for trend reporting.
type ErrorCount struct {
	Error string `json:"error"`
	Count int64  `json:"count"`
}

// TopErrors returns the most frequent error messages.
func (s *DeadLetterStore) TopErrors(ctx context.Context, limit int) ([]ErrorCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT error, COUNT(*) AS n FROM dead_letters
		GROUP BY error ORDER BY n DESC LIMIT ?`, limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query top errors: %w", err)
	}
	defer rows.Close()

	var out []ErrorCount
	for rows.Next() {
		var ec ErrorCount
		if err := rows.Scan(&ec.Error, &ec.Count); err != nil {
			return nil, fmt.Errorf("failed to scan top errors: %w", err)
		}
		out = append(out, ec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate top errors: %w", err)
	}
	return out, nil
}

func (s *DeadLetterStore) queryDeadLetters(ctx context.Context, q string, args ...any) ([]*domain.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var dls []*domain.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dls = append(dls, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dead letters: %w", err)
	}
	return dls, nil
}

func scanDeadLetter(row rowScanner) (*domain.DeadLetter, error) {
	var dl domain.DeadLetter
	var importance string
	var resolution sql.NullString
	var failedAt int64
	var resolved int
	var resolvedAt, nextRetryAt sql.NullInt64
	err := row.Scan(&dl.ID, &dl.OriginalMessageID, &dl.Sender, &dl.Recipient,
		&dl.Content, &importance, &dl.Type, &dl.Error, &failedAt,
		&dl.RetryCount, &resolved, &resolvedAt, &resolution, &nextRetryAt)
	if err != nil {
		return nil, err
	}
	dl.Importance = domain.Importance(importance)
	dl.FailedAt = msToTime(failedAt)
	dl.Resolved = resolved != 0
	dl.ResolvedAt = nullMsToTime(resolvedAt)
	dl.Resolution = domain.Resolution(resolution.String)
	dl.NextRetryAt = nullMsToTime(nextRetryAt)
	return &dl, nil
}
