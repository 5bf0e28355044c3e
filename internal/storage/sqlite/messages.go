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

// MessageStore is the durable write-ahead log of every message and its
// lifecycle status. The store never reports success for an uncommitted
// row; write failures surface to the caller, which owns retry policy.
type MessageStore struct {
	db *sql.DB
}

// NewMessageStore opens the messages database at path, migrating it as needed.
func NewMessageStore(ctx context.Context, path string) (*MessageStore, error) {
	db, err := open(ctx, path, "messages")
	if err != nil {
		return nil, err
	}
	return &MessageStore{db: db}, nil
}

// Close closes the database connection.
func (s *MessageStore) Close() error { return s.db.Close() }

const messageColumns = `id, sender, recipient, content, importance, type, status,
	correlation_id, created_at, delivered_at, acknowledged_at, retry_count, dead_letter, error`

// StoreOutgoing inserts a new message with status=pending and retry_count=0.
func (s *MessageStore) StoreOutgoing(ctx context.Context, msg *domain.Message) error {
	if msg.ID == "" {
		return domain.ErrInvalidArgument
	}

	var corr any
	if msg.CorrelationID != "" {
		corr = msg.CorrelationID
	}
	createdAt := msg.Timestamp
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, sender, recipient, content, importance, type, status,
			correlation_id, created_at, retry_count, dead_letter)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0)`,
		msg.ID, msg.Sender, msg.Recipient, string(msg.Payload), string(msg.Importance),
		msg.Type, string(domain.StatusPending), corr, createdAt)
	if err != nil {
		return fmt.Errorf("failed to store outgoing message: %w", err)
	}
	return nil
}

// MarkDelivered sets status=delivered and stamps delivered_at.
func (s *MessageStore) MarkDelivered(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, delivered_at = ? WHERE id = ?`,
		string(domain.StatusDelivered), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

// Acknowledge sets status=acknowledged for the row matching both id and
// recipient. When no row matches it returns ErrMessageNotFound; callers
// treat that as a soft failure and do not escalate.
func (s *MessageStore) Acknowledge(ctx context.Context, id, recipient string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, acknowledged_at = ?
		WHERE id = ? AND recipient = ?`,
		string(domain.StatusAcknowledged), time.Now().UnixMilli(), id, recipient)
	if err != nil {
		return fmt.Errorf("failed to acknowledge message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

// MarkFailed sets status=failed, records the error, and increments
// retry_count. retry_count only ever grows.
func (s *MessageStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, error = ?, retry_count = retry_count + 1
		WHERE id = ?`,
		string(domain.StatusFailed), errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to mark failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

// MarkPending returns a failed message to pending for a retry attempt.
func (s *MessageStore) MarkPending(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ? WHERE id = ? AND status = ?`,
		string(domain.StatusPending), id, string(domain.StatusFailed))
	if err != nil {
		return fmt.Errorf("failed to mark pending: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

// MarkDeadLetter sets status=dead_letter and flags the row.
func (s *MessageStore) MarkDeadLetter(ctx context.Context, id, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, dead_letter = 1, error = ? WHERE id = ?`,
		string(domain.StatusDeadLetter), errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to mark dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

// Get returns a message by id.
func (s *MessageStore) Get(ctx context.Context, id string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// GetByStatus returns up to limit messages with the given status, oldest first.
func (s *MessageStore) GetByStatus(ctx context.Context, status domain.MessageStatus, limit int) ([]*domain.Message, error) {
	return s.query(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE status = ? ORDER BY created_at ASC LIMIT ?`, string(status), limitOrDefault(limit))
}

// GetBySender returns messages sent by sender, newest first.
func (s *MessageStore) GetBySender(ctx context.Context, sender string, limit int) ([]*domain.Message, error) {
	return s.query(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE sender = ? ORDER BY created_at DESC LIMIT ?`, sender, limitOrDefault(limit))
}

// GetByRecipient returns messages addressed to recipient, newest first.
func (s *MessageStore) GetByRecipient(ctx context.Context, recipient string, limit int) ([]*domain.Message, error) {
	return s.query(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE recipient = ? ORDER BY created_at DESC LIMIT ?`, recipient, limitOrDefault(limit))
}

// GetByCorrelation returns the causal chain for a correlation id, oldest first.
func (s *MessageStore) GetByCorrelation(ctx context.Context, correlationID string) ([]*domain.Message, error) {
	return s.query(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE correlation_id = ? ORDER BY created_at ASC`, correlationID)
}

// GetPendingForRetry returns failed messages whose retry budget is not
// exhausted, oldest first.
func (s *MessageStore) GetPendingForRetry(ctx context.Context, maxAttempts, limit int) ([]*domain.Message, error) {
	return s.query(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE status = ? AND retry_count < ?
		ORDER BY created_at ASC LIMIT ?`,
		string(domain.StatusFailed), maxAttempts, limitOrDefault(limit))
}

// DeliveryTimes returns the delivered_at and acknowledged_at stamps for a
// message, either of which may be nil.
func (s *MessageStore) DeliveryTimes(ctx context.Context, id string) (deliveredAt, acknowledgedAt *time.Time, err error) {
	var d, a sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`SELECT delivered_at, acknowledged_at FROM messages WHERE id = ?`, id).Scan(&d, &a)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, domain.ErrMessageNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get delivery times: %w", err)
	}
	return nullMsToTime(d), nullMsToTime(a), nil
}

// MessageStats aggregates per-status counts and acknowledgment latency.
type MessageStats struct {
	Total        int64                          `json:"total"`
	ByStatus     map[domain.MessageStatus]int64 `json:"by_status"`
	AvgAckTimeMs float64                        `json:"avg_ack_time_ms"`
}

// Stats returns counts per status plus the average delivered-to-acknowledged
// latency in milliseconds.
func (s *MessageStore) Stats(ctx context.Context) (*MessageStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query message stats: %w", err)
	}
	defer rows.Close()

	stats := &MessageStats{ByStatus: make(map[domain.MessageStatus]int64)}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan message stats: %w", err)
		}
		stats.ByStatus[domain.MessageStatus(status)] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message stats: %w", err)
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT AVG(acknowledged_at - delivered_at) FROM messages
		WHERE acknowledged_at IS NOT NULL AND delivered_at IS NOT NULL`).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("failed to query ack latency: %w", err)
	}
	if avg.Valid {
		stats.AvgAckTimeMs = avg.Float64
	}
	return stats, nil
}

// Cleanup deletes terminal rows (acknowledged or dead_letter) created
// before the cutoff. Returns the number of rows deleted.
func (s *MessageStore) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays).UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE created_at < ? AND status IN (?, ?)`,
		cutoff, string(domain.StatusAcknowledged), string(domain.StatusDeadLetter))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleaned rows: %w", err)
	}
	return n, nil
}

func (s *MessageStore) query(ctx context.Context, q string, args ...any) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return msgs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var msg domain.Message
	var content, importance, status string
	var corr, errMsg sql.NullString
	var createdAt int64
	var deliveredAt, ackAt sql.NullInt64
	var deadLetter int
	err := row.Scan(&msg.ID, &msg.Sender, &msg.Recipient, &content, &importance,
		&msg.Type, &status, &corr, &createdAt, &deliveredAt, &ackAt,
		&msg.RetryCount, &deadLetter, &errMsg)
	if err != nil {
		return nil, err
	}
	msg.Version = domain.MessageVersion
	msg.Importance = domain.Importance(importance)
	msg.Status = domain.MessageStatus(status)
	msg.Timestamp = createdAt
	msg.CorrelationID = corr.String
	if content != "" {
		msg.Payload = json.RawMessage(content)
	}
	return &msg, nil
}

// limitOrDefault maps 0 to the default page size. Negative values mean
// no limit, which SQLite expresses as LIMIT -1.
func limitOrDefault(limit int) int {
	if limit == 0 {
		return 100
	}
	if limit < 0 {
		return -1
	}
	return limit
}
