// Package deadletter manages terminally failed messages: durable storage,
// operator-driven replay and resolution, and snapshot export.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ptc/internal/domain"
	"ptc/internal/storage/sqlite"
)

// Store is the persistence surface for dead-letter rows. Satisfied by the
// sqlite dead-letter store.
type Store interface {
	Insert(ctx context.Context, dl *domain.DeadLetter) error
	Get(ctx context.Context, id string) (*domain.DeadLetter, error)
	List(ctx context.Context, opts sqlite.ListOptions) ([]*domain.DeadLetter, error)
	DueForRetry(ctx context.Context, limit int) ([]*domain.DeadLetter, error)
	Resolve(ctx context.Context, id string, resolution domain.Resolution) (bool, error)
	UpdateRetryCount(ctx context.Context, id string, count int) error
	ScheduleRetry(ctx context.Context, id string, delay time.Duration) error
	Stats(ctx context.Context) (*sqlite.DeadLetterStats, error)
	FailuresByDay(ctx context.Context, days int) ([]sqlite.DayCount, error)
	TopErrors(ctx context.Context, limit int) ([]sqlite.ErrorCount, error)
}

// MessageMarker flags the original message row as dead-lettered.
// Satisfied by the sqlite message store.
type MessageMarker interface {
	MarkDeadLetter(ctx context.Context, id, reason string) error
}

// Archiver stores an exported snapshot outside the database. Satisfied by
// the filesystem and GCS blob stores.
type Archiver interface {
	Store(ctx context.Context, name string, data []byte) error
}

// Service coordinates dead-letter handling.
type Service struct {
	store    Store
	messages MessageMarker
	archive  Archiver
}

// New creates the service. messages and archive may be nil; the matching
// side effects are then skipped.
func New(store Store, messages MessageMarker, archive Archiver) *Service {
	return &Service{store: store, messages: messages, archive: archive}
}

// Store dead-letters a message: inserts the dl-<id> row, then best-effort
// marks the original message row. A marking failure is logged, never
// returned, since the dead-letter row already exists.
func (s *Service) Store(ctx context.Context, msg *domain.Message, cause string) (*domain.DeadLetter, error) {
	if msg == nil || msg.ID == "" {
		return nil, fmt.Errorf("dead-letter store: %w", domain.ErrInvalidArgument)
	}

	content, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("serialize message %s: %w", msg.ID, err)
	}
	dl := &domain.DeadLetter{
		ID:                domain.DeadLetterID(msg.ID),
		OriginalMessageID: msg.ID,
		Sender:            msg.Sender,
		Recipient:         msg.Recipient,
		Content:           string(content),
		Importance:        msg.Importance,
		Type:              msg.Type,
		Error:             cause,
		FailedAt:          time.Now().UTC(),
		RetryCount:        msg.RetryCount,
	}
	if err := s.store.Insert(ctx, dl); err != nil {
		return nil, fmt.Errorf("insert dead letter %s: %w", dl.ID, err)
	}
	slog.Warn("message dead-lettered", "message_id", msg.ID, "type", msg.Type, "error", cause)

	if s.messages != nil {
		if err := s.messages.MarkDeadLetter(ctx, msg.ID, cause); err != nil {
			slog.Error("failed to mark original message dead-letter",
				"message_id", msg.ID, "error", err)
		}
	}
	return dl, nil
}

// Get returns one dead-letter row.
func (s *Service) Get(ctx context.Context, id string) (*domain.DeadLetter, error) {
	return s.store.Get(ctx, id)
}

// List returns rows matching opts.
func (s *Service) List(ctx context.Context, opts sqlite.ListOptions) ([]*domain.DeadLetter, error) {
	return s.store.List(ctx, opts)
}

// DueForRetry returns unresolved rows whose retry schedule has elapsed.
func (s *Service) DueForRetry(ctx context.Context, limit int) ([]*domain.DeadLetter, error) {
	return s.store.DueForRetry(ctx, limit)
}

// Retry reconstructs the original message for re-sending and bumps the
// dead-letter row's retry count. The returned message carries the bumped
// count; the original message row is never touched and the caller sends
// the result as a fresh entry. Returns nil without error when the row is
// missing or already resolved.
func (s *Service) Retry(ctx context.Context, id string) (*domain.Message, error) {
	dl, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrDeadLetterNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if dl.Resolved {
		return nil, nil
	}

	var msg domain.Message
	if err := json.Unmarshal([]byte(dl.Content), &msg); err != nil {
		return nil, fmt.Errorf("decode dead letter %s content: %w", id, err)
	}
	if err := s.store.UpdateRetryCount(ctx, id, dl.RetryCount+1); err != nil {
		return nil, fmt.Errorf("bump retry count for %s: %w", id, err)
	}
	msg.RetryCount = dl.RetryCount + 1
	slog.Info("dead letter queued for retry",
		"dead_letter_id", id, "message_id", msg.ID, "retry_count", dl.RetryCount+1)
	return &msg, nil
}

// Resolve terminally resolves a row. Returns false when the row was
// already resolved.
func (s *Service) Resolve(ctx context.Context, id string, resolution domain.Resolution) (bool, error) {
	return s.store.Resolve(ctx, id, resolution)
}

// BatchResolve resolves many rows, returning how many actually changed.
func (s *Service) BatchResolve(ctx context.Context, ids []string, resolution domain.Resolution) (int, error) {
	var changed int
	for _, id := range ids {
		ok, err := s.store.Resolve(ctx, id, resolution)
		if err != nil {
			return changed, fmt.Errorf("resolve %s: %w", id, err)
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

// ScheduleRetry pushes a row's next automatic retry out by delay.
func (s *Service) ScheduleRetry(ctx context.Context, id string, delay time.Duration) error {
	return s.store.ScheduleRetry(ctx, id, delay)
}

// Stats returns aggregate counts.
func (s *Service) Stats(ctx context.Context) (*sqlite.DeadLetterStats, error) {
	return s.store.Stats(ctx)
}

// Trends returns recent failure volume and the most frequent errors.
func (s *Service) Trends(ctx context.Context, days, topErrors int) ([]sqlite.DayCount, []sqlite.ErrorCount, error) {
	byDay, err := s.store.FailuresByDay(ctx, days)
	if err != nil {
		return nil, nil, err
	}
	top, err := s.store.TopErrors(ctx, topErrors)
	if err != nil {
		return nil, nil, err
	}
	return byDay, top, nil
}

// Export is the snapshot format produced by ExportData.
type Export struct {
	ExportedAt time.Time            `json:"exported_at"`
	Count      int                  `json:"count"`
	Letters    []*domain.DeadLetter `json:"letters"`
}

// ExportData snapshots dead-letter rows to JSON. When an archiver is
// configured the snapshot is also written there under a timestamped name.
func (s *Service) ExportData(ctx context.Context, unresolvedOnly bool) ([]byte, error) {
	letters, err := s.store.List(ctx, sqlite.ListOptions{Unresolved: unresolvedOnly, Limit: -1})
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	snapshot := Export{
		ExportedAt: time.Now().UTC(),
		Count:      len(letters),
		Letters:    letters,
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode export: %w", err)
	}

	if s.archive != nil {
		name := fmt.Sprintf("dead-letters-%s.json", snapshot.ExportedAt.Format("20060102T150405Z"))
		if err := s.archive.Store(ctx, name, data); err != nil {
			return nil, fmt.Errorf("archive export %s: %w", name, err)
		}
		slog.Info("dead letter export archived", "name", name, "count", snapshot.Count)
	}
	return data, nil
}
