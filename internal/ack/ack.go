// Package ack tracks acknowledgements owed for delivered messages and
// fires timeout callbacks when a worker goes quiet.
package ack

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ptc/internal/domain"
)

// MessageAcker persists the acknowledged transition. Satisfied by the
// sqlite message store.
type MessageAcker interface {
	Acknowledge(ctx context.Context, id, recipient string) error
}

// TimeoutFunc runs when a pending acknowledgement passes its deadline.
// The entry is discarded first; a late ack reports message_not_found.
type TimeoutFunc func(messageID string)

// Registration describes one message awaiting acknowledgement.
type Registration struct {
	MessageID string
	Sender    string
	Recipient string
	Timeout   time.Duration
	OnTimeout TimeoutFunc
}

// Pending is a snapshot of one tracked entry.
type Pending struct {
	MessageID    string    `json:"message_id"`
	Sender       string    `json:"sender"`
	Recipient    string    `json:"recipient"`
	RegisteredAt time.Time `json:"registered_at"`
	Deadline     time.Time `json:"deadline"`
	Overdue      bool      `json:"overdue"`
}

// Filter narrows GetPending output. Zero value matches everything.
type Filter struct {
	Sender    string
	Recipient string
	Overdue   bool
}

// Stats summarises the tracker.
type Stats struct {
	Pending         int   `json:"pending"`
	Overdue         int   `json:"overdue"`
	Acknowledged    int64 `json:"acknowledged"`
	TotalRegistered int64 `json:"total_registered"`
}

type entry struct {
	reg          Registration
	registeredAt time.Time
	deadline     time.Time // zero when the registration has no timeout
	timer        *time.Timer
}

// Tracker keeps pending acknowledgements in memory and mirrors the
// acknowledged transition to the message store. Safe for concurrent use.
type Tracker struct {
	mu           sync.Mutex
	pending      map[string]*entry
	acknowledged map[string]time.Time
	ackedCount   int64
	store        MessageAcker
	closed       bool
}

// New creates a tracker. store may be nil when persistence is handled
// elsewhere.
func New(store MessageAcker) *Tracker {
	return &Tracker{
		pending:      make(map[string]*entry),
		acknowledged: make(map[string]time.Time),
		store:        store,
	}
}

// Register starts tracking a message. A Timeout <= 0 disables the
// deadline: the entry stays pending until acknowledged or cancelled.
// Re-registering an id replaces the previous entry.
func (t *Tracker) Register(reg Registration) error {
	if reg.MessageID == "" {
		return domain.ErrInvalidArgument
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return domain.ErrNotRunning
	}
	if prev, ok := t.pending[reg.MessageID]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	delete(t.acknowledged, reg.MessageID)

	now := time.Now()
	e := &entry{reg: reg, registeredAt: now}
	if reg.Timeout > 0 {
		e.deadline = now.Add(reg.Timeout)
		id := reg.MessageID
		e.timer = time.AfterFunc(reg.Timeout, func() { t.timeout(id) })
	}
	t.pending[reg.MessageID] = e
	return nil
}

// timeout discards the unacknowledged entry, then fires the callback.
// From here on Acknowledge reports the id as not found.
func (t *Tracker) timeout(id string) {
	t.mu.Lock()
	e, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	slog.Warn("acknowledgement overdue, entry discarded",
		"message_id", id, "recipient", e.reg.Recipient, "timeout", e.reg.Timeout)
	if e.reg.OnTimeout != nil {
		e.reg.OnTimeout(id)
	}
}

// Acknowledge resolves a pending entry. Only the registered recipient may
// acknowledge; a second acknowledgement returns ErrAlreadyAcknowledged.
// The database update is best effort and never fails the call.
func (t *Tracker) Acknowledge(ctx context.Context, messageID, workerID string) error {
	t.mu.Lock()
	e, ok := t.pending[messageID]
	if !ok {
		_, acked := t.acknowledged[messageID]
		t.mu.Unlock()
		if acked {
			return domain.ErrAlreadyAcknowledged
		}
		return domain.ErrMessageNotFound
	}
	if e.reg.Recipient != domain.Broadcast && e.reg.Recipient != workerID {
		t.mu.Unlock()
		return domain.ErrNotRecipient
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(t.pending, messageID)
	t.acknowledged[messageID] = time.Now()
	t.ackedCount++
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.Acknowledge(ctx, messageID, workerID); err != nil {
			slog.Error("failed to persist acknowledgement",
				"message_id", messageID, "worker_id", workerID, "error", err)
		}
	}
	return nil
}

// IsPending reports whether an acknowledgement is still owed for id.
func (t *Tracker) IsPending(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

// GetPending returns snapshots of entries matching the filter, oldest
// registration first.
func (t *Tracker) GetPending(f Filter) []Pending {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	out := make([]Pending, 0, len(t.pending))
	for _, e := range t.pending {
		if f.Sender != "" && e.reg.Sender != f.Sender {
			continue
		}
		if f.Recipient != "" && e.reg.Recipient != f.Recipient {
			continue
		}
		overdue := !e.deadline.IsZero() && now.After(e.deadline)
		if f.Overdue && !overdue {
			continue
		}
		out = append(out, Pending{
			MessageID:    e.reg.MessageID,
			Sender:       e.reg.Sender,
			Recipient:    e.reg.Recipient,
			RegisteredAt: e.registeredAt,
			Deadline:     e.deadline,
			Overdue:      overdue,
		})
	}
	sortPending(out)
	return out
}

func sortPending(items []Pending) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].RegisteredAt.Before(items[j-1].RegisteredAt); j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

// Stats returns current counters. TotalRegistered counts entries ever
// registered that are still pending or were acknowledged.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var overdue int
	for _, e := range t.pending {
		if !e.deadline.IsZero() && now.After(e.deadline) {
			overdue++
		}
	}
	return Stats{
		Pending:         len(t.pending),
		Overdue:         overdue,
		Acknowledged:    t.ackedCount,
		TotalRegistered: int64(len(t.pending)) + t.ackedCount,
	}
}

// Cancel drops a pending entry without acknowledging it. Returns false
// when the id is not tracked.
func (t *Tracker) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[id]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(t.pending, id)
	return true
}

// Clear drops every pending entry and resets counters.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	t.pending = make(map[string]*entry)
	t.acknowledged = make(map[string]time.Time)
	t.ackedCount = 0
}

// Close stops all timers. Further registrations fail with ErrNotRunning.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	t.closed = true
}
