// Package queue implements the in-memory priority queue feeding message
// delivery: four FIFO buckets scanned highest priority first, with an
// escalation timer on every critical message.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"ptc/internal/domain"
)

// DefaultEscalationDelay is how long a critical message may sit queued
// before the escalation side-effect fires.
const DefaultEscalationDelay = 30 * time.Second

// EscalateFunc receives a critical message that sat in the queue past the
// escalation delay. Typically wired to a broadcast to all workers.
type EscalateFunc func(msg *domain.Message)

// Option configures a Queue.
type Option func(*Queue)

// WithEscalationDelay overrides the critical escalation delay. A value
// <= 0 disables escalation timers entirely.
func WithEscalationDelay(d time.Duration) Option {
	return func(q *Queue) { q.escalationDelay = d }
}

// WithEscalationHandler sets the escalation side-effect.
func WithEscalationHandler(fn EscalateFunc) Option {
	return func(q *Queue) { q.onEscalate = fn }
}

// Queue is a four-bucket priority queue. All methods are safe for
// concurrent use. Ordering: within a bucket strict FIFO by enqueue time;
// across buckets higher priority always dequeues first. The escalation
// side-effect never reorders the queue.
type Queue struct {
	mu              sync.Mutex
	buckets         [domain.PriorityCount][]*domain.Message
	escalations     map[string]*time.Timer
	processed       [domain.PriorityCount]int64
	enqueued        [domain.PriorityCount]int64
	escalationsHit  int64
	closed          bool
	escalationDelay time.Duration
	onEscalate      EscalateFunc

	enqueueMetric  metric.Int64Counter
	dequeueMetric  metric.Int64Counter
	escalateMetric metric.Int64Counter
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		escalations:     make(map[string]*time.Timer),
		escalationDelay: DefaultEscalationDelay,
	}
	for _, opt := range opts {
		opt(q)
	}

	meter := otel.Meter("ptc/queue")
	q.enqueueMetric, _ = meter.Int64Counter("ptc.queue.enqueued",
		metric.WithDescription("Messages enqueued, by priority"))
	q.dequeueMetric, _ = meter.Int64Counter("ptc.queue.dequeued",
		metric.WithDescription("Messages dequeued, by priority"))
	q.escalateMetric, _ = meter.Int64Counter("ptc.queue.escalations",
		metric.WithDescription("Critical escalation timers fired"))

	return q
}

// Enqueue pushes a message onto its priority bucket. Critical messages
// arm an escalation timer which is cancelled if the message is dequeued
// or removed first.
func (q *Queue) Enqueue(msg *domain.Message) error {
	if msg == nil || msg.ID == "" {
		return domain.ErrInvalidArgument
	}
	p := domain.PriorityFor(msg.Importance)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return domain.ErrNotRunning
	}

	q.buckets[p] = append(q.buckets[p], msg)
	q.enqueued[p]++
	q.enqueueMetric.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("priority", p.String())))

	if p == domain.PriorityCritical && q.escalationDelay > 0 && q.onEscalate != nil {
		id := msg.ID
		q.escalations[id] = time.AfterFunc(q.escalationDelay, func() {
			q.escalate(id)
		})
	}
	return nil
}

// escalate fires the escalation side-effect for a message still queued.
// The timer re-checks membership under the lock: a dequeue that raced the
// timer wins and the escalation is dropped.
func (q *Queue) escalate(id string) {
	q.mu.Lock()
	var msg *domain.Message
	if _, armed := q.escalations[id]; armed {
		delete(q.escalations, id)
		for _, m := range q.buckets[domain.PriorityCritical] {
			if m.ID == id {
				msg = m
				break
			}
		}
	}
	if msg != nil {
		q.escalationsHit++
	}
	q.mu.Unlock()

	if msg == nil {
		return
	}
	q.escalateMetric.Add(context.Background(), 1)
	slog.Warn("critical message escalated", "message_id", id, "delay", q.escalationDelay)
	q.onEscalate(msg)
}

// Dequeue returns the next message, scanning buckets from critical to
// low. Returns nil when every bucket is empty.
func (q *Queue) Dequeue() *domain.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := range domain.PriorityCount {
		bucket := q.buckets[p]
		if len(bucket) == 0 {
			continue
		}
		msg := bucket[0]
		q.buckets[p] = bucket[1:]
		q.processed[p]++
		q.cancelEscalationLocked(msg.ID)
		q.dequeueMetric.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("priority", domain.Priority(p).String())))
		return msg
	}
	return nil
}

// DequeueFor returns the next message addressed to recipient or to the
// broadcast target, preserving priority order and per-bucket FIFO among
// that recipient's messages. Returns nil when none is queued.
func (q *Queue) DequeueFor(recipient string) *domain.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := range domain.PriorityCount {
		for i, m := range q.buckets[p] {
			if m.Recipient != recipient && m.Recipient != domain.Broadcast {
				continue
			}
			q.buckets[p] = append(q.buckets[p][:i], q.buckets[p][i+1:]...)
			q.processed[p]++
			q.cancelEscalationLocked(m.ID)
			q.dequeueMetric.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("priority", domain.Priority(p).String())))
			return m
		}
	}
	return nil
}

// Peek returns the next message without removing it, or nil.
func (q *Queue) Peek() *domain.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := range domain.PriorityCount {
		if len(q.buckets[p]) > 0 {
			return q.buckets[p][0]
		}
	}
	return nil
}

// Lengths returns the current depth of each bucket.
func (q *Queue) Lengths() map[domain.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	lengths := make(map[domain.Priority]int, domain.PriorityCount)
	for p := range domain.PriorityCount {
		lengths[domain.Priority(p)] = len(q.buckets[p])
	}
	return lengths
}

// ByPriority returns a copy of one bucket's contents in queue order.
func (q *Queue) ByPriority(p domain.Priority) []*domain.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p < 0 || int(p) >= domain.PriorityCount {
		return nil
	}
	out := make([]*domain.Message, len(q.buckets[p]))
	copy(out, q.buckets[p])
	return out
}

// Remove deletes a message from whatever bucket holds it and cancels any
// escalation timer. Returns false when the id is not queued.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := range domain.PriorityCount {
		for i, m := range q.buckets[p] {
			if m.ID == id {
				q.buckets[p] = append(q.buckets[p][:i], q.buckets[p][i+1:]...)
				q.cancelEscalationLocked(id)
				return true
			}
		}
	}
	return false
}

// Clear drops one bucket, or every bucket when p is nil. Escalation
// timers for dropped messages are cancelled.
func (q *Queue) Clear(p *domain.Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p != nil {
		for _, m := range q.buckets[*p] {
			q.cancelEscalationLocked(m.ID)
		}
		q.buckets[*p] = nil
		return
	}
	for i := range domain.PriorityCount {
		for _, m := range q.buckets[i] {
			q.cancelEscalationLocked(m.ID)
		}
		q.buckets[i] = nil
	}
}

// IsEmpty reports whether every bucket is empty.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := range domain.PriorityCount {
		if len(q.buckets[p]) > 0 {
			return false
		}
	}
	return true
}

// Stats is a point-in-time queue summary.
type Stats struct {
	Depths     map[domain.Priority]int   `json:"depths"`
	Enqueued   map[domain.Priority]int64 `json:"enqueued"`
	Processed  map[domain.Priority]int64 `json:"processed"`
	Escalated  int64                     `json:"escalated"`
	TotalDepth int                       `json:"total_depth"`
}

// Stats returns counters and current depths.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Depths:    make(map[domain.Priority]int, domain.PriorityCount),
		Enqueued:  make(map[domain.Priority]int64, domain.PriorityCount),
		Processed: make(map[domain.Priority]int64, domain.PriorityCount),
		Escalated: q.escalationsHit,
	}
	for p := range domain.PriorityCount {
		s.Depths[domain.Priority(p)] = len(q.buckets[p])
		s.Enqueued[domain.Priority(p)] = q.enqueued[p]
		s.Processed[domain.Priority(p)] = q.processed[p]
		s.TotalDepth += len(q.buckets[p])
	}
	return s
}

// Close cancels all escalation timers and drops every bucket. Further
// Enqueue calls fail with ErrNotRunning.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id := range q.escalations {
		q.cancelEscalationLocked(id)
	}
	for i := range domain.PriorityCount {
		q.buckets[i] = nil
	}
	q.closed = true
}

func (q *Queue) cancelEscalationLocked(id string) {
	if timer, ok := q.escalations[id]; ok {
		timer.Stop()
		delete(q.escalations, id)
	}
}
