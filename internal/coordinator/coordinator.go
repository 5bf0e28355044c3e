// Package coordinator wires persistence, queueing, acknowledgement
// tracking, worker liveness, claiming and dead-lettering behind one
// facade.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ptc/internal/ack"
	"ptc/internal/claim"
	"ptc/internal/config"
	"ptc/internal/deadletter"
	"ptc/internal/domain"
	"ptc/internal/id"
	"ptc/internal/queue"
	"ptc/internal/registry"
	"ptc/internal/retry"
	"ptc/internal/storage/sqlite"
)

// Handler processes one delivered message of a registered type.
type Handler func(ctx context.Context, msg *domain.Message) error

// Coordinator owns every component and exposes the messaging pipeline.
type Coordinator struct {
	cfg    *config.Config
	stores *sqlite.Stores

	queue       *queue.Queue
	acks        *ack.Tracker
	registry    *registry.Registry
	heartbeats  *registry.HeartbeatManager
	stale       *registry.StaleDetector
	claimer     *claim.Claimer
	reassigner  *claim.Reassigner
	deadletters *deadletter.Service
	policy      retry.Policy

	mu          sync.Mutex
	running     bool
	handlers    map[string]Handler
	retryTimers map[string]*time.Timer
}

// New opens the stores and assembles the components. archive may be nil.
func New(ctx context.Context, cfg *config.Config, source claim.TaskSource, archive deadletter.Archiver) (*Coordinator, error) {
	stores, err := sqlite.OpenAll(ctx, cfg.StoragePaths())
	if err != nil {
		return nil, fmt.Errorf("open stores: %w", err)
	}

	c := &Coordinator{
		cfg:         cfg,
		stores:      stores,
		acks:        ack.New(stores.Messages),
		registry:    registry.New(stores.Workers),
		policy:      cfg.RetryPolicy(),
		handlers:    make(map[string]Handler),
		retryTimers: make(map[string]*time.Timer),
	}
	c.queue = queue.New(
		queue.WithEscalationDelay(cfg.EscalationDelay()),
		queue.WithEscalationHandler(c.escalate),
	)
	c.heartbeats = registry.NewHeartbeatManager(c.registry.Heartbeat, cfg.HeartbeatInterval())
	c.stale = registry.NewStaleDetector(stores.Workers, cfg.StaleThreshold(), cfg.PollInterval(), c.onStaleWorker)
	c.claimer = claim.New(stores.Claims, source)
	c.reassigner = claim.NewReassigner(c.claimer)
	c.deadletters = deadletter.New(stores.DeadLetters, stores.Messages, archive)
	return c, nil
}

// Start warms caches and launches the background loops.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	if err := c.claimer.Initialize(ctx); err != nil {
		return err
	}
	c.heartbeats.StartAll()
	c.stale.Start()
	c.running = true
	slog.Info("coordinator started",
		"name", c.cfg.CoordinatorName, "namespace", c.cfg.Namespace)
	return nil
}

// Stop halts the background loops and pending timers. Stores stay open
// until Close.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return domain.ErrNotRunning
	}
	c.running = false
	timers := make([]*time.Timer, 0, len(c.retryTimers))
	for _, t := range c.retryTimers {
		timers = append(timers, t)
	}
	c.retryTimers = make(map[string]*time.Timer)
	c.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	c.stale.Stop()
	c.heartbeats.StopAll()
	slog.InfoContext(ctx, "coordinator stopped", "name", c.cfg.CoordinatorName)
	return nil
}

// Close releases every resource. The coordinator is unusable afterwards.
func (c *Coordinator) Close() error {
	c.heartbeats.Close()
	c.queue.Close()
	c.acks.Close()
	return c.stores.Close()
}

// Running reports the lifecycle state.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// RegisterHandler binds a message type to a handler. Handlers registered
// after Start apply to subsequent deliveries.
func (c *Coordinator) RegisterHandler(msgType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = h
}

// CreateMessage builds a canonical message without persisting it. An
// empty importance defaults to normal; an unknown one is rejected.
func (c *Coordinator) CreateMessage(msgType, sender, recipient string, payload json.RawMessage, importance domain.Importance, correlationID string) (*domain.Message, error) {
	if msgType == "" || sender == "" || recipient == "" {
		return nil, domain.ErrInvalidArgument
	}
	if importance == "" {
		importance = domain.ImportanceNormal
	}
	if !importance.Valid() {
		return nil, domain.ErrUnknownImportance
	}
	now := time.Now()
	return &domain.Message{
		ID:            id.NewMessageID(id.Options{Prefix: c.cfg.Namespace, Timestamp: true}),
		Type:          msgType,
		Version:       domain.MessageVersion,
		Timestamp:     now.UnixMilli(),
		Sender:        sender,
		Recipient:     recipient,
		Importance:    importance,
		Payload:       payload,
		CorrelationID: correlationID,
		Status:        domain.StatusPending,
	}, nil
}

// Send persists a message, enqueues it for delivery and registers the
// acknowledgement expectation.
func (c *Coordinator) Send(ctx context.Context, msg *domain.Message) error {
	if !c.Running() {
		return domain.ErrNotRunning
	}
	if msg == nil || msg.ID == "" {
		return domain.ErrInvalidArgument
	}
	if !msg.Importance.Valid() {
		return domain.ErrUnknownImportance
	}

	if err := c.stores.Messages.StoreOutgoing(ctx, msg); err != nil {
		return fmt.Errorf("persist message %s: %w", msg.ID, err)
	}
	if err := c.queue.Enqueue(msg); err != nil {
		return fmt.Errorf("enqueue message %s: %w", msg.ID, err)
	}
	if timeout := c.cfg.AckTimeout(); timeout > 0 {
		err := c.acks.Register(ack.Registration{
			MessageID: msg.ID,
			Sender:    msg.Sender,
			Recipient: msg.Recipient,
			Timeout:   timeout,
			OnTimeout: func(messageID string) {
				slog.Warn("message unacknowledged past deadline",
					"message_id", messageID, "recipient", msg.Recipient)
			},
		})
		if err != nil {
			slog.Error("failed to register acknowledgement", "message_id", msg.ID, "error", err)
		}
	}
	slog.Debug("message sent",
		"message_id", msg.ID, "type", msg.Type, "recipient", msg.Recipient,
		"importance", string(msg.Importance))
	return nil
}

// DeliverNext pops the next message addressed to the worker (or to the
// broadcast target), records the delivery and runs any registered
// handler. Returns nil when nothing is queued.
func (c *Coordinator) DeliverNext(ctx context.Context, workerID string) (*domain.Message, error) {
	if !c.Running() {
		return nil, domain.ErrNotRunning
	}
	msg := c.queue.DequeueFor(workerID)
	if msg == nil {
		return nil, nil
	}
	if err := c.stores.Messages.MarkDelivered(ctx, msg.ID); err != nil {
		slog.Error("failed to record delivery", "message_id", msg.ID, "error", err)
	}
	c.dispatch(ctx, msg)
	return msg, nil
}

// dispatch runs the handler registered for the message type. A handler
// error goes through the failure path; a panic is treated as an internal
// error and the message is dead-lettered defensively.
func (c *Coordinator) dispatch(ctx context.Context, msg *domain.Message) {
	c.mu.Lock()
	h, ok := c.handlers[msg.Type]
	c.mu.Unlock()
	if !ok {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panicked", "message_id", msg.ID, "type", msg.Type, "panic", r)
			if _, err := c.deadletters.Store(ctx, msg, fmt.Sprintf("handler panic: %v", r)); err != nil {
				slog.Error("failed to dead-letter after panic", "message_id", msg.ID, "error", err)
			}
		}
	}()
	if err := h(ctx, msg); err != nil {
		c.HandleFailure(ctx, msg, err)
	}
}

// Acknowledge resolves the acknowledgement owed for a delivered message.
func (c *Coordinator) Acknowledge(ctx context.Context, messageID, workerID string) error {
	if !c.Running() {
		return domain.ErrNotRunning
	}
	return c.acks.Acknowledge(ctx, messageID, workerID)
}

// HandleFailure records a delivery failure and either schedules a
// re-delivery with backoff or promotes the message to the dead-letter
// store once the retry budget is spent.
func (c *Coordinator) HandleFailure(ctx context.Context, msg *domain.Message, cause error) {
	reason := "unknown failure"
	if cause != nil {
		reason = cause.Error()
	}
	if err := c.stores.Messages.MarkFailed(ctx, msg.ID, reason); err != nil {
		slog.Error("failed to record failure", "message_id", msg.ID, "error", err)
	}

	// Retries already spent gate the decision; the requeue copy carries
	// the incremented count.
	if c.policy.ShouldRetry(msg.RetryCount) {
		delay := c.policy.Backoff(msg.RetryCount)
		msg.RetryCount++
		slog.Info("retry scheduled",
			"message_id", msg.ID, "attempt", msg.RetryCount, "delay", delay)
		requeue := *msg
		requeue.Status = domain.StatusPending

		c.mu.Lock()
		c.retryTimers[msg.ID] = time.AfterFunc(delay, func() {
			c.mu.Lock()
			delete(c.retryTimers, requeue.ID)
			c.mu.Unlock()
			if err := c.stores.Messages.MarkPending(context.Background(), requeue.ID); err != nil {
				slog.Error("failed to reset message for retry", "message_id", requeue.ID, "error", err)
			}
			if err := c.queue.Enqueue(&requeue); err != nil {
				slog.Error("failed to re-enqueue message", "message_id", requeue.ID, "error", err)
			}
		})
		c.mu.Unlock()
		return
	}

	if !c.cfg.DeadLetterEnabled {
		slog.Warn("retry budget exhausted, dead-lettering disabled", "message_id", msg.ID)
		return
	}
	if _, err := c.deadletters.Store(ctx, msg, reason); err != nil {
		slog.Error("failed to dead-letter message", "message_id", msg.ID, "error", err)
	}
}

// escalate broadcasts that a critical message sat queued past the
// escalation delay: every registered worker gets its own notice. The
// original message keeps its queue position.
func (c *Coordinator) escalate(msg *domain.Message) {
	ctx := context.Background()
	workers, err := c.registry.List(ctx, "")
	if err != nil {
		slog.Error("failed to list workers for escalation", "message_id", msg.ID, "error", err)
		return
	}
	payload, err := json.Marshal(map[string]any{
		"message_id": msg.ID,
		"type":       msg.Type,
		"recipient":  msg.Recipient,
	})
	if err != nil {
		slog.Error("failed to encode escalation payload", "message_id", msg.ID, "error", err)
		return
	}

	var notified int
	for _, w := range workers {
		if w.Status == domain.WorkerOffline {
			continue
		}
		notice, err := c.CreateMessage("critical_escalation", c.cfg.CoordinatorName,
			w.ID, payload, domain.ImportanceHigh, msg.ID)
		if err != nil {
			slog.Error("failed to build escalation notice",
				"message_id", msg.ID, "worker_id", w.ID, "error", err)
			continue
		}
		if err := c.Send(ctx, notice); err != nil {
			slog.Error("failed to send escalation notice",
				"message_id", msg.ID, "worker_id", w.ID, "error", err)
			continue
		}
		notified++
	}
	slog.Warn("critical message escalated",
		"message_id", msg.ID, "recipient", msg.Recipient, "workers_notified", notified)
}

// onStaleWorker returns the stale worker's claims to the pool.
func (c *Coordinator) onStaleWorker(ctx context.Context, w *domain.Worker) {
	entries, err := c.reassigner.ReassignFromWorker(ctx, w.ID, "worker stale")
	if err != nil {
		slog.Error("failed to reassign stale worker's tasks", "worker_id", w.ID, "error", err)
		return
	}
	if len(entries) > 0 {
		slog.Info("stale worker's tasks reassigned", "worker_id", w.ID, "tasks", len(entries))
	}
}

// Component accessors for callers composing on top of the facade.

func (c *Coordinator) Registry() *registry.Registry { return c.registry }

func (c *Coordinator) Heartbeats() *registry.HeartbeatManager { return c.heartbeats }

func (c *Coordinator) Claimer() *claim.Claimer { return c.claimer }

func (c *Coordinator) Reassigner() *claim.Reassigner { return c.reassigner }

func (c *Coordinator) DeadLetters() *deadletter.Service { return c.deadletters }

func (c *Coordinator) Messages() *sqlite.MessageStore { return c.stores.Messages }
