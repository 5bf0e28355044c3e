package coordinator

import (
	"context"
	"fmt"

	"ptc/internal/ack"
	"ptc/internal/claim"
	"ptc/internal/domain"
	"ptc/internal/queue"
	"ptc/internal/storage/sqlite"
)

// Status is the aggregated coordinator view.
type Status struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	Running   bool   `json:"running"`

	Workers  map[domain.WorkerStatus]int64 `json:"workers"`
	Messages *sqlite.MessageStats          `json:"messages"`
	Queue    queue.Stats                   `json:"queue"`
	Acks     ack.Stats                     `json:"acks"`
	Claims   map[domain.ClaimStatus]int64  `json:"claims"`
	Reassign claim.ReassignStats           `json:"reassignments"`
	Letters  *sqlite.DeadLetterStats       `json:"dead_letters"`

	Config StatusConfig `json:"config"`
}

// StatusConfig is the subset of configuration echoed in status output.
type StatusConfig struct {
	HeartbeatIntervalMS int  `json:"heartbeat_interval_ms"`
	StaleThresholdMS    int  `json:"stale_threshold_ms"`
	RetryMaxAttempts    int  `json:"retry_max_attempts"`
	AckTimeoutMS        int  `json:"ack_timeout_ms"`
	DeadLetterEnabled   bool `json:"dead_letter_enabled"`
}

// Status aggregates worker, message, queue, claim and dead-letter views
// in one snapshot.
func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	workers, err := c.registry.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("worker stats: %w", err)
	}
	messages, err := c.stores.Messages.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("message stats: %w", err)
	}
	claims, err := c.claimer.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim stats: %w", err)
	}
	letters, err := c.deadletters.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("dead letter stats: %w", err)
	}

	return &Status{
		Name:      c.cfg.CoordinatorName,
		Namespace: c.cfg.Namespace,
		Running:   c.Running(),
		Workers:   workers,
		Messages:  messages,
		Queue:     c.queue.Stats(),
		Acks:      c.acks.Stats(),
		Claims:    claims,
		Reassign:  c.reassigner.Stats(),
		Letters:   letters,
		Config: StatusConfig{
			HeartbeatIntervalMS: c.cfg.HeartbeatIntervalMS,
			StaleThresholdMS:    c.cfg.StaleThresholdMS,
			RetryMaxAttempts:    c.cfg.RetryMaxAttempts,
			AckTimeoutMS:        c.cfg.AckTimeoutMS,
			DeadLetterEnabled:   c.cfg.DeadLetterEnabled,
		},
	}, nil
}
