package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultHeartbeatInterval is how often a managed worker beats.
const DefaultHeartbeatInterval = 30 * time.Second

// HeartbeatFunc performs one heartbeat for a worker. Usually
// Registry.Heartbeat, but tests and remote workers substitute their own.
type HeartbeatFunc func(ctx context.Context, workerID string) error

// HeartbeatManager runs a background heartbeat loop per worker. A failed
// beat is logged and retried on the next tick, never fatal. The global
// running flag gates every beat: while paused, ticks are no-ops and the
// per-worker schedules stay in place.
type HeartbeatManager struct {
	mu       sync.Mutex
	interval time.Duration
	beat     HeartbeatFunc
	loops    map[string]context.CancelFunc
	running  bool
	wg       sync.WaitGroup
	closed   bool
}

// NewHeartbeatManager creates a manager. interval <= 0 uses the default.
func NewHeartbeatManager(beat HeartbeatFunc, interval time.Duration) *HeartbeatManager {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &HeartbeatManager{
		interval: interval,
		beat:     beat,
		loops:    make(map[string]context.CancelFunc),
	}
}

// Start begins heartbeating for a worker. The first beat fires
// immediately. Starting an already-managed worker is a no-op.
func (h *HeartbeatManager) Start(workerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if _, running := h.loops[workerID]; running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.loops[workerID] = cancel
	h.wg.Add(1)
	go h.run(ctx, workerID)
}

func (h *HeartbeatManager) run(ctx context.Context, workerID string) {
	defer h.wg.Done()

	h.beatOnce(ctx, workerID)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beatOnce(ctx, workerID)
		}
	}
}

func (h *HeartbeatManager) beatOnce(ctx context.Context, workerID string) {
	h.mu.Lock()
	paused := !h.running
	h.mu.Unlock()
	if paused {
		return
	}
	if err := h.beat(ctx, workerID); err != nil && ctx.Err() == nil {
		slog.Warn("heartbeat failed", "worker_id", workerID, "error", err)
	}
}

// StartAll enables beating globally. Schedules registered while paused
// begin emitting on their next tick.
func (h *HeartbeatManager) StartAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = true
}

// StopAll pauses beating globally without tearing down schedules.
func (h *HeartbeatManager) StopAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = false
}

// Running reports the global flag.
func (h *HeartbeatManager) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Stop halts heartbeating for one worker. Returns false when the worker
// was not being managed.
func (h *HeartbeatManager) Stop(workerID string) bool {
	h.mu.Lock()
	cancel, ok := h.loops[workerID]
	if ok {
		delete(h.loops, workerID)
	}
	h.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Managed returns the ids of workers currently heartbeating.
func (h *HeartbeatManager) Managed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.loops))
	for id := range h.loops {
		ids = append(ids, id)
	}
	return ids
}

// Close stops every loop and waits for them to exit.
func (h *HeartbeatManager) Close() {
	h.mu.Lock()
	h.closed = true
	cancels := make([]context.CancelFunc, 0, len(h.loops))
	for _, cancel := range h.loops {
		cancels = append(cancels, cancel)
	}
	h.loops = make(map[string]context.CancelFunc)
	h.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	h.wg.Wait()
}
