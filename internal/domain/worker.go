package domain

import "time"

// WorkerStatus tracks worker liveness.
// Transitions: active -> stale (detector), stale -> active (heartbeat),
// any -> offline (explicit unregister).
type WorkerStatus string

const (
	WorkerActive  WorkerStatus = "active"
	WorkerStale   WorkerStatus = "stale"
	WorkerOffline WorkerStatus = "offline"
)

// Worker is a registered worker process.
type Worker struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	PID           int          `json:"pid"`
	Capabilities  []string     `json:"capabilities"`
	Status        WorkerStatus `json:"status"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

// HeartbeatAge returns how long ago the worker last heartbeat, as of now.
func (w *Worker) HeartbeatAge(now time.Time) time.Duration {
	return now.Sub(w.LastHeartbeat)
}
