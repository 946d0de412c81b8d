// internal/domain/worker.go
package domain

import "time"

// RoleVerifier is the only credential role allowed to connect.
const RoleVerifier = "verifier"

// Worker is a reviewer that can receive assignments.
type Worker struct {
	ID              string    `json:"worker_id"`
	MaxConcurrency  int       `json:"max_concurrency"`
	InflightCount   int       `json:"inflight_count"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// HasCapacity reports whether the worker can accept another assignment.
func (w *Worker) HasCapacity() bool {
	max := w.MaxConcurrency
	if max <= 0 {
		max = 1
	}
	return w.InflightCount < max
}
