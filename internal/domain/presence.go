// internal/domain/presence.go
package domain

import "context"

// Presence tracks which workers are reachable. sessionID identifies one
// connection of the worker; the most recent Register owns the entry.
type Presence interface {
	Register(ctx context.Context, workerID, sessionID string, maxConcurrency int) error
	Heartbeat(ctx context.Context, workerID, sessionID string) error
	// Deregister removes the worker only while sessionID still owns it.
	Deregister(ctx context.Context, workerID, sessionID string) error
	// ListActive returns the sorted ids of workers whose heartbeat has not expired.
	ListActive(ctx context.Context) ([]string, error)
	// Signal publishes a rebalance hint.
	Signal(ctx context.Context, reason string) error
}
