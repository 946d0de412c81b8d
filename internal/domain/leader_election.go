package domain

import "context"

// LeaderElectionManager keeps a single dispatcher active across replicas.
type LeaderElectionManager interface {
	Campaign(ctx context.Context) (<-chan struct{}, error)
	Resign(ctx context.Context) error
	IsLeader() bool
}
