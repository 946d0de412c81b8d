// internal/domain/errors.go
package domain

import "errors"

var (
	// ErrAlreadyClaimed is returned when the exclusive claim marker for a task is held.
	ErrAlreadyClaimed = errors.New("task already claimed")
	// ErrAtCapacity is returned when a worker's inflight count reached its max concurrency.
	ErrAtCapacity = errors.New("worker at capacity")
	// ErrUnknownAssignment is returned when no live assignment matches an ack.
	ErrUnknownAssignment = errors.New("no live assignment for task")
	// ErrNoWorkers is returned when no worker is active.
	ErrNoWorkers = errors.New("no active workers")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrWrongRole         = errors.New("credential role is not verifier")
)
