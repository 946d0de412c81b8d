// internal/domain/task.go
package domain

import (
	"encoding/json"
	"time"
)

// Source tags where a backlog entry came from.
type Source string

const (
	SourceTap     Source = "tap"
	SourceRequeue Source = "requeue"
)

// Task is a unit of human-review work awaiting assignment.
type Task struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Source     Source          `json:"source_tag"`
	RetryCount int             `json:"retry_count"`
}

// BacklogEntry is a Task at a given position of the backlog log.
// Position is the log entry id, distinct from the task id.
type BacklogEntry struct {
	Position string `json:"position"`
	Task     Task   `json:"task"`
}
