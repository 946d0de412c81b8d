// internal/domain/assignment.go
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskState is the lifecycle state of a task id.
type TaskState string

const (
	TaskStateUnassigned   TaskState = "unassigned"
	TaskStateAssigned     TaskState = "assigned"
	TaskStateAcknowledged TaskState = "acknowledged"
	TaskStateDeadLettered TaskState = "dead_lettered"
)

// Assignment binds a task to a worker until it is acknowledged or reclaimed.
type Assignment struct {
	TaskID          string          `json:"task_id"`
	WorkerID        string          `json:"worker_id"`
	Payload         json.RawMessage `json:"payload"`
	AssignedAt      time.Time       `json:"assigned_at"`
	RetryCount      int             `json:"retry_count"`
	BacklogPosition string          `json:"source_backlog_position"`
	// DeliveryID is the entry id in the worker's private assignment log.
	DeliveryID string `json:"delivery_id,omitempty"`
}

// Deadline returns the instant after which the assignment is eligible for reclaim.
func (a *Assignment) Deadline(visibility time.Duration) time.Time {
	return a.AssignedAt.Add(visibility)
}

// AckStatus is the verdict a worker reports for an assignment.
type AckStatus string

const (
	AckVerified AckStatus = "verified"
	AckRejected AckStatus = "rejected"
	// AckReleased hands the task back without a verdict.
	AckReleased AckStatus = "released"
)

// ParseAckStatus validates a wire status value.
func ParseAckStatus(s string) (AckStatus, error) {
	switch AckStatus(s) {
	case AckVerified, AckRejected, AckReleased:
		return AckStatus(s), nil
	}
	return "", fmt.Errorf("invalid ack status: %q", s)
}

// Outcome is the marker persisted on acknowledgement for the external outcome store.
type Outcome struct {
	TaskID   string    `json:"task_id"`
	WorkerID string    `json:"worker_id"`
	Status   AckStatus `json:"status"`
	Note     string    `json:"note,omitempty"`
	AckedAt  time.Time `json:"acked_at"`
}

// DeadLetter is the terminal record of a task that exhausted its retries.
type DeadLetter struct {
	TaskID       string          `json:"task_id"`
	LastWorkerID string          `json:"last_worker_id"`
	Reason       string          `json:"reason"`
	RetryCount   int             `json:"retry_count"`
	RecordedAt   time.Time       `json:"recorded_at"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}
