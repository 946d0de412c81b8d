// internal/gateway/protocol.go
package gateway

import (
	"encoding/json"

	"github.com/coder/websocket"
)

// Close codes sent when a connection is refused or terminated.
const (
	CloseNormal             = websocket.StatusNormalClosure
	CloseMissingCredential  = websocket.StatusCode(4401)
	CloseInvalidCredential  = websocket.StatusCode(4403)
	CloseHeartbeatTimeout   = websocket.StatusCode(4408)
	CloseCapacityExceeded   = websocket.StatusCode(4429)
	CloseServerShuttingDown = websocket.StatusGoingAway
)

// Message kinds.
const (
	KindInfo        = "info"
	KindAssign      = "assign"
	KindHeartbeat   = "heartbeat"
	KindAck         = "ack"
	KindRequestMore = "request_more"
)

// InfoMessage is the welcome sent right after a connection is accepted.
type InfoMessage struct {
	Type                string `json:"type"`
	WorkerID            string `json:"worker_id"`
	HeartbeatIntervalMs int64  `json:"heartbeat_interval_ms"`
	HeartbeatTTLMs      int64  `json:"heartbeat_ttl_ms"`
	VisibilityTimeoutMs int64  `json:"visibility_timeout_ms"`
	MaxConcurrency      int    `json:"max_concurrency"`
}

// AssignMessage delivers one assignment. DeadlineMs and AssignedAt are unix milliseconds.
type AssignMessage struct {
	Type       string          `json:"type"`
	AnnID      string          `json:"ann_id"`
	Payload    json.RawMessage `json:"payload"`
	DeadlineMs int64           `json:"deadline_ms"`
	AssignedAt int64           `json:"assigned_at"`
	RetryCount int             `json:"retry_count"`
}

// inbound is decoded first to route a worker message by kind.
type inbound struct {
	Type string `json:"type"`
}

// AckMessage is a worker's verdict on an assignment.
type AckMessage struct {
	Type   string `json:"type"`
	AnnID  string `json:"ann_id" validate:"required,max=256"`
	Status string `json:"status" validate:"required,oneof=verified rejected released"`
	Note   string `json:"note,omitempty" validate:"max=4096"`
}
