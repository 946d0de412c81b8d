package redis

// DeliveryGroup is the consumer group reading every worker's private log.
const DeliveryGroup = "gateway"

// Keys is the key layout of the coordination store.
type Keys struct {
	Prefix     string
	Backlog    string
	DeadLetter string
	Outcomes   string
}

// NewKeys builds the layout from the configured stream names and prefix.
func NewKeys(prefix, backlog, deadLetter, outcomes string) Keys {
	return Keys{Prefix: prefix, Backlog: backlog, DeadLetter: deadLetter, Outcomes: outcomes}
}

func (k Keys) AssignLog(workerID string) string { return k.Prefix + ":assign:" + workerID }
func (k Keys) Pending(workerID string) string { return k.Prefix + ":pending:" + workerID }
func (k Keys) PendingIndex() string { return k.Prefix + ":pending:index" }
func (k Keys) Assignment(taskID string) string { return k.Prefix + ":assignment:" + taskID }
func (k Keys) Claim(taskID string) string { return k.Prefix + ":claim:" + taskID }
func (k Keys) Outcome(taskID string) string { return k.Prefix + ":outcome:" + taskID }
func (k Keys) Inflight() string { return k.Prefix + ":inflight" }
func (k Keys) Capacity() string { return k.Prefix + ":capacity" }
func (k Keys) Cursor() string { return k.Prefix + ":cursor" }
func (k Keys) ActiveSet() string { return k.Prefix + ":verifiers:active" }
func (k Keys) Heartbeat(workerID string) string { return k.Prefix + ":verifier:" + workerID + ":hb" }
func (k Keys) Sessions() string { return k.Prefix + ":verifiers:sessions" }
