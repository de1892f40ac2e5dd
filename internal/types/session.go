package types

import "time"

// SessionState is the kernel session lifecycle state.
type SessionState string

const (
	StateStarting    SessionState = "starting"
	StateIdle        SessionState = "idle"
	StateExecuting   SessionState = "executing"
	StateTerminating SessionState = "terminating"
	StateDead        SessionState = "dead"
)

// SessionSummary is the read-only view returned by list operations.
type SessionSummary struct {
	ID           string       `json:"id"`
	State        SessionState `json:"state"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActivity time.Time    `json:"last_activity"`
	Executions   int64        `json:"execution_count"`
}
