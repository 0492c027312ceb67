package store

import (
	"time"

	"github.com/rendis/fluxion/pkg/schema"
)

// TaskStatusUpdate carries a remote executor's status report for one state
// attempt, identified by (StateID, ExecutionVersion).
type TaskStatusUpdate struct {
	StateID          int64
	ExecutionVersion int64
	Status           schema.Status
	RetryAttempt     int64
	ErrorMessage     string
	Note             string
}

// RedriveEntry is one armed watchdog: the state will be redriven at RedriveAt
// unless the entry is deregistered first. Keyed by (machine, state); arming
// an already-armed state replaces the pending entry.
type RedriveEntry struct {
	StateMachineID   string    `json:"state_machine_id"`
	StateID          int64     `json:"state_id"`
	ExecutionVersion int64     `json:"execution_version"`
	RedriveAt        time.Time `json:"redrive_at"`
	CreatedAt        time.Time `json:"created_at"`
}
