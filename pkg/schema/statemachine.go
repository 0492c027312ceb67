package schema

import (
	"encoding/json"
	"time"
)

// StateMachine is a submitted workflow instance: a fixed set of states whose
// readiness is gated by named events. The state set never changes after
// creation; only state rows mutate.
type StateMachine struct {
	ID            string        `json:"id"`
	Version       int64         `json:"version"`
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	Status        MachineStatus `json:"status"`
	ClientFleetID string        `json:"client_fleet_id"` // routing handle for the remote executor fleet
	States        []*State      `json:"states"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// State is one node of the execution graph.
type State struct {
	ID               int64    `json:"id"`
	StateMachineID   string   `json:"state_machine_id"`
	Name             string   `json:"name"`
	Task             string   `json:"task"`
	Dependencies     []string `json:"dependencies"` // event names gating this state
	OutputEvent      string   `json:"output_event,omitempty"` // serialized EventDefinition, emitted on completion
	RetryCount       int64    `json:"retry_count"` // configured retry budget
	Timeout          int64    `json:"timeout"`     // per-attempt timeout in milliseconds
	Status           Status   `json:"status"`
	ExecutionVersion int64    `json:"execution_version"`
	AttemptedRetries int64    `json:"attempted_retries"`
	Replayable       bool     `json:"replayable"`
	// AttemptedReplayableRetries counts replay-driven attempts; tracked
	// separately from ordinary retries and zeroed on every replay.
	AttemptedReplayableRetries int16 `json:"attempted_replayable_retries"`
}

// DependencySatisfied reports whether every dependency event name of the
// state is present in the given set of received event names.
func (s *State) DependencySatisfied(received map[string]struct{}) bool {
	for _, dep := range s.Dependencies {
		if _, ok := received[dep]; !ok {
			return false
		}
	}
	return true
}

// Event is a named, versioned signal. Exactly one non-invalid row exists per
// (machine, name, execution version); superseded rows are marked invalid
// rather than deleted, preserving audit history.
type Event struct {
	ID               int64           `json:"id"`
	StateMachineID   string          `json:"state_machine_id"`
	Name             string          `json:"name"`
	Type             string          `json:"type,omitempty"`
	Status           EventStatus     `json:"status"`
	ExecutionVersion int64           `json:"execution_version"`
	Data             json.RawMessage `json:"data,omitempty"`
	Source           string          `json:"source,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// EventTypeReplay marks replay events. A valid replay event satisfies a
// dependency by its mere validity; its trigger status is not consulted.
const EventTypeReplay = "replay"

// EventDefinition is the declared shape of a state's output event, stored
// serialized on the owning state.
type EventDefinition struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
}

// ParseEventDefinition deserializes a state's output-event definition.
// A malformed definition is a data-corruption error, surfaced loudly.
func ParseEventDefinition(raw string) (*EventDefinition, error) {
	var def EventDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return nil, NewErrorf(ErrCodeSerialization,
			"malformed output event definition: %s", err.Error()).WithCause(err)
	}
	if def.Name == "" {
		return nil, NewError(ErrCodeSerialization, "output event definition has no name")
	}
	return &def, nil
}

// StateTraversalPath lists the state ids topologically downstream of a
// replayable state. Computed once at machine creation, read-only afterwards.
type StateTraversalPath struct {
	StateMachineID      string  `json:"state_machine_id"`
	StateID             int64   `json:"state_id"`
	NextDependentStates []int64 `json:"next_dependent_states"`
}

// AuditRecord is an immutable, append-only record of a status change.
type AuditRecord struct {
	ID               int64     `json:"id"`
	StateMachineID   string    `json:"state_machine_id"`
	StateID          int64     `json:"state_id"`
	RetryAttempt     int64     `json:"retry_attempt"`
	Status           Status    `json:"status,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	ExecutionVersion int64     `json:"execution_version"`
	Note             string    `json:"note,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// DependentEventsCancelled is the audit note written when a state is
// cancelled because every one of its dependency events was cancelled.
const DependentEventsCancelled = "dependent events cancellation"
