package schema

// StateMachineDefinition is the JSON submission format for a new state
// machine. It is validated (schema + semantics) and then materialized into a
// StateMachine with pending event rows and precomputed traversal paths.
type StateMachineDefinition struct {
	Name          string            `json:"name" yaml:"name"`
	Version       int64             `json:"version" yaml:"version"`
	Description   string            `json:"description,omitempty" yaml:"description,omitempty"`
	ClientFleetID string            `json:"client_fleet_id" yaml:"client_fleet_id"`
	States        []StateDefinition `json:"states" yaml:"states"`
}

// StateDefinition describes one state of a submitted machine.
type StateDefinition struct {
	Name         string           `json:"name" yaml:"name"`
	Task         string           `json:"task" yaml:"task"`
	Dependencies []string         `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	OutputEvent  *EventDefinition `json:"output_event,omitempty" yaml:"output_event,omitempty"`
	RetryCount   int64            `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	Timeout      int64            `json:"timeout,omitempty" yaml:"timeout,omitempty"` // milliseconds
	Replayable   bool             `json:"replayable,omitempty" yaml:"replayable,omitempty"`
}
