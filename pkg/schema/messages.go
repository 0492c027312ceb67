package schema

import "encoding/json"

// VersionedEventData is the wire payload of an inbound event post.
type VersionedEventData struct {
	Name             string          `json:"name"`
	Type             string          `json:"type,omitempty"`
	Data             json.RawMessage `json:"data,omitempty"`
	Source           string          `json:"source,omitempty"`
	ExecutionVersion int64           `json:"execution_version"`
	Cancelled        bool            `json:"cancelled,omitempty"`
}

// EventData is the unversioned payload used for replay events; the engine
// assigns the execution version when persisting.
type EventData struct {
	Name   string          `json:"name"`
	Type   string          `json:"type,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Source string          `json:"source,omitempty"`
}

// ExecutionUpdateData is a remote executor's report of a task's progress,
// carried alongside an event post or a cancellation.
type ExecutionUpdateData struct {
	StateMachineName     string `json:"state_machine_name,omitempty"`
	TaskID               int64  `json:"task_id"`
	TaskName             string `json:"task_name,omitempty"`
	TaskExecutionVersion int64  `json:"task_execution_version"`
	Status               Status `json:"status"`
	RetryCount           int64  `json:"retry_count"`
	CurrentRetryCount    int64  `json:"current_retry_count"`
	ErrorMessage         string `json:"error_message,omitempty"`
	DeleteFromRedriver   bool   `json:"delete_from_redriver,omitempty"`
	DependentAuditEvents string `json:"dependent_audit_events,omitempty"`
}

// EventAndExecutionData pairs an event post with the task status update that
// produced it; both are persisted in a single atomic unit.
type EventAndExecutionData struct {
	VersionedEventData  VersionedEventData  `json:"versioned_event_data"`
	ExecutionUpdateData ExecutionUpdateData `json:"execution_update_data"`
}

// TaskExecutionMessage is the execution request delivered to a remote
// executor. Executors must treat delivery as at-least-once per
// (state, execution version).
type TaskExecutionMessage struct {
	RouterName         string               `json:"router_name"`
	StateName          string               `json:"state_name"`
	Task               string               `json:"task"`
	StateID            int64                `json:"state_id"`
	ExecutionVersion   int64                `json:"execution_version"`
	Events             []VersionedEventData `json:"events,omitempty"`
	StateMachineID     string               `json:"state_machine_id"`
	StateMachineName   string               `json:"state_machine_name"`
	OutputEvent        string               `json:"output_event,omitempty"`
	RetryCount         int64                `json:"retry_count"`
	AttemptedRetries   int64                `json:"attempted_retries"`
	FirstTimeExecution bool                 `json:"first_time_execution,omitempty"`
}
