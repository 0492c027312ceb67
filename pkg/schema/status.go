package schema

// Status is the lifecycle state of a State (one node of the execution graph).
// A single status enum is used end-to-end; there is no parallel
// transport-layer status that needs translating.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusErrored     Status = "errored"
	StatusSidelined   Status = "sidelined"
	StatusUnsidelined Status = "unsidelined"
	StatusInvalid     Status = "invalid"
)

// IsTerminal reports whether a state in this status must never be dispatched
// again. Checked defensively right before every dispatch.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusInvalid
}

// IsRedrivable reports whether a stalled state in this status may be picked
// up by the redriver. Sidelined states need an explicit unsideline first.
func (s Status) IsRedrivable() bool {
	return !(s == StatusCompleted || s == StatusSidelined || s == StatusCancelled)
}

// CanUnsideline reports whether an operator may re-arm a state in this status.
func (s Status) CanUnsideline() bool {
	return s == StatusInitialized || s == StatusSidelined ||
		s == StatusErrored || s == StatusUnsidelined
}

// EventStatus is the lifecycle state of an Event row.
type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventTriggered EventStatus = "triggered"
	EventCancelled EventStatus = "cancelled"
	EventInvalid   EventStatus = "invalid"
)

// MachineStatus is the lifecycle state of a whole state machine.
type MachineStatus string

const (
	MachineRunning   MachineStatus = "running"
	MachineCancelled MachineStatus = "cancelled"
)

// ValidStatusTransitions documents the allowed state status transitions.
// The controller does not hard-reject rows outside this table (the remote
// executor owns part of the lifecycle) but uses it for audit warnings and
// for exhaustive tests that new statuses cannot silently fall through.
var ValidStatusTransitions = map[Status][]Status{
	StatusInitialized: {StatusRunning, StatusCancelled, StatusUnsidelined, StatusInvalid},
	StatusRunning:     {StatusCompleted, StatusErrored, StatusCancelled, StatusInvalid},
	StatusErrored:     {StatusRunning, StatusSidelined, StatusUnsidelined, StatusCancelled, StatusInitialized, StatusInvalid},
	StatusSidelined:   {StatusUnsidelined, StatusCancelled, StatusInitialized, StatusInvalid},
	StatusUnsidelined: {StatusRunning, StatusCancelled, StatusInvalid},
	StatusCompleted:   {StatusInitialized, StatusInvalid}, // replay resets a completed state
	StatusCancelled:   {},
	StatusInvalid:     {},
}

// IsValidTransition reports whether from -> to appears in the transition table.
func IsValidTransition(from, to Status) bool {
	for _, allowed := range ValidStatusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
