package store

import (
	"context"
	"time"

	"github.com/rendis/fluxion/pkg/schema"
)

// Store defines the persistence contract for the execution engine: the event
// ledger, the state ledger, the audit log, traversal paths and the redriver
// registry. All implementations must be safe for concurrent use. Every
// mutating method is its own atomic unit; composite methods exist where a
// single unit must span more than one mutation.
type Store interface {
	// State machines
	CreateStateMachine(ctx context.Context, sm *schema.StateMachine, paths []*schema.StateTraversalPath) error
	GetStateMachine(ctx context.Context, id string) (*schema.StateMachine, error)
	UpdateMachineStatus(ctx context.Context, id string, status schema.MachineStatus) error

	// Event ledger
	FindValidEvent(ctx context.Context, machineID, name string, executionVersion int64) (*schema.Event, error)
	FindTriggeredOrCancelledEventNames(ctx context.Context, machineID string) ([]string, error)
	FindValidReplayEventNames(ctx context.Context, machineID string) ([]string, error)
	FindEventsByNames(ctx context.Context, machineID string, names []string) ([]schema.VersionedEventData, error)
	FindEventsByName(ctx context.Context, machineID, name string) ([]*schema.Event, error)
	EventStatusSnapshot(ctx context.Context, machineID string) (map[string]schema.EventStatus, error)
	UpdateEvent(ctx context.Context, machineID string, ev *schema.Event) error
	MarkEventCancelled(ctx context.Context, machineID, name string) error
	DeleteInvalidEvents(ctx context.Context, machineID string, names []string) error

	// State ledger
	GetState(ctx context.Context, machineID string, stateID int64) (*schema.State, error)
	FindStateIDByDependentEvent(ctx context.Context, machineID, eventName string) (int64, error)
	GetStatesByIDs(ctx context.Context, machineID string, ids []int64) ([]*schema.State, error)
	UpdateStateStatus(ctx context.Context, machineID string, stateID int64, status schema.Status) error
	UpdateState(ctx context.Context, machineID string, state *schema.State) error
	IncrementRetryCount(ctx context.Context, machineID string, stateID int64) error
	UpdateReplayableRetries(ctx context.Context, machineID string, stateID int64, retries int16) error

	// Composite atomic units
	UpdateStatusWithAudit(ctx context.Context, machineID string, stateID int64, status schema.Status,
		retryAttempt int64, errorMessage string, executionVersion int64, note string) error
	// UpdateTaskStatusAndPersistEvent applies a status update and stores the
	// produced event in one transaction. Returns fenced=true, without writing
	// anything, when upd.ExecutionVersion is no longer the state's current
	// version.
	UpdateTaskStatusAndPersistEvent(ctx context.Context, machineID string, upd *TaskStatusUpdate, ev *schema.Event) (fenced bool, err error)
	CancelStateWithAudit(ctx context.Context, machineID string, state *schema.State, note string) error
	PersistReplayEvent(ctx context.Context, machineID string, data schema.EventData,
		pathStateIDs []int64, invalidEventNames []string, stateID int64) error

	// Audit log (append-only; the engine has no read path)
	AppendAudit(ctx context.Context, machineID string, rec *schema.AuditRecord) error

	// Traversal paths
	GetTraversalPath(ctx context.Context, machineID string, stateID int64) (*schema.StateTraversalPath, error)

	// Redriver registry
	RegisterRedrive(ctx context.Context, entry *RedriveEntry) error
	DeregisterRedrive(ctx context.Context, machineID string, stateID, executionVersion int64) error
	ListDueRedrives(ctx context.Context, now time.Time, limit int) ([]*RedriveEntry, error)

	// Maintenance
	Migrate(ctx context.Context) error
	// PurgeInvalidEvents deletes invalid event rows not touched since cutoff,
	// across all machines. Returns the number of rows removed.
	PurgeInvalidEvents(ctx context.Context, cutoff time.Time) (int64, error)
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
