package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/fluxion/internal/logging"
	"github.com/rendis/fluxion/internal/metrics"
	"github.com/rendis/fluxion/internal/store"
	"github.com/rendis/fluxion/pkg/schema"
)

// Dispatcher delivers an execution request to the remote executor fleet
// identified by fleetID. It reports only whether the fleet accepted the
// request; a non-accept is a transient condition covered by the redriver,
// never retried inline.
type Dispatcher interface {
	Dispatch(ctx context.Context, fleetID string, msg *schema.TaskExecutionMessage) bool
}

// RedriveRegistry arms and disarms the stalled-task watchdog. The registry
// fires RedriveTask back into the controller after the delay elapses,
// at-least-once.
type RedriveRegistry interface {
	Register(ctx context.Context, machineID string, stateID int64, delay time.Duration, executionVersion int64) error
	Deregister(ctx context.Context, machineID string, stateID, executionVersion int64) error
}

// Controller drives the execution flow of state machines: it ingests events,
// computes the runnable frontier from the dependency graph, dispatches ready
// states and keeps the watchdog armed for every dispatched state.
//
// Controller methods are invoked concurrently by event submissions, executor
// callbacks and watchdog sweeps. There is no per-machine lock; execution
// version fencing is the sole concurrency primitive. A stale version is an
// expected race and a silent no-op, never an error.
type Controller struct {
	store    store.Store
	dispatch Dispatcher
	redriver RedriveRegistry
	meter    *metrics.Client
	logger   *slog.Logger
	backoff  BackoffConfig
}

// NewController wires a Controller.
func NewController(s store.Store, d Dispatcher, r RedriveRegistry, m *metrics.Client, logger *slog.Logger, backoff BackoffConfig) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{store: s, dispatch: d, redriver: r, meter: m, logger: logger, backoff: backoff}
}

// Machine loads a state machine with its states.
func (c *Controller) Machine(ctx context.Context, id string) (*schema.StateMachine, error) {
	return c.store.GetStateMachine(ctx, id)
}

// InitAndStart computes the initial runnable frontier of a freshly created
// (or restarted) state machine and dispatches it. Events already on record as
// triggered or cancelled count toward dependency satisfaction, so a machine
// resumed mid-flight picks up where it left off.
func (c *Controller) InitAndStart(ctx context.Context, sm *schema.StateMachine) ([]*schema.State, error) {
	ctx = logging.WithMachineID(ctx, sm.ID)

	names, err := c.store.FindTriggeredOrCancelledEventNames(ctx, sm.ID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load received events: %s", err.Error()).WithCause(err)
	}

	initial := NewContext(sm).InitialStates(nameSet(names))
	c.executeStates(ctx, sm, initial, nil, false)
	return initial, nil
}

// PostEvent persists an inbound event and schedules every state the event
// unblocks. An event arriving with cancelled status unblocks nothing: it
// roots a path cancellation instead. Returns the executable set for
// observability.
func (c *Controller) PostEvent(ctx context.Context, machineID string, data schema.VersionedEventData) ([]*schema.State, error) {
	ctx = logging.WithMachineID(ctx, machineID)

	if data.Cancelled {
		return nil, c.HandlePathCancellation(ctx, machineID, data)
	}

	event, err := c.PersistEvent(ctx, machineID, data)
	if err != nil {
		return nil, err
	}
	return c.ProcessEvent(ctx, machineID, event)
}

// UpdateTaskStatusAndPostEvent persists a task status update and the event it
// produced in a single atomic unit, then schedules unblocked states.
func (c *Controller) UpdateTaskStatusAndPostEvent(ctx context.Context, machineID string, data schema.EventAndExecutionData) ([]*schema.State, error) {
	ctx = logging.WithMachineID(ctx, machineID)

	event, err := c.updateTaskStatusAndPersistEvent(ctx, machineID, data)
	if err != nil {
		return nil, err
	}
	return c.ProcessEvent(ctx, machineID, event)
}

func (c *Controller) updateTaskStatusAndPersistEvent(ctx context.Context, machineID string, data schema.EventAndExecutionData) (*schema.Event, error) {
	upd := data.ExecutionUpdateData
	event, err := c.resolveEventRow(ctx, machineID, data.VersionedEventData)
	if err != nil {
		return nil, err
	}

	c.meter.MarkTaskStatus(upd.StateMachineName, upd.TaskName, upd.Status)

	fenced, err := c.store.UpdateTaskStatusAndPersistEvent(ctx, machineID, &store.TaskStatusUpdate{
		StateID:          upd.TaskID,
		ExecutionVersion: upd.TaskExecutionVersion,
		Status:           upd.Status,
		RetryAttempt:     upd.CurrentRetryCount,
		ErrorMessage:     upd.ErrorMessage,
		Note:             upd.DependentAuditEvents,
	}, event)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "update task and persist event: %s", err.Error()).WithCause(err)
	}
	if fenced || upd.DeleteFromRedriver {
		if fenced {
			c.logger.InfoContext(ctx, "stale execution version, task status update denied",
				slog.Int64("state_id", upd.TaskID),
				slog.Int64("execution_version", upd.TaskExecutionVersion))
		}
		_ = c.redriver.Deregister(ctx, machineID, upd.TaskID, upd.TaskExecutionVersion)
	}
	return event, nil
}

// PersistEvent resolves the valid event row for (machine, name, execution
// version), flips it to triggered (or cancelled when the payload says so) and
// stores the payload. A missing row is caller misuse: IllegalEvent.
func (c *Controller) PersistEvent(ctx context.Context, machineID string, data schema.VersionedEventData) (*schema.Event, error) {
	event, err := c.resolveEventRow(ctx, machineID, data)
	if err != nil {
		return nil, err
	}
	if err := c.store.UpdateEvent(ctx, machineID, event); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "persist event %q: %s", data.Name, err.Error()).WithCause(err)
	}
	c.logger.DebugContext(ctx, "persisted event",
		slog.String("event", data.Name),
		slog.Int64("execution_version", data.ExecutionVersion))
	return event, nil
}

func (c *Controller) resolveEventRow(ctx context.Context, machineID string, data schema.VersionedEventData) (*schema.Event, error) {
	event, err := c.store.FindValidEvent(ctx, machineID, data.Name, data.ExecutionVersion)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "find event %q: %s", data.Name, err.Error()).WithCause(err)
	}
	if event == nil {
		return nil, schema.NewErrorf(schema.ErrCodeIllegalEvent,
			"event %q with execution version %d not found for machine %s",
			data.Name, data.ExecutionVersion, machineID)
	}
	if data.Cancelled {
		event.Status = schema.EventCancelled
	} else {
		event.Status = schema.EventTriggered
	}
	event.Data = data.Data
	event.Source = data.Source
	return event, nil
}

// ProcessEvent computes the states depending on the event, filters them to
// the executable set and dispatches it. Two racing calls that each complete a
// state's dependency set may both judge it executable; dispatch is
// at-least-once by contract and executors must be idempotent per execution
// version.
func (c *Controller) ProcessEvent(ctx context.Context, machineID string, event *schema.Event) ([]*schema.State, error) {
	sm, err := c.store.GetStateMachine(ctx, machineID)
	if err != nil {
		return nil, err
	}

	dependants := NewContext(sm).DependantStates(event.Name)
	executable, err := c.executableStates(ctx, machineID, dependants)
	if err != nil {
		return nil, err
	}
	c.logger.DebugContext(ctx, "event unblocked states",
		slog.String("event", event.Name),
		slog.Int("dependants", len(dependants)),
		slog.Int("executable", len(executable)))

	c.executeStates(ctx, sm, executable, event, false)
	return executable, nil
}

// executableStates filters dependants to those whose every dependency name is
// triggered, cancelled, or covered by a valid replay event. Replay events are
// optional dependencies: their validity alone satisfies, regardless of
// trigger status.
func (c *Controller) executableStates(ctx context.Context, machineID string, dependants []*schema.State) ([]*schema.State, error) {
	names, err := c.store.FindTriggeredOrCancelledEventNames(ctx, machineID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load received events: %s", err.Error()).WithCause(err)
	}
	replays, err := c.store.FindValidReplayEventNames(ctx, machineID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load replay events: %s", err.Error()).WithCause(err)
	}

	received := nameSet(names)
	for _, r := range replays {
		received[r] = struct{}{}
	}

	var executable []*schema.State
	for _, st := range dependants {
		if st.DependencySatisfied(received) {
			executable = append(executable, st)
		}
	}
	return executable, nil
}

// executeStates dispatches each state to its remote executor fleet and arms
// the watchdog. States already in a terminal status are skipped; readiness
// was computed against a possibly stale snapshot, so this is re-checked right
// before sending. currentEvent, when the state's only dependency, supplies
// the payload from memory instead of a ledger re-read.
func (c *Controller) executeStates(ctx context.Context, sm *schema.StateMachine, states []*schema.State, currentEvent *schema.Event, redriveTriggered bool) {
	for _, st := range states {
		sctx := logging.WithStateID(ctx, st.ID)

		if st.Status.IsTerminal() {
			c.logger.InfoContext(sctx, "execution request discarded, state is terminal",
				slog.String("status", string(st.Status)),
				slog.Int64("execution_version", st.ExecutionVersion))
			continue
		}

		events, err := c.dependencyEventData(sctx, sm.ID, st, currentEvent)
		if err != nil {
			c.logger.ErrorContext(sctx, "failed to load dependency event data", slog.String("error", err.Error()))
			continue
		}

		msg := &schema.TaskExecutionMessage{
			RouterName:       routerName(st.Task),
			StateName:        st.Name,
			Task:             st.Task,
			StateID:          st.ID,
			ExecutionVersion: st.ExecutionVersion,
			Events:           events,
			StateMachineID:   sm.ID,
			StateMachineName: sm.Name,
			OutputEvent:      st.OutputEvent,
			RetryCount:       st.RetryCount,
			AttemptedRetries: st.AttemptedRetries,
		}
		if st.Status == schema.StatusInitialized || st.Status == schema.StatusUnsidelined {
			msg.FirstTimeExecution = true
		}

		// The watchdog must fire strictly after the executor's own retry
		// ladder would have exhausted. A redrive that finds the state still
		// initialized re-arms with the fixed ceiling instead, so the interval
		// cannot grow without the state ever starting.
		var interval time.Duration
		if redriveTriggered && st.Status == schema.StatusInitialized {
			interval = c.backoff.CeilingInterval()
		} else {
			interval = c.backoff.RedriveInterval(st.RetryCount, st.Timeout)
		}
		if err := c.redriver.Register(sctx, sm.ID, st.ID, interval, st.ExecutionVersion); err != nil {
			c.logger.ErrorContext(sctx, "failed to arm watchdog", slog.String("error", err.Error()))
		} else {
			c.logger.InfoContext(sctx, "armed watchdog for state",
				slog.Int64("execution_version", st.ExecutionVersion),
				slog.Duration("interval", interval))
		}

		start := time.Now()
		accepted := c.dispatch.Dispatch(sctx, sm.ClientFleetID, msg)
		c.meter.MarkDispatch(accepted)
		if accepted {
			c.logger.InfoContext(sctx, "forwarded execution request",
				slog.Int64("execution_version", st.ExecutionVersion),
				slog.Duration("took", time.Since(start)))
		} else {
			c.logger.ErrorContext(sctx, "execution request rejected, redriver will retry",
				slog.Int64("execution_version", st.ExecutionVersion),
				slog.Duration("redrive_in", interval))
		}
	}
}

func (c *Controller) dependencyEventData(ctx context.Context, machineID string, st *schema.State, currentEvent *schema.Event) ([]schema.VersionedEventData, error) {
	// Single dependency and it is the event that triggered this call: take
	// the payload from memory instead of re-reading the ledger.
	if currentEvent != nil && len(st.Dependencies) == 1 && st.Dependencies[0] == currentEvent.Name {
		return []schema.VersionedEventData{{
			Name:             currentEvent.Name,
			Type:             currentEvent.Type,
			Data:             currentEvent.Data,
			Source:           currentEvent.Source,
			ExecutionVersion: currentEvent.ExecutionVersion,
		}}, nil
	}
	return c.store.FindEventsByNames(ctx, machineID, st.Dependencies)
}

// UpdateTaskStatus applies a remote executor's status report, version-fenced.
func (c *Controller) UpdateTaskStatus(ctx context.Context, machineID string, upd schema.ExecutionUpdateData) error {
	ctx = logging.WithMachineID(ctx, machineID)
	c.meter.MarkTaskStatus(upd.StateMachineName, upd.TaskName, upd.Status)
	return c.UpdateExecutionStatus(ctx, machineID, upd.TaskID, upd.TaskExecutionVersion, upd.Status,
		upd.CurrentRetryCount, upd.ErrorMessage, upd.DeleteFromRedriver, upd.DependentAuditEvents)
}

// UpdateExecutionStatus updates a state's status and writes the audit record
// in one atomic unit, provided the caller's execution version is current. A
// stale version deregisters the watchdog and otherwise no-ops: the attempt
// has been superseded and must not corrupt the newer one's row.
func (c *Controller) UpdateExecutionStatus(ctx context.Context, machineID string, stateID, executionVersion int64,
	status schema.Status, currentRetryCount int64, errorMessage string, deleteFromRedriver bool, note string) error {
	state, err := c.store.GetState(ctx, machineID, stateID)
	if err != nil {
		return err
	}
	if state.ExecutionVersion != executionVersion {
		c.logger.InfoContext(ctx, "stale execution version, status update denied",
			slog.Int64("state_id", stateID),
			slog.Int64("given_version", executionVersion),
			slog.Int64("current_version", state.ExecutionVersion))
		_ = c.redriver.Deregister(ctx, machineID, stateID, executionVersion)
		return nil
	}

	if err := c.store.UpdateStatusWithAudit(ctx, machineID, stateID, status,
		currentRetryCount, errorMessage, executionVersion, note); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update status: %s", err.Error()).WithState(stateID).WithCause(err)
	}
	if deleteFromRedriver {
		_ = c.redriver.Deregister(ctx, machineID, stateID, executionVersion)
	}
	return nil
}

// IncrementExecutionRetries bumps a state's attempted-retry counter,
// version-fenced like every other per-attempt mutation.
func (c *Controller) IncrementExecutionRetries(ctx context.Context, machineID string, stateID, executionVersion int64) error {
	state, err := c.store.GetState(ctx, machineID, stateID)
	if err != nil {
		return err
	}
	if state.ExecutionVersion != executionVersion {
		c.logger.InfoContext(ctx, "stale execution version, retry increment denied",
			slog.Int64("state_id", stateID),
			slog.Int64("given_version", executionVersion))
		return nil
	}
	return c.store.IncrementRetryCount(ctx, machineID, stateID)
}

// RedriveTask is the watchdog's entry point: re-dispatch a stalled state if
// it is still the current attempt, still in a redrivable status and within
// its retry budget. Anything else deregisters the watchdog and no-ops.
func (c *Controller) RedriveTask(ctx context.Context, machineID string, stateID, executionVersion int64) error {
	ctx = logging.WithMachineID(ctx, machineID)

	state, err := c.store.GetState(ctx, machineID, stateID)
	if err != nil {
		_ = c.redriver.Deregister(ctx, machineID, stateID, executionVersion)
		return err
	}
	if state.ExecutionVersion != executionVersion {
		c.logger.InfoContext(ctx, "stale watchdog entry, redrive skipped",
			slog.Int64("state_id", stateID),
			slog.Int64("given_version", executionVersion),
			slog.Int64("current_version", state.ExecutionVersion))
		_ = c.redriver.Deregister(ctx, machineID, stateID, executionVersion)
		return nil
	}
	if !state.Status.IsRedrivable() || state.AttemptedRetries > state.RetryCount {
		_ = c.redriver.Deregister(ctx, machineID, stateID, executionVersion)
		return nil
	}

	sm, err := c.store.GetStateMachine(ctx, machineID)
	if err != nil {
		return err
	}
	c.meter.MarkRedrive()
	c.logger.InfoContext(ctx, "redriving stalled state",
		slog.Int64("state_id", stateID),
		slog.Int64("execution_version", executionVersion))
	c.executeStates(ctx, sm, []*schema.State{state}, nil, true)
	return nil
}

// UnsidelineState re-arms a resting state for a fresh run. The state must
// have its dependencies met and be in a status an operator may re-arm; retry
// counters are reset so the fresh run gets the full budget.
func (c *Controller) UnsidelineState(ctx context.Context, machineID string, stateID int64) error {
	ctx = logging.WithMachineID(ctx, machineID)

	sm, err := c.store.GetStateMachine(ctx, machineID)
	if err != nil {
		return err
	}
	var asked *schema.State
	for _, st := range sm.States {
		if st.ID == stateID {
			asked = st
			break
		}
	}
	if asked == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "state %d not found in machine %s", stateID, machineID)
	}

	executable, err := c.executableStates(ctx, machineID, []*schema.State{asked})
	if err != nil {
		return err
	}
	if len(executable) == 0 {
		c.logger.ErrorContext(ctx, "cannot unsideline state, a dependency event is still pending",
			slog.String("state", asked.Name),
			slog.Int64("execution_version", asked.ExecutionVersion))
		return nil
	}
	if !asked.Status.CanUnsideline() {
		return nil
	}

	asked.Status = schema.StatusUnsidelined
	asked.AttemptedRetries = 0
	if asked.Replayable {
		asked.AttemptedReplayableRetries = 0
	}
	if err := c.store.UpdateState(ctx, machineID, asked); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "unsideline state: %s", err.Error()).WithState(stateID).WithCause(err)
	}
	c.executeStates(ctx, sm, []*schema.State{asked}, nil, false)
	return nil
}

// CancelStateMachine marks the machine cancelled along with every state that
// has not run to completion. In-flight dispatches are unaffected: cancellation
// only prevents future scheduling.
func (c *Controller) CancelStateMachine(ctx context.Context, sm *schema.StateMachine) error {
	ctx = logging.WithMachineID(ctx, sm.ID)

	if err := c.store.UpdateMachineStatus(ctx, sm.ID, schema.MachineCancelled); err != nil {
		return err
	}
	for _, st := range sm.States {
		if st.Status != schema.StatusInitialized && st.Status != schema.StatusErrored && st.Status != schema.StatusSidelined {
			continue
		}
		if err := c.store.CancelStateWithAudit(ctx, sm.ID, st, ""); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "cancel state: %s", err.Error()).WithState(st.ID).WithCause(err)
		}
	}
	return nil
}

// UpdateEventData re-persists an event's payload and leaves an audit trail.
func (c *Controller) UpdateEventData(ctx context.Context, machineID string, data schema.VersionedEventData) error {
	ctx = logging.WithMachineID(ctx, machineID)

	if _, err := c.PersistEvent(ctx, machineID, data); err != nil {
		return err
	}
	rec := &schema.AuditRecord{
		StateMachineID: machineID,
		Note:           "event data updated for event: " + data.Name,
	}
	if err := c.store.AppendAudit(ctx, machineID, rec); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "audit event update: %s", err.Error()).WithCause(err)
	}
	c.logger.InfoContext(ctx, "updated event data",
		slog.String("event", data.Name),
		slog.Int64("execution_version", data.ExecutionVersion))
	return nil
}

// PersistDiscardedEvent stores the payload of an event that arrived for an
// already superseded (invalid) attempt, keeping the audit history complete
// without resurrecting the row.
func (c *Controller) PersistDiscardedEvent(ctx context.Context, machineID string, data schema.VersionedEventData) error {
	ctx = logging.WithMachineID(ctx, machineID)

	all, err := c.store.FindEventsByName(ctx, machineID, data.Name)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "find events %q: %s", data.Name, err.Error()).WithCause(err)
	}
	for _, ev := range all {
		if ev.ExecutionVersion == data.ExecutionVersion && ev.Status == schema.EventInvalid {
			ev.Data = data.Data
			ev.Source = data.Source
			return c.store.UpdateEvent(ctx, machineID, ev)
		}
	}
	c.logger.ErrorContext(ctx, "discarded event not found",
		slog.String("event", data.Name),
		slog.Int64("execution_version", data.ExecutionVersion))
	return nil
}

// GetEventData returns the event row for (machine, name, version);
// IllegalEvent when absent.
func (c *Controller) GetEventData(ctx context.Context, machineID, eventName string, executionVersion int64) (*schema.Event, error) {
	event, err := c.store.FindValidEvent(ctx, machineID, eventName, executionVersion)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "find event %q: %s", eventName, err.Error()).WithCause(err)
	}
	if event == nil {
		return nil, schema.NewErrorf(schema.ErrCodeIllegalEvent,
			"event data not found for machine %s, event %q, execution version %d",
			machineID, eventName, executionVersion)
	}
	return event, nil
}

// DeleteInvalidEvents purges superseded event rows by name.
func (c *Controller) DeleteInvalidEvents(ctx context.Context, machineID string, eventNames []string) error {
	ctx = logging.WithMachineID(ctx, machineID)
	c.logger.InfoContext(ctx, "deleting invalid events", slog.Int("count", len(eventNames)))
	return c.store.DeleteInvalidEvents(ctx, machineID, eventNames)
}

// ResetReplayableRetries zeroes a state's replayable retry counter.
func (c *Controller) ResetReplayableRetries(ctx context.Context, machineID string, stateID int64) error {
	ctx = logging.WithMachineID(ctx, machineID)
	c.logger.InfoContext(ctx, "resetting replayable retries", slog.Int64("state_id", stateID))
	return c.store.UpdateReplayableRetries(ctx, machineID, stateID, 0)
}

// routerName truncates a task name at its second underscore; the prefix is
// the executor router the task belongs to.
func routerName(taskName string) string {
	first := strings.IndexByte(taskName, '_')
	if first == -1 {
		return taskName
	}
	second := strings.IndexByte(taskName[first+1:], '_')
	if second == -1 {
		return taskName
	}
	return taskName[:first+1+second]
}

func nameSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
