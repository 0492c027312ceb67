package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/fluxion/internal/logging"
	"github.com/rendis/fluxion/pkg/schema"
)

// HandlePathCancellation persists the triggering event as cancelled and runs
// the cancellation cascade rooted at it. States downstream of the cancelled
// event are cancelled in turn, and their output events propagate the
// cascade; states that still have every dependency met despite the
// cancellation are dispatched instead.
func (c *Controller) HandlePathCancellation(ctx context.Context, machineID string, data schema.VersionedEventData) error {
	ctx = logging.WithMachineID(ctx, machineID)

	data.Cancelled = true
	event, err := c.PersistEvent(ctx, machineID, data)
	if err != nil {
		return err
	}
	return c.cancelPath(ctx, machineID, event.Name)
}

// UpdateTaskStatusAndCancelPath records the reporting task's own status
// update, then cancels the path rooted at its output event. This is the
// entry point for an executor reporting "this branch must not continue".
// The root event is always persisted as cancelled, whether or not the
// caller flagged it; the walk reads the ledger and must find its own root
// there.
func (c *Controller) UpdateTaskStatusAndCancelPath(ctx context.Context, machineID string, data schema.EventAndExecutionData) error {
	ctx = logging.WithMachineID(ctx, machineID)

	data.VersionedEventData.Cancelled = true
	event, err := c.updateTaskStatusAndPersistEvent(ctx, machineID, data)
	if err != nil {
		return err
	}
	return c.cancelPath(ctx, machineID, event.Name)
}

// cancelPath walks the dependency graph breadth-first from the cancelled
// event. For each dependant state: if every dependency is cancelled, the
// state is cancelled, its event rows flipped, and its output event enqueued
// to continue the walk; if every dependency is otherwise met, the state is
// dispatched; anything in between stays pending.
//
// The event status snapshot is taken once and patched locally as rows are
// flipped, so the walk sees its own writes without re-reading per hop.
func (c *Controller) cancelPath(ctx context.Context, machineID string, rootEvent string) error {
	sm, err := c.store.GetStateMachine(ctx, machineID)
	if err != nil {
		return err
	}
	snapshot, err := c.store.EventStatusSnapshot(ctx, machineID)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "load event snapshot: %s", err.Error()).WithCause(err)
	}
	snapshot[rootEvent] = schema.EventCancelled

	graph := NewContext(sm)
	var executable []*schema.State

	queue := []string{rootEvent}
	visited := map[string]struct{}{rootEvent: {}}

	for len(queue) > 0 {
		eventName := queue[0]
		queue = queue[1:]

		for _, st := range graph.DependantStates(eventName) {
			allCancelled, allMet := dependencyVerdict(st, snapshot)

			switch {
			case allCancelled:
				// Terminal states keep their status, but the walk still has
				// to flow through their output event; otherwise descendants
				// wait on an event that will never arrive.
				if !st.Status.IsTerminal() {
					if err := c.store.CancelStateWithAudit(ctx, machineID, st, schema.DependentEventsCancelled); err != nil {
						return schema.NewErrorf(schema.ErrCodeStore, "cancel state: %s", err.Error()).WithState(st.ID).WithCause(err)
					}
					st.Status = schema.StatusCancelled
					c.logger.InfoContext(ctx, "cancelled state on path",
						slog.String("state", st.Name),
						slog.Int64("state_id", st.ID))
				}
				if err := c.cascadeOutputEvent(ctx, machineID, st, snapshot, visited, &queue); err != nil {
					return err
				}

			case allMet:
				executable = append(executable, st)
			}
		}
	}

	if len(executable) > 0 {
		c.logger.InfoContext(ctx, "states still runnable after cancellation",
			slog.Int("count", len(executable)))
		c.executeStates(ctx, sm, executable, nil, false)
	}
	return nil
}

// cascadeOutputEvent flips a cancelled-path state's output event to
// cancelled and queues it so the walk reaches the state's dependants. An
// output event already triggered keeps its status: its dependants were
// scheduled when it fired.
func (c *Controller) cascadeOutputEvent(ctx context.Context, machineID string, st *schema.State,
	snapshot map[string]schema.EventStatus, visited map[string]struct{}, queue *[]string) error {
	if st.OutputEvent == "" {
		return nil
	}
	def, err := schema.ParseEventDefinition(st.OutputEvent)
	if err != nil {
		// A malformed output event leaves the cascade unable to reach this
		// state's descendants; stopping here would strand them pending
		// forever.
		return schema.NewErrorf(schema.ErrCodeSerialization,
			"malformed output event for state %q: %s", st.Name, err.Error()).WithState(st.ID).WithCause(err)
	}
	if snapshot[def.Name] == schema.EventTriggered {
		return nil
	}
	if err := c.store.MarkEventCancelled(ctx, machineID, def.Name); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "cancel event %q: %s", def.Name, err.Error()).WithCause(err)
	}
	snapshot[def.Name] = schema.EventCancelled
	if _, seen := visited[def.Name]; !seen {
		visited[def.Name] = struct{}{}
		*queue = append(*queue, def.Name)
	}
	return nil
}

// dependencyVerdict classifies a state against the event snapshot:
// allCancelled when every dependency is cancelled, allMet when every
// dependency is triggered or cancelled.
func dependencyVerdict(st *schema.State, snapshot map[string]schema.EventStatus) (allCancelled, allMet bool) {
	if len(st.Dependencies) == 0 {
		return false, true
	}
	allCancelled, allMet = true, true
	for _, dep := range st.Dependencies {
		status, ok := snapshot[dep]
		if !ok {
			return false, false
		}
		switch status {
		case schema.EventCancelled:
		case schema.EventTriggered:
			allCancelled = false
		default:
			return false, false
		}
	}
	return allCancelled, allMet
}
