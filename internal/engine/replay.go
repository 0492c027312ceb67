package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/fluxion/internal/logging"
	"github.com/rendis/fluxion/pkg/schema"
)

// PostReplayEvent re-runs the subgraph rooted at the single state that
// depends on the given replay event. The superseded run's events and
// downstream states are invalidated atomically, the replay state is reset to
// a fresh attempt on a bumped execution version, and the fresh attempt is
// dispatched immediately.
//
// Only one state may depend on any replay event; that state must be
// replayable and at rest (completed, errored or sidelined).
func (c *Controller) PostReplayEvent(ctx context.Context, machineID string, data schema.EventData) (*schema.State, error) {
	ctx = logging.WithMachineID(ctx, machineID)

	stateID, err := c.store.FindStateIDByDependentEvent(ctx, machineID, data.Name)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "resolve replay dependant: %s", err.Error()).WithCause(err)
	}
	if stateID == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeIllegalEvent,
			"no state depends on replay event %q in machine %s", data.Name, machineID)
	}
	ctx = logging.WithStateID(ctx, stateID)

	state, err := c.store.GetState(ctx, machineID, stateID)
	if err != nil {
		return nil, err
	}
	if !state.Replayable {
		return nil, schema.NewErrorf(schema.ErrCodeIllegalEvent,
			"state %q is not replayable", state.Name).WithState(stateID)
	}
	switch state.Status {
	case schema.StatusCompleted, schema.StatusErrored, schema.StatusSidelined:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeIllegalEvent,
			"state %q cannot be replayed while %s", state.Name, state.Status).WithState(stateID)
	}

	path, err := c.store.GetTraversalPath(ctx, machineID, stateID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load traversal path: %s", err.Error()).WithState(stateID).WithCause(err)
	}
	if path == nil {
		return nil, schema.NewErrorf(schema.ErrCodeTraversalPath,
			"no traversal path recorded for state %q", state.Name).WithState(stateID)
	}

	invalidNames, err := c.pathOutputEvents(ctx, machineID, path.NextDependentStates)
	if err != nil {
		return nil, err
	}

	if data.Type == "" {
		data.Type = schema.EventTypeReplay
	}
	if err := c.store.PersistReplayEvent(ctx, machineID, data, path.NextDependentStates, invalidNames, stateID); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "persist replay: %s", err.Error()).WithState(stateID).WithCause(err)
	}
	c.logger.InfoContext(ctx, "replay applied",
		slog.String("event", data.Name),
		slog.Int("invalidated_events", len(invalidNames)),
		slog.Int("path_states", len(path.NextDependentStates)))

	// Re-read the reset state and arm the watchdog with a zero interval: the
	// fresh attempt is picked up by the next sweep instead of being
	// dispatched inline, so replay and redrive share one dispatch path.
	fresh, err := c.store.GetState(ctx, machineID, stateID)
	if err != nil {
		return nil, err
	}
	if err := c.redriver.Register(ctx, machineID, stateID, 0, fresh.ExecutionVersion); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "arm replay watchdog: %s", err.Error()).WithState(stateID).WithCause(err)
	}
	return fresh, nil
}

// pathOutputEvents collects the deduplicated output event names of every
// state on the traversal path, the replay root included. These are the
// events the superseded run may have produced.
func (c *Controller) pathOutputEvents(ctx context.Context, machineID string, pathStateIDs []int64) ([]string, error) {
	states, err := c.store.GetStatesByIDs(ctx, machineID, pathStateIDs)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load path states: %s", err.Error()).WithCause(err)
	}

	seen := make(map[string]struct{}, len(states))
	var names []string
	for _, st := range states {
		if st.OutputEvent == "" {
			continue
		}
		def, err := schema.ParseEventDefinition(st.OutputEvent)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeSerialization,
				"malformed output event for state %q: %s", st.Name, err.Error()).WithState(st.ID).WithCause(err)
		}
		if _, dup := seen[def.Name]; dup {
			continue
		}
		seen[def.Name] = struct{}{}
		names = append(names, def.Name)
	}
	return names, nil
}
