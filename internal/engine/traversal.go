package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/rendis/fluxion/internal/logging"
	"github.com/rendis/fluxion/pkg/schema"
)

// CreateStateMachine materializes a validated definition, persists it with
// precomputed traversal paths and dispatches the initial frontier. The
// returned machine carries the generated id.
func (c *Controller) CreateStateMachine(ctx context.Context, def *schema.StateMachineDefinition) (*schema.StateMachine, error) {
	sm, err := Materialize(def)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithMachineID(ctx, sm.ID)

	paths, err := ComputeTraversalPaths(sm)
	if err != nil {
		return nil, err
	}
	if err := c.store.CreateStateMachine(ctx, sm, paths); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create state machine: %s", err.Error()).WithCause(err)
	}
	c.logger.InfoContext(ctx, "created state machine",
		slog.String("name", sm.Name),
		slog.Int("states", len(sm.States)))

	if _, err := c.InitAndStart(ctx, sm); err != nil {
		return nil, err
	}
	return sm, nil
}

// Materialize turns a submitted definition into a runnable machine: fresh
// uuid, sequential state ids, serialized output events, every state
// initialized at execution version zero.
func Materialize(def *schema.StateMachineDefinition) (*schema.StateMachine, error) {
	sm := &schema.StateMachine{
		ID:            uuid.NewString(),
		Version:       def.Version,
		Name:          def.Name,
		Description:   def.Description,
		Status:        schema.MachineRunning,
		ClientFleetID: def.ClientFleetID,
		States:        make([]*schema.State, 0, len(def.States)),
	}
	for i, sd := range def.States {
		st := &schema.State{
			ID:             int64(i + 1),
			StateMachineID: sm.ID,
			Name:           sd.Name,
			Task:           sd.Task,
			Dependencies:   sd.Dependencies,
			RetryCount:     sd.RetryCount,
			Timeout:        sd.Timeout,
			Status:         schema.StatusInitialized,
			Replayable:     sd.Replayable,
		}
		if sd.OutputEvent != nil {
			raw, err := json.Marshal(sd.OutputEvent)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeSerialization,
					"serialize output event for state %q: %s", sd.Name, err.Error()).WithCause(err)
			}
			st.OutputEvent = string(raw)
		}
		sm.States = append(sm.States, st)
	}
	return sm, nil
}

// ComputeTraversalPaths records, for every replayable state, the ids of all
// states topologically downstream of it. A replay invalidates exactly this
// set. Paths are immutable after creation because the state graph is.
func ComputeTraversalPaths(sm *schema.StateMachine) ([]*schema.StateTraversalPath, error) {
	graph := NewContext(sm)

	var paths []*schema.StateTraversalPath
	for _, st := range sm.States {
		if !st.Replayable {
			continue
		}
		downstream, err := collectDownstream(graph, st)
		if err != nil {
			return nil, err
		}
		paths = append(paths, &schema.StateTraversalPath{
			StateMachineID:      sm.ID,
			StateID:             st.ID,
			NextDependentStates: downstream,
		})
	}
	return paths, nil
}

// collectDownstream walks output-event edges breadth-first from root. The
// result includes root itself and is sorted for stable persistence.
func collectDownstream(graph *Context, root *schema.State) ([]int64, error) {
	seen := map[int64]struct{}{root.ID: {}}
	queue := []*schema.State{root}
	ids := []int64{root.ID}

	for len(queue) > 0 {
		st := queue[0]
		queue = queue[1:]

		if st.OutputEvent == "" {
			continue
		}
		def, err := schema.ParseEventDefinition(st.OutputEvent)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeSerialization,
				"malformed output event for state %q: %s", st.Name, err.Error()).WithState(st.ID).WithCause(err)
		}
		for _, next := range graph.DependantStates(def.Name) {
			if _, ok := seen[next.ID]; ok {
				continue
			}
			seen[next.ID] = struct{}{}
			ids = append(ids, next.ID)
			queue = append(queue, next)
		}
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
