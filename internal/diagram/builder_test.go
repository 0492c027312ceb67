package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/fluxion/pkg/schema"
)

func pipelineDefinition() *schema.StateMachineDefinition {
	return &schema.StateMachineDefinition{
		Name:          "pipeline",
		Version:       1,
		ClientFleetID: "fleet-1",
		States: []schema.StateDefinition{
			{
				Name: "fetch", Task: "com.acme.tasks_fetch_run",
				Dependencies: []string{"go"},
				OutputEvent:  &schema.EventDefinition{Name: "fetched"},
				Replayable:   true,
			},
			{
				Name: "left", Task: "com.acme.tasks_left_run",
				Dependencies: []string{"fetched"},
				OutputEvent:  &schema.EventDefinition{Name: "leftDone"},
			},
			{
				Name: "right", Task: "com.acme.tasks_right_run",
				Dependencies: []string{"fetched"},
				OutputEvent:  &schema.EventDefinition{Name: "rightDone"},
			},
			{
				Name: "join", Task: "com.acme.tasks_join_run",
				Dependencies: []string{"leftDone", "rightDone"},
			},
		},
	}
}

func findEdge(edges []Edge, from, to string) *Edge {
	for i := range edges {
		if edges[i].From == from && edges[i].To == to {
			return &edges[i]
		}
	}
	return nil
}

func TestBuildPipeline(t *testing.T) {
	model, err := Build(pipelineDefinition(), nil)
	require.NoError(t, err)

	assert.Equal(t, "pipeline", model.Title)
	require.Len(t, model.Nodes, 6) // 4 states + start + end

	assert.Equal(t, NodeKindStart, model.Nodes[0].Kind)
	assert.Equal(t, NodeKindReplayable, model.Nodes[1].Kind)
	assert.Equal(t, NodeKindTask, model.Nodes[2].Kind)
	assert.Equal(t, NodeKindEnd, model.Nodes[5].Kind)

	// External dependency enters from start, labelled with the event.
	e := findEdge(model.Edges, "__start__", "fetch")
	require.NotNil(t, e)
	assert.Equal(t, "go", e.Label)

	// Internal edges follow output events.
	e = findEdge(model.Edges, "fetch", "left")
	require.NotNil(t, e)
	assert.Equal(t, "fetched", e.Label)
	require.NotNil(t, findEdge(model.Edges, "fetch", "right"))
	require.NotNil(t, findEdge(model.Edges, "left", "join"))
	require.NotNil(t, findEdge(model.Edges, "right", "join"))

	// Only the sink connects to end.
	assert.NotNil(t, findEdge(model.Edges, "join", "__end__"))
	assert.Nil(t, findEdge(model.Edges, "fetch", "__end__"))
}

func TestBuildLevels(t *testing.T) {
	model, err := Build(pipelineDefinition(), nil)
	require.NoError(t, err)

	require.Len(t, model.Levels, 5)
	assert.Equal(t, []string{"__start__"}, model.Levels[0])
	assert.Equal(t, []string{"fetch"}, model.Levels[1])
	assert.Equal(t, []string{"left", "right"}, model.Levels[2])
	assert.Equal(t, []string{"join"}, model.Levels[3])
	assert.Equal(t, []string{"__end__"}, model.Levels[4])
}

func TestBuildStatusOverlay(t *testing.T) {
	states := []*schema.State{
		{Name: "fetch", Status: schema.StatusCompleted, ExecutionVersion: 1, AttemptedRetries: 2},
		{Name: "left", Status: schema.StatusRunning},
	}
	model, err := Build(pipelineDefinition(), states)
	require.NoError(t, err)

	byID := make(map[string]*Node)
	for _, n := range model.Nodes {
		byID[n.ID] = n
	}

	require.NotNil(t, byID["fetch"].Status)
	assert.Equal(t, "completed", byID["fetch"].Status.Status)
	assert.Equal(t, int64(1), byID["fetch"].Status.ExecutionVersion)
	assert.Equal(t, int64(2), byID["fetch"].Status.AttemptedRetries)
	require.NotNil(t, byID["left"].Status)
	assert.Nil(t, byID["join"].Status)
}

func TestBuildRejectsCycle(t *testing.T) {
	def := &schema.StateMachineDefinition{
		Name: "cyclic",
		States: []schema.StateDefinition{
			{Name: "a", Task: "t", Dependencies: []string{"eB"}, OutputEvent: &schema.EventDefinition{Name: "eA"}},
			{Name: "b", Task: "t", Dependencies: []string{"eA"}, OutputEvent: &schema.EventDefinition{Name: "eB"}},
		},
	}
	_, err := Build(def, nil)
	assert.Error(t, err)
}

func TestBuildNilDefinition(t *testing.T) {
	_, err := Build(nil, nil)
	assert.Error(t, err)
}
