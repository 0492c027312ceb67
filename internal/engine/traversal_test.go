package engine

import (
	"context"
	"testing"

	"github.com/rendis/fluxion/pkg/schema"
)

func diamondDefinition() *schema.StateMachineDefinition {
	return &schema.StateMachineDefinition{
		Name:          "diamond",
		Version:       2,
		ClientFleetID: "fleet-1",
		States: []schema.StateDefinition{
			{
				Name:        "fetch",
				Task:        "com.acme.tasks_fetch_run",
				OutputEvent: &schema.EventDefinition{Name: "fetched"},
				RetryCount:  3,
				Timeout:     1000,
				Replayable:  true,
			},
			{
				Name:         "left",
				Task:         "com.acme.tasks_left_run",
				Dependencies: []string{"fetched"},
				OutputEvent:  &schema.EventDefinition{Name: "leftDone"},
			},
			{
				Name:         "right",
				Task:         "com.acme.tasks_right_run",
				Dependencies: []string{"fetched"},
				OutputEvent:  &schema.EventDefinition{Name: "rightDone"},
			},
			{
				Name:         "join",
				Task:         "com.acme.tasks_join_run",
				Dependencies: []string{"leftDone", "rightDone"},
			},
		},
	}
}

func TestMaterialize(t *testing.T) {
	sm, err := Materialize(diamondDefinition())
	if err != nil {
		t.Fatal(err)
	}
	if sm.ID == "" {
		t.Fatal("expected a generated machine id")
	}
	if sm.Status != schema.MachineRunning {
		t.Fatalf("expected running machine, got %s", sm.Status)
	}
	if sm.Version != 2 || sm.ClientFleetID != "fleet-1" {
		t.Fatalf("definition metadata not carried over: %+v", sm)
	}
	for i, st := range sm.States {
		if st.ID != int64(i+1) {
			t.Fatalf("state %q: expected id %d, got %d", st.Name, i+1, st.ID)
		}
		if st.StateMachineID != sm.ID {
			t.Fatalf("state %q not bound to machine", st.Name)
		}
		if st.Status != schema.StatusInitialized || st.ExecutionVersion != 0 {
			t.Fatalf("state %q: expected initialized at version zero, got %s v%d", st.Name, st.Status, st.ExecutionVersion)
		}
	}
	def, err := schema.ParseEventDefinition(sm.States[0].OutputEvent)
	if err != nil || def.Name != "fetched" {
		t.Fatalf("output event not serialized round-trip: %v %v", def, err)
	}
	if sm.States[3].OutputEvent != "" {
		t.Fatalf("sink state should carry no output event, got %q", sm.States[3].OutputEvent)
	}
	if !sm.States[0].Replayable || sm.States[1].Replayable {
		t.Fatal("replayable flag not carried over")
	}
}

func TestComputeTraversalPaths(t *testing.T) {
	sm, err := Materialize(diamondDefinition())
	if err != nil {
		t.Fatal(err)
	}
	paths, err := ComputeTraversalPaths(sm)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected one path for the single replayable state, got %d", len(paths))
	}
	p := paths[0]
	if p.StateID != 1 || p.StateMachineID != sm.ID {
		t.Fatalf("path bound to wrong state: %+v", p)
	}
	want := []int64{1, 2, 3, 4}
	if len(p.NextDependentStates) != len(want) {
		t.Fatalf("expected path %v, got %v", want, p.NextDependentStates)
	}
	for i, id := range want {
		if p.NextDependentStates[i] != id {
			t.Fatalf("expected path %v, got %v", want, p.NextDependentStates)
		}
	}
}

func TestComputeTraversalPathsMalformedOutputEvent(t *testing.T) {
	sm := chainMachine()
	sm.States[0].Replayable = true
	sm.States[0].OutputEvent = "{not json"

	_, err := ComputeTraversalPaths(sm)
	fe, ok := err.(*schema.FluxionError)
	if !ok || fe.Code != schema.ErrCodeSerialization {
		t.Fatalf("expected serialization error, got %v", err)
	}
}

func TestCreateStateMachinePersistsAndStarts(t *testing.T) {
	ctrl, ms, fd, _ := newTestController(nil)

	sm, err := ctrl.CreateStateMachine(context.Background(), diamondDefinition())
	if err != nil {
		t.Fatal(err)
	}

	stored, err := ms.GetStateMachine(context.Background(), sm.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.States) != 4 {
		t.Fatalf("expected 4 persisted states, got %d", len(stored.States))
	}
	if p, _ := ms.GetTraversalPath(context.Background(), sm.ID, 1); p == nil {
		t.Fatal("expected a traversal path for the replayable root")
	}

	sent := fd.sentStates()
	if len(sent) != 1 || sent[0] != "fetch" {
		t.Fatalf("expected only the root state dispatched, got %v", sent)
	}
	if !fd.sent[0].FirstTimeExecution {
		t.Fatal("root dispatch should be marked as first execution")
	}
}
