package validation

import (
	"strings"
	"testing"

	"github.com/rendis/fluxion/pkg/schema"
)

func validDefinition() *schema.StateMachineDefinition {
	return &schema.StateMachineDefinition{
		Name:          "order-flow",
		Version:       1,
		ClientFleetID: "fleet-1",
		States: []schema.StateDefinition{
			{
				Name:        "reserve",
				Task:        "com.acme.tasks_reserve_run",
				OutputEvent: &schema.EventDefinition{Name: "reserved"},
				RetryCount:  3,
				Timeout:     1000,
				Replayable:  true,
			},
			{
				Name:         "charge",
				Task:         "com.acme.tasks_charge_run",
				Dependencies: []string{"reserved"},
				OutputEvent:  &schema.EventDefinition{Name: "charged"},
			},
			{
				Name:         "notify",
				Task:         "com.acme.tasks_notify_run",
				Dependencies: []string{"charged"},
			},
		},
	}
}

func mustValidator(t *testing.T) *MachineValidator {
	t.Helper()
	mv, err := NewMachineValidator()
	if err != nil {
		t.Fatal(err)
	}
	return mv
}

func errorMessages(r *schema.ValidationResult) []string {
	var msgs []string
	for _, iss := range r.Errors {
		msgs = append(msgs, iss.Message)
	}
	return msgs
}

func containsMessage(msgs []string, substr string) bool {
	for _, m := range msgs {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

func TestValidateAcceptsWellFormedDefinition(t *testing.T) {
	mv := mustValidator(t)
	result := mv.Validate(validDefinition())
	if !result.Valid() {
		t.Fatalf("expected valid, got errors: %v", errorMessages(result))
	}
	if err := mv.ValidateDefinition(validDefinition()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestValidateNilDefinition(t *testing.T) {
	mv := mustValidator(t)
	result := mv.Validate(nil)
	if result.Valid() {
		t.Fatal("expected nil definition to be rejected")
	}
}

func TestValidateStructuralErrorsShortCircuit(t *testing.T) {
	mv := mustValidator(t)

	def := validDefinition()
	def.ClientFleetID = ""
	// A semantic error too; it must not surface because structural failed.
	def.States[1].Name = "reserve"

	result := mv.Validate(def)
	if result.Valid() {
		t.Fatal("expected structural rejection")
	}
	if containsMessage(errorMessages(result), "duplicate state name") {
		t.Fatal("semantic stage should be skipped on structural failure")
	}
}

func TestValidateRejectsEmptyStates(t *testing.T) {
	mv := mustValidator(t)
	def := validDefinition()
	def.States = nil

	if mv.Validate(def).Valid() {
		t.Fatal("expected definition without states to be rejected")
	}
}

func TestValidateMissingTask(t *testing.T) {
	mv := mustValidator(t)
	def := validDefinition()
	def.States[0].Task = ""

	if mv.Validate(def).Valid() {
		t.Fatal("expected state without task to be rejected")
	}
}

func TestSemanticDuplicateStateName(t *testing.T) {
	def := validDefinition()
	def.States[2].Name = "reserve"

	result := validateSemantic(def)
	if !containsMessage(errorMessages(result), `duplicate state name "reserve"`) {
		t.Fatalf("expected duplicate name error, got %v", errorMessages(result))
	}
}

func TestSemanticDuplicateOutputEvent(t *testing.T) {
	def := validDefinition()
	def.States[1].OutputEvent = &schema.EventDefinition{Name: "reserved"}

	result := validateSemantic(def)
	if !containsMessage(errorMessages(result), `already produced`) {
		t.Fatalf("expected duplicate output event error, got %v", errorMessages(result))
	}
}

func TestSemanticReplayTypedOutputForbidden(t *testing.T) {
	def := validDefinition()
	def.States[0].OutputEvent.Type = schema.EventTypeReplay

	result := validateSemantic(def)
	if !containsMessage(errorMessages(result), "operator-injected") {
		t.Fatalf("expected replay output rejection, got %v", errorMessages(result))
	}
}

func TestSemanticSelfDependency(t *testing.T) {
	def := validDefinition()
	def.States[0].Dependencies = []string{"reserved"}

	result := validateSemantic(def)
	if !containsMessage(errorMessages(result), "depends on its own output event") {
		t.Fatalf("expected self-dependency error, got %v", errorMessages(result))
	}
}

func TestSemanticDuplicateDependency(t *testing.T) {
	def := validDefinition()
	def.States[1].Dependencies = []string{"reserved", "reserved"}

	result := validateSemantic(def)
	if !containsMessage(errorMessages(result), `duplicate dependency "reserved"`) {
		t.Fatalf("expected duplicate dependency error, got %v", errorMessages(result))
	}
}

func TestSemanticReplayTargetAmbiguity(t *testing.T) {
	def := validDefinition()
	// Two replayable states gated by the same externally posted event.
	def.States[0].Dependencies = []string{"kickoff"}
	def.States = append(def.States, schema.StateDefinition{
		Name:         "audit",
		Task:         "com.acme.tasks_audit_run",
		Dependencies: []string{"kickoff"},
		Replayable:   true,
	})

	result := validateSemantic(def)
	if !containsMessage(errorMessages(result), "must be unambiguous") {
		t.Fatalf("expected ambiguity error, got %v", errorMessages(result))
	}
}

func TestSemanticInternalDependencyNotAmbiguous(t *testing.T) {
	// Both replayable states depend on an event produced inside the graph,
	// including one whose producer is declared after them.
	def := &schema.StateMachineDefinition{
		Name:          "internal",
		Version:       1,
		ClientFleetID: "fleet-1",
		States: []schema.StateDefinition{
			{Name: "a", Task: "t_a_run", Dependencies: []string{"seed"}, Replayable: true},
			{Name: "b", Task: "t_b_run", Dependencies: []string{"seed"}, Replayable: true},
			{Name: "seeder", Task: "t_seeder_run", OutputEvent: &schema.EventDefinition{Name: "seed"}},
		},
	}

	result := validateSemantic(def)
	if containsMessage(errorMessages(result), "must be unambiguous") {
		t.Fatalf("internally produced dependency misread as replay target: %v", errorMessages(result))
	}
}

func TestSemanticWarnings(t *testing.T) {
	def := validDefinition()
	def.States[0].RetryCount = 20
	def.States = append(def.States, schema.StateDefinition{
		Name:       "orphan",
		Task:       "t_orphan_run",
		Replayable: true,
	})

	result := validateSemantic(def)
	if !result.Valid() {
		t.Fatalf("warnings must not invalidate, got errors %v", errorMessages(result))
	}
	if len(result.Warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %d", len(result.Warnings))
	}
}

func TestDAGDetectsCycle(t *testing.T) {
	def := &schema.StateMachineDefinition{
		Name:          "cyclic",
		Version:       1,
		ClientFleetID: "fleet-1",
		States: []schema.StateDefinition{
			{Name: "a", Task: "t_a", Dependencies: []string{"eB"}, OutputEvent: &schema.EventDefinition{Name: "eA"}},
			{Name: "b", Task: "t_b", Dependencies: []string{"eA"}, OutputEvent: &schema.EventDefinition{Name: "eB"}},
		},
	}

	result := validateDAG(def)
	if result.Valid() {
		t.Fatal("expected cycle to be rejected")
	}
	if result.Errors[0].Code != schema.ErrCodeCycleDetected {
		t.Fatalf("expected cycle code, got %s", result.Errors[0].Code)
	}
}

func TestDAGExternalDependenciesAreNotEdges(t *testing.T) {
	def := validDefinition()
	def.States[0].Dependencies = []string{"externalKickoff"}

	result := validateDAG(def)
	if !result.Valid() {
		t.Fatalf("external dependency treated as edge: %v", errorMessages(result))
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", result.Warnings)
	}
}
