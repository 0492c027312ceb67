package validation

import (
	"fmt"

	"github.com/rendis/fluxion/pkg/schema"
)

// validateSemantic performs semantic analysis on the definition.
// Checks: unique state names, unique output event names, replay event
// exclusivity, self-dependency, and advisory warnings.
func validateSemantic(def *schema.StateMachineDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stateNames := make(map[string]bool, len(def.States))
	outputEvents := make(map[string]string, len(def.States)) // event name -> producing state
	replayDependants := make(map[string][]string)            // replay event -> dependant states

	for i := range def.States {
		s := &def.States[i]
		if s.OutputEvent == nil {
			continue
		}
		if _, dup := outputEvents[s.OutputEvent.Name]; dup {
			continue
		}
		outputEvents[s.OutputEvent.Name] = s.Name
	}

	produced := make(map[string]bool, len(def.States))
	for i := range def.States {
		s := &def.States[i]
		path := fmt.Sprintf("states[%d]", i)

		if stateNames[s.Name] {
			result.AddError(path+".name", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate state name %q", s.Name))
		}
		stateNames[s.Name] = true

		if s.OutputEvent != nil {
			if produced[s.OutputEvent.Name] {
				result.AddError(path+".output_event", schema.ErrCodeValidation,
					fmt.Sprintf("output event %q already produced by state %q", s.OutputEvent.Name, outputEvents[s.OutputEvent.Name]))
			}
			produced[s.OutputEvent.Name] = true
			if s.OutputEvent.Type == schema.EventTypeReplay {
				result.AddError(path+".output_event.type", schema.ErrCodeValidation,
					"replay events are operator-injected and cannot be produced by a state")
			}
		}

		seen := make(map[string]bool, len(s.Dependencies))
		for j, dep := range s.Dependencies {
			depPath := fmt.Sprintf("%s.dependencies[%d]", path, j)
			if seen[dep] {
				result.AddError(depPath, schema.ErrCodeValidation,
					fmt.Sprintf("duplicate dependency %q", dep))
			}
			seen[dep] = true
			if s.OutputEvent != nil && dep == s.OutputEvent.Name {
				result.AddError(depPath, schema.ErrCodeValidation,
					fmt.Sprintf("state %q depends on its own output event", s.Name))
			}
		}

		if s.Replayable {
			for _, dep := range s.Dependencies {
				if _, produced := outputEvents[dep]; !produced {
					// Externally posted dependency; a replay event may use
					// this name. Exclusivity is enforced below.
					replayDependants[dep] = append(replayDependants[dep], s.Name)
				}
			}
			if len(s.Dependencies) == 0 {
				result.AddWarning(path, schema.ErrCodeValidation,
					fmt.Sprintf("replayable state %q has no dependencies; it can never be targeted by a replay event", s.Name))
			}
		}

		if s.RetryCount > 10 {
			result.AddWarning(path+".retry_count", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive redrive delays", s.RetryCount))
		}
	}

	// A replay event resolves to exactly one state; shared external
	// dependency names among replayable states would make that ambiguous.
	for event, dependants := range replayDependants {
		if len(dependants) > 1 {
			result.AddError("states", schema.ErrCodeValidation,
				fmt.Sprintf("external event %q gates multiple replayable states %v; a replay target must be unambiguous", event, dependants))
		}
	}

	return result
}
