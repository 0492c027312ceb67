package validation

import "github.com/rendis/fluxion/pkg/schema"

// MachineValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (name uniqueness, output event ownership, replay exclusivity)
// 3. DAG (cycles, reachability)
type MachineValidator struct {
	jsonSchema *JSONSchemaValidator
}

// NewMachineValidator creates a MachineValidator.
func NewMachineValidator() (*MachineValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &MachineValidator{jsonSchema: jsv}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and DAG stages are skipped.
func (mv *MachineValidator) Validate(def *schema.StateMachineDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "state machine definition is nil")
		return r
	}

	result := validateStructural(mv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def))

	// Skip DAG if semantic errors; the graph may be malformed.
	if result.Valid() {
		result.Merge(validateDAG(def))
	}

	return result
}

// ValidateDefinition collapses the result to an error, nil when valid.
func (mv *MachineValidator) ValidateDefinition(def *schema.StateMachineDefinition) error {
	return mv.Validate(def).ToError()
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition, converting
// its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.StateMachineDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	flErr, ok := err.(*schema.FluxionError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if flErr.Details != nil {
		if violations, ok := flErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, flErr.Message)
	return result
}
