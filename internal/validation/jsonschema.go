package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/fluxion/pkg/schema"
)

// machineSchemaJSON is the JSON Schema for StateMachineDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const machineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://fluxion.dev/schemas/state-machine.json",
  "type": "object",
  "required": ["name", "version", "client_fleet_id", "states"],
  "properties": {
    "name": {
      "type": "string",
      "minLength": 1
    },
    "version": {
      "type": "integer",
      "minimum": 0
    },
    "description": { "type": "string" },
    "client_fleet_id": {
      "type": "string",
      "minLength": 1
    },
    "states": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/state" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "state": {
      "type": "object",
      "required": ["name", "task"],
      "properties": {
        "name": {
          "type": "string",
          "minLength": 1
        },
        "task": {
          "type": "string",
          "minLength": 1
        },
        "dependencies": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "output_event": { "$ref": "#/$defs/event" },
        "retry_count": {
          "type": "integer",
          "minimum": 0
        },
        "timeout": {
          "type": "integer",
          "minimum": 0
        },
        "replayable": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "event": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {
          "type": "string",
          "minLength": 1
        },
        "type": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates submissions against the embedded JSON Schema
// (Draft 2020-12). Safe for concurrent use.
type JSONSchemaValidator struct {
	machineSchema *jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the machine schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(machineSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal machine schema: %w", err)
	}
	if err := c.AddResource("https://fluxion.dev/schemas/state-machine.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add machine schema resource: %w", err)
	}

	compiled, err := c.Compile("https://fluxion.dev/schemas/state-machine.json")
	if err != nil {
		return nil, fmt.Errorf("compile machine schema: %w", err)
	}

	return &JSONSchemaValidator{machineSchema: compiled}, nil
}

// ValidateDefinition validates a StateMachineDefinition against the schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.StateMachineDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "state machine definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize state machine definition").WithCause(err)
	}

	if err := v.machineSchema.Validate(doc); err != nil {
		return toFluxionError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFluxionError converts a jsonschema.ValidationError into a FluxionError
// carrying every leaf violation.
func toFluxionError(err error) *schema.FluxionError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
