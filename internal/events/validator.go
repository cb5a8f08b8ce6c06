package events

import (
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"github.com/bc-dunia/fleetbench/schemas"
)

// Validator checks decoded events against the embedded event schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles schemas/event/v1.json.
func NewValidator() (*Validator, error) {
	data, err := schemas.FS.ReadFile("event/v1.json")
	if err != nil {
		return nil, fmt.Errorf("read event schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(data)
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate reports whether ev's raw object satisfies the schema.
func (v *Validator) Validate(ev Event) error {
	if len(ev.Raw) == 0 {
		return fmt.Errorf("event has no raw payload")
	}
	result := v.schema.ValidateJSON(ev.Raw)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("event schema validation failed: %v", result.Errors)
}
