// Package schema validates function-call parameters against the
// JSON-schema a FunctionDef declares. Grounded on the
// santhosh-tekuri/jsonschema/v6 validation helper in
// goadesign-goa-ai/registry/service.go (validatePayloadJSONAgainstSchema),
// generalized from a byte-slice payload to the map[string]any shape the
// turn engine already has in hand after the runtime decodes a call.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator compiles a function's JSON-schema once and validates
// proposed call arguments against it on every invocation.
type Validator struct {
	schema *jsonschema.Schema
}

// Compile compiles the given JSON-schema document (as produced by
// json.Unmarshal into map[string]any, e.g. a FunctionDef.Parameters
// value). A nil or empty schema compiles to a no-op validator.
func Compile(name string, schemaDoc map[string]any) (*Validator, error) {
	if len(schemaDoc) == 0 {
		return &Validator{}, nil
	}

	c := jsonschema.NewCompiler()
	resourceName := name + ".json"
	if err := c.AddResource(resourceName, schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	s, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Validator{schema: s}, nil
}

// Validate checks params against the compiled schema. A Validator with
// no schema (empty FunctionDef.Parameters) always passes.
func (v *Validator) Validate(params map[string]any) error {
	if v == nil || v.schema == nil {
		return nil
	}
	// Round-trip through JSON so map[string]any values the caller built
	// by hand (e.g. float64 vs json.Number) normalize the same way a
	// schema compiled from wire JSON expects.
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal params: %w", err)
	}
	return v.schema.Validate(doc)
}
