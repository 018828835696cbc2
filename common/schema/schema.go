package schema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator holds a compiled JSON schema and validates documents against it.
// Compiled validators are immutable and safe for concurrent use.
type Validator struct {
	schema *jsonschema.Schema
}

// Compile compiles a raw JSON schema document. A nil or empty schema compiles
// to a validator that accepts everything.
func Compile(name string, raw json.RawMessage) (*Validator, error) {
	if len(raw) == 0 {
		return &Validator{}, nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}

	c := jsonschema.NewCompiler()
	resource := name + ".json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}

	compiled, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}

	return &Validator{schema: compiled}, nil
}

// Validate checks a document against the schema. Documents must be
// JSON-compatible values (map[string]any, []any, scalars).
func (v *Validator) Validate(doc any) error {
	if v.schema == nil {
		return nil
	}
	return v.schema.Validate(doc)
}

// ValidateBytes unmarshals raw JSON and validates it
func (v *Validator) ValidateBytes(raw []byte) error {
	if v.schema == nil {
		return nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal document: %w", err)
	}
	return v.schema.Validate(doc)
}
