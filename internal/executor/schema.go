package executor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// PayloadValidator checks submitted job payloads against a JSON
// Schema before they reach the agent.
type PayloadValidator struct {
	schema     *jsonschema.Schema
	schemaJSON json.RawMessage
}

// NewPayloadValidator compiles a JSON Schema.
func NewPayloadValidator(schemaJSON json.RawMessage) (*PayloadValidator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator needs for integer checks.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal payload schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("payload.json", doc); err != nil {
		return nil, fmt.Errorf("add payload schema resource: %w", err)
	}
	schema, err := c.Compile("payload.json")
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}
	return &PayloadValidator{schema: schema, schemaJSON: schemaJSON}, nil
}

// SchemaJSON returns the raw schema document.
func (v *PayloadValidator) SchemaJSON() json.RawMessage {
	return v.schemaJSON
}

// Validate checks one payload. The returned error carries the
// validator's detail and is meant to surface as an invalid_payload
// failure.
func (v *PayloadValidator) Validate(payload json.RawMessage) error {
	if len(payload) == 0 {
		return fmt.Errorf("payload is empty")
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := v.schema.Validate(parsed); err != nil {
		return fmt.Errorf("payload schema validation: %w", err)
	}
	return nil
}
