package channel

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// frameSchema constrains what the reader accepts before any decoding: an
// object carrying a non-empty event name and an optional data member.
const frameSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["event"],
	"properties": {
		"event": {"type": "string", "minLength": 1},
		"data": {}
	}
}`

type frameValidator struct {
	schema *jsonschema.Schema
}

func newFrameValidator() (*frameValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(frameSchema))
	if err != nil {
		return nil, fmt.Errorf("parsing frame schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("frame.json", doc); err != nil {
		return nil, fmt.Errorf("registering frame schema: %w", err)
	}
	schema, err := compiler.Compile("frame.json")
	if err != nil {
		return nil, fmt.Errorf("compiling frame schema: %w", err)
	}
	return &frameValidator{schema: schema}, nil
}

// validate checks one raw frame against the schema.
func (v *frameValidator) validate(raw []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("frame is not valid JSON: %w", err)
	}
	if err := v.schema.Validate(instance); err != nil {
		return fmt.Errorf("frame rejected by schema: %w", err)
	}
	return nil
}
