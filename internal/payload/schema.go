package payload

import (
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrSchema marks a payload that failed its declared schema. Schema failures
// are fatal for the invocation that raised them.
var ErrSchema = errors.New("schema validation error")

// Validate checks the payload against a JSON Schema document. An empty schema
// means no contract is declared and every payload is accepted.
func Validate(p Payload, schemaJSON string) error {
	if strings.TrimSpace(schemaJSON) == "" {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("%w: bad schema document: %v", ErrSchema, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if err := sch.Validate(map[string]any(p)); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return nil
}
