// Package payload handles the structured input/output data of a task
// invocation: durable JSON persistence and optional JSON Schema validation.
package payload

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Payload is a JSON-representable value passed into or produced by a task.
type Payload map[string]any

// Decode parses raw JSON into a Payload.
func Decode(raw []byte) (Payload, error) {
	if len(raw) == 0 {
		return Payload{}, nil
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// Encode renders the payload as indented JSON.
func (p Payload) Encode() ([]byte, error) {
	return json.MarshalIndent(p, "", "    ")
}

// String returns the string value under key, and whether it was present and
// a string.
func (p Payload) String(key string) (string, bool) {
	v, ok := p[key].(string)
	return v, ok
}

// Float returns the numeric value under key. JSON numbers decode as float64.
func (p Payload) Float(key string) (float64, bool) {
	v, ok := p[key].(float64)
	return v, ok
}

// Bool returns the boolean value under key.
func (p Payload) Bool(key string) bool {
	v, _ := p[key].(bool)
	return v
}

// InDataFileName returns the durable input file name for a task type.
func InDataFileName(taskType string) string {
	return "inData" + taskType + ".json"
}

// OutDataFileName returns the durable output file name for a task type.
func OutDataFileName(taskType string) string {
	return "outData" + taskType + ".json"
}

// WriteFile persists the payload as indented JSON at path.
func (p Payload) WriteFile(path string) error {
	b, err := p.Encode()
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// FromFile loads a payload from a JSON file.
func FromFile(path string) (Payload, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(b)
}

// WriteInData persists the input payload in dir under the conventional name.
func WriteInData(dir, taskType string, p Payload) error {
	return p.WriteFile(filepath.Join(dir, InDataFileName(taskType)))
}

// WriteOutData persists the output payload in dir under the conventional name.
func WriteOutData(dir, taskType string, p Payload) error {
	return p.WriteFile(filepath.Join(dir, OutDataFileName(taskType)))
}
