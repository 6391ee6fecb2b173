package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaValidator lazily compiles and caches the JSON Schema attached to a
// ToolDescriptor, keyed by the tool's full id, so a schema is only compiled
// once per process even though runMCPCallWithRetry validates on every call.
type schemaValidator struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

func newSchemaValidator() *schemaValidator {
	return &schemaValidator{schemas: make(map[string]*jsonschema.Schema)}
}

// validate checks payload against fullID's registered schema. A descriptor
// with no schema always passes: argument validation is opt-in per tool
// rather than a blanket requirement, since many tools accept free-form
// payloads the DAG builder has no static knowledge of.
func (v *schemaValidator) validate(fullID string, schema json.RawMessage, payload []byte) error {
	if len(schema) == 0 {
		return nil
	}
	sch, err := v.compile(fullID, schema)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", fullID, err)
	}
	var inst any
	if err := json.Unmarshal(payload, &inst); err != nil {
		return fmt.Errorf("decode payload for %s: %w", fullID, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("payload for %s failed schema validation: %w", fullID, err)
	}
	return nil
}

func (v *schemaValidator) compile(fullID string, schema json.RawMessage) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if sch, ok := v.schemas[fullID]; ok {
		return sch, nil
	}
	url := "mem://tool/" + fullID
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(schema)); err != nil {
		return nil, err
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, err
	}
	v.schemas[fullID] = sch
	return sch, nil
}
