package run

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/jonwraymond/toolfoundation/model"
)

// SchemaValidator validates arguments against a tool's InputSchema using
// jsonschema-go. Resolved schemas are cached per tool.
type SchemaValidator struct {
	mu    sync.Mutex
	cache map[string]*jsonschema.Resolved
}

// NewSchemaValidator creates a validator with an empty cache.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{cache: make(map[string]*jsonschema.Resolved)}
}

// ValidateInput implements Validator. Tools without a schema accept anything.
func (v *SchemaValidator) ValidateInput(tool *model.Tool, args map[string]any) error {
	if tool == nil || tool.InputSchema == nil {
		return nil
	}
	resolved, err := v.resolved(tool.Namespace+":"+tool.Name, tool.InputSchema)
	if err != nil {
		return err
	}
	return resolved.Validate(args)
}

func (v *SchemaValidator) resolved(key string, schema any) (*jsonschema.Resolved, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if r, ok := v.cache[key]; ok {
		return r, nil
	}
	s, err := toSchema(schema)
	if err != nil {
		return nil, err
	}
	r, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve schema for %s: %w", key, err)
	}
	v.cache[key] = r
	return r, nil
}

func toSchema(schema any) (*jsonschema.Schema, error) {
	if s, ok := schema.(*jsonschema.Schema); ok {
		return s, nil
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	return &s, nil
}
