package adapter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/arbiter/pkg/canonicalize"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// SchemaValidator checks invocation arguments against a capability's input
// schema. Compiled schemas are cached by content hash.
type SchemaValidator struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

// NewSchemaValidator creates an empty validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{compiled: make(map[string]*jsonschema.Schema)}
}

// Validate returns the field errors for args under c.InputSchema. An empty
// schema accepts anything.
func (v *SchemaValidator) Validate(c contracts.Capability, args map[string]any) ([]FieldError, error) {
	if len(c.InputSchema) == 0 {
		return nil, nil
	}
	schema, err := v.compile(c.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("compile input schema for %s: %w", c.ID, err)
	}

	// The validator only understands values shaped like encoding/json output.
	raw, err := json.Marshal(args)
	if err != nil {
		return []FieldError{{Path: "", Reason: "arguments are not JSON-serializable: " + err.Error()}}, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]any{}
	}

	err = schema.Validate(doc)
	if err == nil {
		return nil, nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return nil, err
	}
	return flattenValidation(ve), nil
}

func (v *SchemaValidator) compile(schemaDoc map[string]any) (*jsonschema.Schema, error) {
	key, err := canonicalize.CanonicalHash(schemaDoc)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	s, ok := v.compiled[key]
	v.mu.RUnlock()
	if ok {
		return s, nil
	}

	raw, err := json.Marshal(schemaDoc)
	if err != nil {
		return nil, err
	}
	url := "mem://input/" + key + ".json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	s, err = c.Compile(url)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.compiled[key] = s
	v.mu.Unlock()
	return s, nil
}

// flattenValidation turns the error tree into leaf field errors with
// dotted paths.
func flattenValidation(ve *jsonschema.ValidationError) []FieldError {
	var out []FieldError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, FieldError{Path: pointerToPath(e.InstanceLocation), Reason: e.Message})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func pointerToPath(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return ""
	}
	parts := strings.Split(ptr, "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return strings.Join(parts, ".")
}
