package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

func TestSchemaValidator(t *testing.T) {
	v := NewSchemaValidator()
	c := contracts.Capability{
		ID: "fs/read",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"path"},
			"properties": map[string]any{
				"path":  map[string]any{"type": "string"},
				"limit": map[string]any{"type": "integer", "minimum": 1},
			},
		},
	}

	fields, err := v.Validate(c, map[string]any{"path": "/tmp", "limit": 10})
	require.NoError(t, err)
	assert.Empty(t, fields)

	fields, err = v.Validate(c, map[string]any{"limit": 0})
	require.NoError(t, err)
	require.NotEmpty(t, fields)
	paths := make([]string, 0, len(fields))
	for _, f := range fields {
		paths = append(paths, f.Path)
	}
	assert.Contains(t, paths, "limit")

	fields, err = v.Validate(contracts.Capability{ID: "open"}, map[string]any{"anything": true})
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestSchemaValidator_BadSchema(t *testing.T) {
	v := NewSchemaValidator()
	_, err := v.Validate(contracts.Capability{ID: "x", InputSchema: map[string]any{"type": 12}}, nil)
	assert.Error(t, err)
}

func TestPointerToPath(t *testing.T) {
	assert.Equal(t, "", pointerToPath(""))
	assert.Equal(t, "a.b", pointerToPath("/a/b"))
	assert.Equal(t, "a/b", pointerToPath("/a~1b"))
}
