package schemavalidator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_EmptySchemaAlwaysValid(t *testing.T) {
	v := New()
	details, err := v.Validate(nil, "anything")
	require.NoError(t, err)
	assert.Empty(t, details)
}

func TestValidate_ValidValue(t *testing.T) {
	v := New()
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"maxConnections": map[string]any{"type": "integer", "minimum": 1}},
		"required":   []any{"maxConnections"},
	}
	details, err := v.Validate(schema, map[string]any{"maxConnections": float64(10)})
	require.NoError(t, err)
	assert.Empty(t, details)
}

func TestValidate_InvalidValueReturnsDetails(t *testing.T) {
	v := New()
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"maxConnections": map[string]any{"type": "integer", "minimum": 1}},
		"required":   []any{"maxConnections"},
	}
	details, err := v.Validate(schema, map[string]any{"maxConnections": float64(0)})
	require.NoError(t, err)
	assert.NotEmpty(t, details)
}

func TestValidate_CompilesOncePerSchema(t *testing.T) {
	v := New()
	schema := map[string]any{"type": "string"}
	_, err := v.Validate(schema, "a")
	require.NoError(t, err)
	_, err = v.Validate(schema, "b")
	require.NoError(t, err)
	assert.Len(t, v.cache, 1)
}
