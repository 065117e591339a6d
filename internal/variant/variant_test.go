package variant

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/meridianhq/configurator/internal/domain"
)

func baseConfig() *domain.Config {
	return &domain.Config{
		Value:     "base-value",
		Schema:    map[string]any{"type": "string"},
		Overrides: []domain.Override{{Name: "base-override"}},
		Variants:  map[string]domain.Variant{},
	}
}

func TestLayer_EmptyEnvironmentUsesBase(t *testing.T) {
	cfg := baseConfig()
	r := Layer(cfg, "")
	assert.Equal(t, "base-value", r.Value)
	assert.Equal(t, cfg.Schema, r.Schema)
	assert.Len(t, r.Overrides, 1)
}

func TestLayer_MissingEnvironmentFallsBackToBase(t *testing.T) {
	cfg := baseConfig()
	r := Layer(cfg, "env-unknown")
	assert.Equal(t, "base-value", r.Value)
}

func TestLayer_EnvironmentVariantWithOwnSchema(t *testing.T) {
	cfg := baseConfig()
	cfg.Variants["env-1"] = domain.Variant{
		EnvironmentID: "env-1",
		Value:         "env-value",
		Schema:        map[string]any{"type": "number"},
		UseBaseSchema: false,
		Overrides:     []domain.Override{{Name: "env-override"}},
	}
	r := Layer(cfg, "env-1")
	assert.Equal(t, "env-value", r.Value)
	assert.Equal(t, map[string]any{"type": "number"}, r.Schema)
	assert.Len(t, r.Overrides, 1)
	assert.Equal(t, "env-override", r.Overrides[0].Name)
}

func TestLayer_EnvironmentVariantDefersToBaseSchema(t *testing.T) {
	cfg := baseConfig()
	cfg.Variants["env-1"] = domain.Variant{
		EnvironmentID: "env-1",
		Value:         "env-value",
		UseBaseSchema: true,
	}
	r := Layer(cfg, "env-1")
	assert.Equal(t, "env-value", r.Value)
	assert.Equal(t, cfg.Schema, r.Schema)
}
