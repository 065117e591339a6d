// Package variant implements layering a config's base variant with its
// per-environment specializations: given an environment, pick the
// (value, overrides, schema) triple a read should evaluate against.
package variant

import "github.com/meridianhq/configurator/internal/domain"

// Resolved is the (value, overrides, schema) triple a read should
// evaluate: either the environment's own variant, or the config's base
// variant when no environment variant exists or the environment
// variant defers its schema back to the base.
type Resolved struct {
	Value     any
	Overrides []domain.Override
	Schema    map[string]any
}

// Layer picks the variant to evaluate for (config, environmentID). An
// empty environmentID always selects the base variant. If an
// environment variant exists, its value and overrides are used
// unconditionally; its schema is used unless UseBaseSchema is set, in
// which case the config's base schema applies instead.
func Layer(cfg *domain.Config, environmentID string) Resolved {
	base := cfg.BaseVariant()
	if environmentID == "" {
		return Resolved{Value: base.Value, Overrides: base.Overrides, Schema: base.Schema}
	}

	env, ok := cfg.Variants[environmentID]
	if !ok {
		return Resolved{Value: base.Value, Overrides: base.Overrides, Schema: base.Schema}
	}

	schema := env.Schema
	if env.UseBaseSchema {
		schema = base.Schema
	}
	return Resolved{Value: env.Value, Overrides: env.Overrides, Schema: schema}
}
