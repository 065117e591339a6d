// Package schemavalidator validates config values against the
// JSON-Schema attached to their variant, at write time only (schemas
// are advisory on read — internal/variant never calls this package).
//
// It wraps github.com/kaptinlin/jsonschema, which compiles and
// validates against draft-07, 2019-09 and 2020-12 meta-schemas in one
// library, directly satisfying the multi-draft requirement without
// hand-rolling a validator the way the teacher hand-rolls its own
// appconfig field checks in update_validator.go. ValidationErrorDetail
// mirrors that file's struct: a field path, a human message, and a
// machine-readable code.
package schemavalidator

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

// ValidationErrorDetail is a single field-level validation failure.
type ValidationErrorDetail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Validator compiles and caches schemas by their canonical JSON
// representation so repeated validation of the same schema (the common
// case — most writes revalidate the same config's schema) doesn't pay
// compilation cost every time.
type Validator struct {
	compiler *jsonschema.Compiler

	mu    sync.Mutex
	cache map[string]*jsonschema.Schema
}

// New constructs a Validator with a fresh compiler.
func New() *Validator {
	return &Validator{
		compiler: jsonschema.NewCompiler(),
		cache:    make(map[string]*jsonschema.Schema),
	}
}

// Validate checks value against schema (a JSON-Schema document decoded
// into a plain map, as stored on domain.Variant.Schema). A nil or empty
// schema is treated as "anything is valid" — configs are not required
// to declare a schema.
func (v *Validator) Validate(schema map[string]any, value any) ([]ValidationErrorDetail, error) {
	if len(schema) == 0 {
		return nil, nil
	}

	compiled, err := v.compile(schema)
	if err != nil {
		return nil, fmt.Errorf("schemavalidator: compiling schema: %w", err)
	}

	result := compiled.Validate(value)
	if result.IsValid() {
		return nil, nil
	}

	details := make([]ValidationErrorDetail, 0, len(result.Errors))
	for field, evalErr := range result.Errors {
		details = append(details, ValidationErrorDetail{
			Field:   field,
			Message: evalErr.Message,
			Code:    evalErr.Keyword,
		})
	}
	return details, nil
}

func (v *Validator) compile(schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	key := string(raw)

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	compiled, err := v.compiler.Compile(raw)
	if err != nil {
		return nil, err
	}
	v.cache[key] = compiled
	return compiled, nil
}
