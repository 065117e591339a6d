package appconfig

import "encoding/json"

const redacted = "***REDACTED***"

// Sanitize returns a deep copy of cfg with every credential field
// replaced, safe to log at startup. Adapted from the teacher's
// ConfigSanitizer (JSON round-trip deep copy, field-by-field redaction).
func Sanitize(cfg *Config) *Config {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var copied Config
	if err := json.Unmarshal(raw, &copied); err != nil {
		return cfg
	}

	copied.Database.Password = redacted
	if copied.Database.URL != "" {
		copied.Database.URL = redacted
	}
	copied.Redis.Password = redacted
	return &copied
}
