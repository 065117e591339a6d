package appconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize_RedactsCredentials(t *testing.T) {
	cfg := &Config{
		Database: DatabaseConfig{Password: "s3cret", URL: "postgres://u:p@host/db"},
		Redis:    RedisConfig{Password: "r3dis"},
	}

	sanitized := Sanitize(cfg)

	assert.Equal(t, redacted, sanitized.Database.Password)
	assert.Equal(t, redacted, sanitized.Database.URL)
	assert.Equal(t, redacted, sanitized.Redis.Password)
}

func TestSanitize_DoesNotMutateOriginal(t *testing.T) {
	cfg := &Config{Database: DatabaseConfig{Password: "s3cret"}}
	Sanitize(cfg)
	assert.Equal(t, "s3cret", cfg.Database.Password)
}

func TestSanitize_LeavesEmptyURLEmpty(t *testing.T) {
	cfg := &Config{Database: DatabaseConfig{Password: "s3cret"}}
	sanitized := Sanitize(cfg)
	assert.Empty(t, sanitized.Database.URL)
}
