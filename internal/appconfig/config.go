// Package appconfig loads process configuration from a YAML file and
// environment variable overrides via viper, the way the teacher's
// internal/config does — profile-keyed mapstructure sections, a
// setDefaults pass, then Validate.
package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the configurator process's full configuration tree.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Eventbus EventbusConfig `mapstructure:"eventbus"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Replica  ReplicaConfig  `mapstructure:"replica"`
	Lock     LockConfig     `mapstructure:"lock"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// AppConfig holds application identity settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// ServerConfig holds the Admin/SDK HTTP API's listener settings.
type ServerConfig struct {
	Port                    int           `mapstructure:"port"`
	Host                    string        `mapstructure:"host"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
}

// DatabaseConfig holds the primary Postgres connection's settings
// (internal/store/postgres, internal/eventbus).
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int32         `mapstructure:"max_connections"`
	MinConnections  int32         `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	URL             string        `mapstructure:"url"`
}

// DSN returns the pgx connection string, preferring an explicit URL.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Username, c.Password, c.Host, c.Port, c.Database, sslMode)
}

// EventbusConfig mirrors internal/eventbus.Config's reconnect tunables.
type EventbusConfig struct {
	InitialBackoff     time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff"`
	BackoffFactor      float64       `mapstructure:"backoff_factor"`
	JitterFactor       float64       `mapstructure:"jitter_factor"`
	HealthCheckPeriod  time.Duration `mapstructure:"health_check_period"`
	HealthCheckTimeout time.Duration `mapstructure:"health_check_timeout"`
}

// RedisConfig holds the settings for the Redis instance backing
// internal/distlock's cleanup-sweep lock.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ReplicaConfig holds internal/replica + internal/replication's
// tunables for a reader process.
type ReplicaConfig struct {
	Enabled                   bool          `mapstructure:"enabled"`
	DatabasePath              string        `mapstructure:"database_path"`
	Development               bool          `mapstructure:"development"`
	PullInterval              time.Duration `mapstructure:"pull_interval"`
	DumpBatchSize             int           `mapstructure:"dump_batch_size"`
	StepInterval              time.Duration `mapstructure:"step_interval"`
	StepEventsCount           int           `mapstructure:"step_events_count"`
	CleanupFrequency          int           `mapstructure:"cleanup_frequency"`
	LastUsedAtCutoff          time.Duration `mapstructure:"last_used_at_cutoff"`
	LastUsedAtReportFrequency int           `mapstructure:"last_used_at_report_frequency"`
}

// LockConfig holds internal/distlock's TTL for the cleanup-sweep lock.
type LockConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Key     string        `mapstructure:"key"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// LogConfig maps directly onto internal/logging.Config.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig controls the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load reads configPath (if non-empty) as YAML, layers environment
// variable overrides on top (CONFIGURATOR_SERVER_PORT etc., via
// SetEnvKeyReplacer so nested keys map onto "_"-joined env names), and
// validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("configurator")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("appconfig: reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("appconfig: unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("appconfig: validating config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "configurator")
	v.SetDefault("app.version", "dev")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.graceful_shutdown_timeout", "30s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "configurator")
	v.SetDefault("database.username", "configurator")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.connect_timeout", "10s")

	v.SetDefault("eventbus.initial_backoff", "500ms")
	v.SetDefault("eventbus.max_backoff", "30s")
	v.SetDefault("eventbus.backoff_factor", 2.0)
	v.SetDefault("eventbus.jitter_factor", 0.2)
	v.SetDefault("eventbus.health_check_period", "30s")
	v.SetDefault("eventbus.health_check_timeout", "5s")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	v.SetDefault("replica.enabled", false)
	v.SetDefault("replica.database_path", "/data/configurator-replica.db")
	v.SetDefault("replica.development", false)
	v.SetDefault("replica.pull_interval", "5m")
	v.SetDefault("replica.dump_batch_size", 1000)
	v.SetDefault("replica.step_interval", "100ms")
	v.SetDefault("replica.step_events_count", 1000)
	v.SetDefault("replica.cleanup_frequency", 128)
	v.SetDefault("replica.last_used_at_cutoff", "24h")
	v.SetDefault("replica.last_used_at_report_frequency", 128)

	v.SetDefault("lock.enabled", false)
	v.SetDefault("lock.key", "configurator_cleanup_sweep")
	v.SetDefault("lock.ttl", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Validate checks structural invariants Load's defaults don't already
// guarantee.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host cannot be empty")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	if c.Database.MinConnections > c.Database.MaxConnections {
		return fmt.Errorf("database min_connections cannot exceed max_connections")
	}
	if c.Log.Level == "" {
		return fmt.Errorf("log level cannot be empty")
	}
	if c.Replica.Enabled && c.Replica.DatabasePath == "" {
		return fmt.Errorf("replica.database_path is required when replica.enabled is true")
	}
	if c.Lock.Enabled && c.Lock.Key == "" {
		return fmt.Errorf("lock.key is required when lock.enabled is true")
	}
	return nil
}

// IsDevelopment reports whether the app is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsProduction reports whether the app is running in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}
