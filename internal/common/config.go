package common

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// EnvPrefix prefixes every environment variable override
const EnvPrefix = "TASKPULSE_"

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment" env:"ENV"` // "development" or "production"
	Server      ServerConfig    `toml:"server" envPrefix:"SERVER_"`
	Storage     StorageConfig   `toml:"storage" envPrefix:"STORAGE_"`
	Logging     LoggingConfig   `toml:"logging" envPrefix:"LOG_"`
	Tasks       TasksConfig     `toml:"tasks" envPrefix:"TASKS_"`
	WebSocket   WebSocketConfig `toml:"websocket" envPrefix:"WEBSOCKET_"`
	Client      ClientConfig    `toml:"client" envPrefix:"CLIENT_"`
	Metrics     MetricsConfig   `toml:"metrics" envPrefix:"METRICS_"`
	Events      EventsConfig    `toml:"events" envPrefix:"EVENTS_"`
}

type ServerConfig struct {
	Port int    `toml:"port" env:"PORT"`
	Host string `toml:"host" env:"HOST"`
}

// StorageConfig selects and configures the persistence shadow
type StorageConfig struct {
	Type   string       `toml:"type" env:"TYPE"` // "badger" (default) or "redis"
	Badger BadgerConfig `toml:"badger" envPrefix:"BADGER_"`
	Redis  RedisConfig  `toml:"redis" envPrefix:"REDIS_"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" env:"PATH"`                         // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup" env:"RESET_ON_STARTUP"` // Delete database on startup for clean test runs
}

// RedisConfig represents Redis-specific configuration
type RedisConfig struct {
	Addr      string `toml:"addr" env:"ADDR"`
	Password  string `toml:"password" env:"PASSWORD"`
	DB        int    `toml:"db" env:"DB"`
	KeyPrefix string `toml:"key_prefix" env:"KEY_PREFIX"`
}

type LoggingConfig struct {
	Level      string   `toml:"level" env:"LEVEL"`                      // "debug", "info", "warn", "error"
	Format     string   `toml:"format" env:"FORMAT"`                    // "json" or "text"
	Output     []string `toml:"output" env:"OUTPUT" envSeparator:","`   // "stdout", "file"
	TimeFormat string   `toml:"time_format" env:"TIME_FORMAT"`          // default "15:04:05"
	FileName   string   `toml:"file_name" env:"FILE_NAME"`              // log file name under ./logs
}

// TasksConfig controls registry retention and persistence dispatch
type TasksConfig struct {
	Retention         string `toml:"retention" env:"RETENTION"`                   // Shadow retention window (default "168h")
	RetentionSchedule string `toml:"retention_schedule" env:"RETENTION_SCHEDULE"` // Cron spec for the retention sweep
	EvictAfter        string `toml:"evict_after" env:"EVICT_AFTER"`               // Drop terminal tasks from memory after this long ("0" disables)
	StaleAfter        string `toml:"stale_after" env:"STALE_AFTER"`               // Report processing tasks older than this ("0" disables)
	PersistQueueSize  int    `toml:"persist_queue_size" env:"PERSIST_QUEUE_SIZE"`
	PersistTimeout    string `toml:"persist_timeout" env:"PERSIST_TIMEOUT"`
}

// WebSocketConfig contains configuration for realtime delivery channels
type WebSocketConfig struct {
	WriteTimeout string `toml:"write_timeout" env:"WRITE_TIMEOUT"` // Bounded send per channel (default "5s")
	// Throttle intervals per frame type. Only "task:update" is recognised and it
	// only applies to progress updates; lifecycle events are never throttled.
	ThrottleIntervals map[string]string `toml:"throttle_intervals"`
	// Allowed Origin headers for the upgrade. Empty allows all origins.
	AllowedOrigins []string `toml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// ClientConfig configures the reconnection agent used by the watch command
type ClientConfig struct {
	URL               string `toml:"url" env:"URL"`
	HeartbeatInterval string `toml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	BaseDelay         string `toml:"base_delay" env:"BASE_DELAY"`
	MaxDelay          string `toml:"max_delay" env:"MAX_DELAY"`
	MaxAttempts       int    `toml:"max_attempts" env:"MAX_ATTEMPTS"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" env:"ENABLED"`
	Path    string `toml:"path" env:"PATH"`
}

// EventsConfig configures the optional NATS mirror of task events
type EventsConfig struct {
	NATSURL     string `toml:"nats_url" env:"NATS_URL"`
	NATSSubject string `toml:"nats_subject" env:"NATS_SUBJECT"`
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Type: "badger",
			Badger: BadgerConfig{
				Path: "./data/tasks",
			},
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "taskpulse:",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
			FileName:   "taskpulse.log",
		},
		Tasks: TasksConfig{
			Retention:         "168h", // 7 days
			RetentionSchedule: "@every 1h",
			EvictAfter:        "24h",
			StaleAfter:        "6h",
			PersistQueueSize:  1024,
			PersistTimeout:    "5s",
		},
		WebSocket: WebSocketConfig{
			WriteTimeout: "5s",
		},
		Client: ClientConfig{
			URL:               "ws://localhost:8085/ws",
			HeartbeatInterval: "30s",
			BaseDelay:         "1s",
			MaxDelay:          "30s",
			MaxAttempts:       10,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Events: EventsConfig{
			NATSSubject: "taskpulse.tasks",
		},
	}
}

// LoadFromFile loads configuration from a single file
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration with priority: defaults -> file1 -> file2 -> ... -> .env -> environment
func LoadFromFiles(paths ...string) (*Config, error) {
	// Start with defaults
	config := NewDefaultConfig()

	// Later files override earlier files
	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	// .env is optional in every environment
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides overlays TASKPULSE_* variables. Unset variables leave file values in place.
func applyEnvOverrides(config *Config) error {
	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment overrides: %w", err)
	}
	return nil
}

// ApplyFlagOverrides applies command-line flag overrides to config (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks values that cannot be caught by the TOML decoder
func (c *Config) Validate() error {
	switch strings.ToLower(c.Storage.Type) {
	case "", "badger", "redis":
	default:
		return fmt.Errorf("unsupported storage type: %s (expected 'badger' or 'redis')", c.Storage.Type)
	}

	if err := ValidateRetentionSchedule(c.Tasks.RetentionSchedule); err != nil {
		return err
	}

	durations := map[string]string{
		"tasks.retention":           c.Tasks.Retention,
		"tasks.evict_after":         c.Tasks.EvictAfter,
		"tasks.stale_after":         c.Tasks.StaleAfter,
		"tasks.persist_timeout":     c.Tasks.PersistTimeout,
		"websocket.write_timeout":   c.WebSocket.WriteTimeout,
		"client.heartbeat_interval": c.Client.HeartbeatInterval,
		"client.base_delay":         c.Client.BaseDelay,
		"client.max_delay":          c.Client.MaxDelay,
	}
	for name, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", name, err)
		}
	}

	for frameType, value := range c.WebSocket.ThrottleIntervals {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid throttle interval for %s: %w", frameType, err)
		}
	}

	if c.Client.MaxAttempts < 0 {
		return fmt.Errorf("client.max_attempts must not be negative, got %d", c.Client.MaxAttempts)
	}

	return nil
}

// ValidateRetentionSchedule validates a cron schedule expression for the retention sweep.
// Accepts standard 5-field expressions and descriptors such as "@every 1h".
func ValidateRetentionSchedule(schedule string) error {
	if schedule == "" {
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ParseDuration parses a duration string, falling back when empty or invalid
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
