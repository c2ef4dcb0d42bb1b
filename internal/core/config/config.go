package config

import (
	"github.com/vietddude/guardian/internal/infra/amqp"
	"github.com/vietddude/guardian/internal/infra/push"
	"github.com/vietddude/guardian/internal/infra/storage/postgres"
	redisstore "github.com/vietddude/guardian/internal/infra/storage/redis"
	"github.com/vietddude/guardian/internal/infra/supabase"
	"github.com/vietddude/guardian/internal/notify"
	"github.com/vietddude/guardian/internal/resilience"
	"github.com/vietddude/guardian/internal/session"
	"github.com/vietddude/guardian/internal/telemetry"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server        ServerConfig           `yaml:"server"`
	Logging       LoggingConfig          `yaml:"logging"`
	App           AppInfo                `yaml:"app"`
	Session       session.Config         `yaml:"session"`
	Resilience    resilience.Config      `yaml:"resilience"`
	Retry         resilience.RetryPolicy `yaml:"retry"`
	Notifications notify.Config          `yaml:"notifications"`
	Telemetry     TelemetryConfig        `yaml:"telemetry"`
	Storage       StorageConfig          `yaml:"storage"`
	Supabase      supabase.Config        `yaml:"supabase"`
	Push          push.Config            `yaml:"push"`
	AMQP          amqp.Config            `yaml:"amqp"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// AppInfo describes the running client for device fingerprints.
type AppInfo struct {
	Version string `yaml:"version"`
	Locale  string `yaml:"locale"`
}

// TelemetryConfig selects error report sinks.
type TelemetryConfig struct {
	telemetry.Config `yaml:",inline"`
	// Sinks lists report destinations: log, supabase, amqp.
	Sinks []string `yaml:"sinks"`
}

// StorageConfig selects the key-value driver.
type StorageConfig struct {
	Driver string `yaml:"driver"` // memory, redis, postgres
	// EncryptionKey is a 32-byte key, hex or base64. Empty stores plaintext.
	EncryptionKey string            `yaml:"encryption_key"`
	Redis         redisstore.Config `yaml:"redis"`
	Postgres      postgres.Config   `yaml:"postgres"`
}

const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"

	SinkLog      = "log"
	SinkSupabase = "supabase"
	SinkAMQP     = "amqp"

	PushLog  = "log"
	PushExpo = "expo"
)

// Default returns a configuration with every default applied.
func Default() AppConfig {
	return AppConfig{
		Server:        ServerConfig{Port: 8080},
		Logging:       LoggingConfig{Level: "info", Format: "text"},
		App:           AppInfo{Version: "dev", Locale: "en-US"},
		Session:       session.DefaultConfig,
		Resilience:    resilience.DefaultConfig,
		Retry:         resilience.DefaultRetryPolicy,
		Notifications: notify.DefaultConfig,
		Telemetry:     TelemetryConfig{Config: telemetry.DefaultConfig, Sinks: []string{SinkLog}},
		Storage:       StorageConfig{Driver: DriverMemory},
		Push:          push.Config{Driver: PushLog},
	}
}
