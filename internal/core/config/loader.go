package config

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/guardian/internal/infra/storage"
)

// Load reads configuration from a YAML file. Keys missing from the file keep
// their defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverMemory
	}
	if cfg.Push.Driver == "" {
		cfg.Push.Driver = PushLog
	}
	if len(cfg.Telemetry.Sinks) == 0 {
		cfg.Telemetry.Sinks = []string{SinkLog}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values no component can run with.
func (c *AppConfig) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d out of range", c.Server.Port)
	check(slices.Contains([]string{"", "debug", "info", "warn", "error"}, c.Logging.Level),
		"logging.level %q must be debug, info, warn or error", c.Logging.Level)
	check(slices.Contains([]string{"", "text", "json"}, c.Logging.Format),
		"logging.format %q must be text or json", c.Logging.Format)

	check(c.Resilience.Breaker.FailureThreshold >= 1, "resilience.breaker.failure_threshold must be at least 1")
	check(c.Resilience.Breaker.HalfOpenSuccesses >= 1, "resilience.breaker.half_open_successes must be at least 1")
	check(c.Resilience.Breaker.OpenTimeout > 0, "resilience.breaker.open_timeout must be positive")
	check(c.Retry.MaxAttempts >= 1, "retry.max_attempts must be at least 1")
	check(c.Retry.MaxDelay == 0 || c.Retry.MaxDelay >= c.Retry.BaseDelay, "retry.max_delay must not be below retry.base_delay")

	check(c.Session.FingerprintThreshold >= 1, "session.fingerprint_threshold must be at least 1")
	check(c.Session.InactivityTimeout > 0, "session.inactivity_timeout must be positive")
	check(c.Session.RefreshBuffer >= 0, "session.refresh_buffer must not be negative")

	check(c.Notifications.Retry.MaxRetries >= 0, "notifications.retry.max_retries must not be negative")

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverRedis:
		check(c.Storage.Redis.URL != "", "storage.redis.url is required for the redis driver")
	case DriverPostgres:
		check(c.Storage.Postgres.URL != "", "storage.postgres.url is required for the postgres driver")
		check(slices.Contains([]string{"", "postgres", "pq", "pgx"}, c.Storage.Postgres.Driver),
			"storage.postgres.driver %q must be postgres or pgx", c.Storage.Postgres.Driver)
	default:
		check(false, "storage.driver %q must be memory, redis or postgres", c.Storage.Driver)
	}
	if c.Storage.EncryptionKey != "" {
		if _, err := storage.ParseKey(c.Storage.EncryptionKey); err != nil {
			errs = append(errs, fmt.Errorf("storage.encryption_key: %w", err))
		}
	}

	switch c.Push.Driver {
	case PushLog, PushExpo:
	default:
		check(false, "push.driver %q must be log or expo", c.Push.Driver)
	}

	for _, s := range c.Telemetry.Sinks {
		switch s {
		case SinkLog:
		case SinkSupabase:
			check(c.Supabase.URL != "" && c.Supabase.APIKey != "", "telemetry sink supabase requires supabase.url and supabase.api_key")
		case SinkAMQP:
			check(c.AMQP.URL != "", "telemetry sink amqp requires amqp.url")
		default:
			check(false, "unknown telemetry sink %q", s)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
