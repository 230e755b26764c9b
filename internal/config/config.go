package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StorageBackend selects which Backend implementation the relay constructs.
type StorageBackend string

const (
	StorageBackendMemory StorageBackend = "memory"
	StorageBackendValkey StorageBackend = "valkey"
)

const (
	// DefaultAddr is the default TCP address the relay listens on.
	DefaultAddr = ":8080"
	// DefaultPingInterval controls the keepalive cadence for push-socket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits an inbound message payload.
	DefaultMaxPayloadBytes int64 = 1 << 20
	// DefaultMaxClients bounds concurrent push-socket connections. Zero disables the limit.
	DefaultMaxClients = 10000
	// DefaultMaxWaiters is the default for Config.MaxWaiters (PULSAR_MAX_WAITERS).
	// The poll manager does not read it: concurrent poll waiters are not capped.
	DefaultMaxWaiters = 10000

	// DefaultPollTimeout is used when a poll request omits an explicit timeout.
	DefaultPollTimeout = 30 * time.Second
	// MinPollTimeout is the smallest timeout a poll request may request.
	MinPollTimeout = 1 * time.Second
	// MaxPollTimeout is the largest timeout a poll request may request.
	MaxPollTimeout = 60 * time.Second
	// DefaultWaiterBufferSize bounds how many messages a single waiter buffers.
	DefaultWaiterBufferSize = 128
	// DefaultWaiterSweepInterval controls how often stale waiters are forcibly woken.
	DefaultWaiterSweepInterval = 30 * time.Second
	// DefaultWaiterCeiling is the age after which a waiter is swept regardless of its own timeout.
	DefaultWaiterCeiling = 5 * time.Minute

	// DefaultPersistentTierRetention is the advisory retention window, in seconds.
	DefaultPersistentTierRetention = 86400
	// DefaultMaxMessagesPerTopic bounds retained messages per topic for the memory backend.
	// The Valkey backend does not use it and does not trim on append.
	DefaultMaxMessagesPerTopic = 1_000_000

	// DefaultSensitiveOpWindow bounds how frequently sensitive admin operations may be invoked.
	DefaultSensitiveOpWindow = time.Minute
	// DefaultSensitiveOpBurst sets how many sensitive operations may be made per window.
	DefaultSensitiveOpBurst = 30

	// DefaultLogLevel controls verbosity for relay logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "pulsar-relay.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultValkeyPort is used when PULSAR_VALKEY_PORT is unset.
	DefaultValkeyPort = 6379
)

// Config captures all runtime tunables for the relay service.
type Config struct {
	Address         string
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	MaxClients      int
	MaxWaiters      int
	TLSCertPath     string
	TLSKeyPath      string
	AdminToken      string
	JWTSecretKey    string

	StorageBackend StorageBackend
	Valkey         ValkeyConfig

	PersistentTierRetention time.Duration
	MaxMessagesPerTopic     int64

	WaiterBufferSize    int
	WaiterSweepInterval time.Duration
	WaiterCeiling       time.Duration

	SensitiveOpWindow time.Duration
	SensitiveOpBurst  int

	Logging LoggingConfig
}

// ValkeyConfig captures the connection parameters for the Valkey/Redis-compatible backend.
type ValkeyConfig struct {
	Host   string
	Port   int
	UseTLS bool
}

// Addr formats the host:port pair go-redis expects.
func (v ValkeyConfig) Addr() string {
	return fmt.Sprintf("%s:%d", v.Host, v.Port)
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the relay configuration from environment variables, applying sane defaults
// and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:         getString("PULSAR_ADDR", DefaultAddr),
		AllowedOrigins:  parseList(os.Getenv("PULSAR_ALLOWED_ORIGINS")),
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		PingInterval:    DefaultPingInterval,
		MaxClients:      DefaultMaxClients,
		MaxWaiters:      DefaultMaxWaiters,
		TLSCertPath:     strings.TrimSpace(os.Getenv("PULSAR_TLS_CERT")),
		TLSKeyPath:      strings.TrimSpace(os.Getenv("PULSAR_TLS_KEY")),
		AdminToken:      strings.TrimSpace(os.Getenv("PULSAR_ADMIN_TOKEN")),
		JWTSecretKey:    strings.TrimSpace(os.Getenv("PULSAR_JWT_SECRET_KEY")),

		StorageBackend: StorageBackend(getString("PULSAR_STORAGE_BACKEND", string(StorageBackendMemory))),
		Valkey: ValkeyConfig{
			Host: getString("PULSAR_VALKEY_HOST", "localhost"),
			Port: DefaultValkeyPort,
		},

		PersistentTierRetention: DefaultPersistentTierRetention * time.Second,
		MaxMessagesPerTopic:     DefaultMaxMessagesPerTopic,

		WaiterBufferSize:    DefaultWaiterBufferSize,
		WaiterSweepInterval: DefaultWaiterSweepInterval,
		WaiterCeiling:       DefaultWaiterCeiling,

		SensitiveOpWindow: DefaultSensitiveOpWindow,
		SensitiveOpBurst:  DefaultSensitiveOpBurst,

		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("PULSAR_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("PULSAR_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	switch cfg.StorageBackend {
	case StorageBackendMemory, StorageBackendValkey:
	default:
		problems = append(problems, fmt.Sprintf("PULSAR_STORAGE_BACKEND must be %q or %q, got %q", StorageBackendMemory, StorageBackendValkey, cfg.StorageBackend))
	}

	if raw := strings.TrimSpace(os.Getenv("PULSAR_VALKEY_PORT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("PULSAR_VALKEY_PORT must be a positive integer, got %q", raw))
		} else {
			cfg.Valkey.Port = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("PULSAR_VALKEY_USE_TLS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("PULSAR_VALKEY_USE_TLS must be a boolean value, got %q", raw))
		} else {
			cfg.Valkey.UseTLS = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("PULSAR_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("PULSAR_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("PULSAR_PING_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("PULSAR_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("PULSAR_MAX_CLIENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("PULSAR_MAX_CLIENTS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxClients = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("PULSAR_MAX_WAITERS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("PULSAR_MAX_WAITERS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxWaiters = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("PULSAR_PERSISTENT_TIER_RETENTION")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("PULSAR_PERSISTENT_TIER_RETENTION must be a positive integer of seconds, got %q", raw))
		} else {
			cfg.PersistentTierRetention = time.Duration(value) * time.Second
		}
	}

	if raw := strings.TrimSpace(os.Getenv("PULSAR_MAX_MESSAGES_PER_TOPIC")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("PULSAR_MAX_MESSAGES_PER_TOPIC must be a positive integer, got %q", raw))
		} else {
			cfg.MaxMessagesPerTopic = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("PULSAR_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("PULSAR_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("PULSAR_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("PULSAR_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("PULSAR_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("PULSAR_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("PULSAR_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("PULSAR_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "PULSAR_TLS_CERT and PULSAR_TLS_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
