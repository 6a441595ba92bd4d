// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"session-gateway/backend/internal/gateway"
	"session-gateway/backend/internal/lock"
	lockdomain "session-gateway/backend/internal/lock/domain"
	"session-gateway/backend/internal/security"
	"session-gateway/backend/internal/session"
	"session-gateway/backend/internal/session/policy"
	"session-gateway/backend/internal/vault"
)

// Config holds application configuration loaded from the environment.
// Durations are Go duration strings (e.g. "8h", "30s") and are parsed by the accessors.
type Config struct {
	// GRPCAddr is the address the gRPC server listens on (e.g. :8080).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is the zap level: debug, info, warn or error.
	LogLevel string `mapstructure:"LOG_LEVEL"`

	SessionDefaultDuration string `mapstructure:"SESSION_DEFAULT_DURATION"`
	// SessionMaxDuration is the absolute lifetime cap measured from session creation.
	SessionMaxDuration     string `mapstructure:"SESSION_MAX_DURATION"`
	SessionMaxConcurrent   int    `mapstructure:"SESSION_MAX_CONCURRENT"`
	SessionCleanupInterval string `mapstructure:"SESSION_CLEANUP_INTERVAL"`

	MFARequiredForAdmin           bool `mapstructure:"MFA_REQUIRED_FOR_ADMIN"`
	MFARequiredForUntrustedDevice bool `mapstructure:"MFA_REQUIRED_FOR_UNTRUSTED_DEVICE"`

	LockTimeout         string `mapstructure:"LOCK_TIMEOUT"`
	LockCleanupInterval string `mapstructure:"LOCK_CLEANUP_INTERVAL"`
	// ConflictStrategy is one of latest-wins, merge, queue, reject.
	ConflictStrategy string `mapstructure:"CONFLICT_STRATEGY"`

	// CipherKDF is pbkdf2 or scrypt.
	CipherKDF              string `mapstructure:"CIPHER_KDF"`
	CipherPBKDF2Iterations int    `mapstructure:"CIPHER_PBKDF2_ITERATIONS"`
	CipherKeyLength        int    `mapstructure:"CIPHER_KEY_LENGTH"`
	// CipherForwardSecrecy enables the blob age policy and periodic key rotation.
	CipherForwardSecrecy bool   `mapstructure:"CIPHER_FORWARD_SECRECY"`
	CipherMaxKeyAge      string `mapstructure:"CIPHER_MAX_KEY_AGE"`

	VaultEncryptionEnabled bool   `mapstructure:"VAULT_ENCRYPTION_ENABLED"`
	VaultCleanupInterval   string `mapstructure:"VAULT_CLEANUP_INTERVAL"`

	// OTLPEndpoint is the collector address; empty disables export.
	OTLPEndpoint    string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure    bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// KafkaBrokers is a comma-separated broker list (e.g. "localhost:9092"). When set, lifecycle
	// events are also published to TelemetryKafkaTopic.
	KafkaBrokers        string `mapstructure:"KAFKA_BROKERS"`
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if any field is invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SESSION_DEFAULT_DURATION", "8h")
	v.SetDefault("SESSION_MAX_DURATION", "24h")
	v.SetDefault("SESSION_MAX_CONCURRENT", 5)
	v.SetDefault("SESSION_CLEANUP_INTERVAL", "5m")
	v.SetDefault("MFA_REQUIRED_FOR_ADMIN", true)
	v.SetDefault("MFA_REQUIRED_FOR_UNTRUSTED_DEVICE", true)
	v.SetDefault("LOCK_TIMEOUT", "30s")
	v.SetDefault("LOCK_CLEANUP_INTERVAL", "1m")
	v.SetDefault("CONFLICT_STRATEGY", string(lockdomain.StrategyLatestWins))
	v.SetDefault("CIPHER_KDF", string(security.KDFPBKDF2))
	v.SetDefault("CIPHER_PBKDF2_ITERATIONS", security.MinPBKDF2Iterations)
	v.SetDefault("CIPHER_KEY_LENGTH", 32)
	v.SetDefault("CIPHER_FORWARD_SECRECY", true)
	v.SetDefault("CIPHER_MAX_KEY_AGE", "24h")
	v.SetDefault("VAULT_ENCRYPTION_ENABLED", true)
	v.SetDefault("VAULT_CLEANUP_INTERVAL", "10m")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "session-gateway")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "session-gateway-events")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.GRPCAddr == "" {
		return errors.New("config: GRPC_ADDR must be set")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}
	durations := []struct {
		key, val string
	}{
		{"SESSION_DEFAULT_DURATION", c.SessionDefaultDuration},
		{"SESSION_MAX_DURATION", c.SessionMaxDuration},
		{"SESSION_CLEANUP_INTERVAL", c.SessionCleanupInterval},
		{"LOCK_TIMEOUT", c.LockTimeout},
		{"LOCK_CLEANUP_INTERVAL", c.LockCleanupInterval},
		{"CIPHER_MAX_KEY_AGE", c.CipherMaxKeyAge},
		{"VAULT_CLEANUP_INTERVAL", c.VaultCleanupInterval},
	}
	for _, d := range durations {
		if v, err := time.ParseDuration(d.val); err != nil || v <= 0 {
			return fmt.Errorf("config: %s must be a positive duration, got %q", d.key, d.val)
		}
	}
	if c.SessionMaxConcurrent < 1 {
		return errors.New("config: SESSION_MAX_CONCURRENT must be at least 1")
	}
	if parse(c.SessionDefaultDuration, 0) > parse(c.SessionMaxDuration, 0) {
		return errors.New("config: SESSION_DEFAULT_DURATION must not exceed SESSION_MAX_DURATION")
	}
	if _, ok := lockdomain.ParseStrategy(c.ConflictStrategy); !ok {
		return fmt.Errorf("config: CONFLICT_STRATEGY must be latest-wins, merge, queue or reject, got %q", c.ConflictStrategy)
	}
	switch security.KDFAlgorithm(c.CipherKDF) {
	case security.KDFPBKDF2, security.KDFScrypt:
	default:
		return fmt.Errorf("config: CIPHER_KDF must be pbkdf2 or scrypt, got %q", c.CipherKDF)
	}
	if c.CipherPBKDF2Iterations < security.MinPBKDF2Iterations {
		return fmt.Errorf("config: CIPHER_PBKDF2_ITERATIONS must be at least %d", security.MinPBKDF2Iterations)
	}
	switch c.CipherKeyLength {
	case 16, 24, 32:
	default:
		return errors.New("config: CIPHER_KEY_LENGTH must be 16, 24 or 32")
	}
	return nil
}

// parse returns the duration in s, or fallback if s is unset or invalid.
func parse(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// SessionConfig returns the session store settings.
func (c *Config) SessionConfig() session.Config {
	d := session.DefaultConfig()
	return session.Config{
		DefaultDuration:       parse(c.SessionDefaultDuration, d.DefaultDuration),
		MaxDuration:           parse(c.SessionMaxDuration, d.MaxDuration),
		MaxConcurrentSessions: c.SessionMaxConcurrent,
		CleanupInterval:       parse(c.SessionCleanupInterval, d.CleanupInterval),
	}
}

// PolicyConfig returns the MFA step-up policy switches.
func (c *Config) PolicyConfig() policy.Config {
	return policy.Config{
		RequireForAdmin:           c.MFARequiredForAdmin,
		RequireForUntrustedDevice: c.MFARequiredForUntrustedDevice,
	}
}

// LockConfig returns the access coordinator settings.
func (c *Config) LockConfig() lock.Config {
	d := lock.DefaultConfig()
	strategy, ok := lockdomain.ParseStrategy(c.ConflictStrategy)
	if !ok {
		strategy = d.Strategy
	}
	return lock.Config{
		LockTimeout:     parse(c.LockTimeout, d.LockTimeout),
		CleanupInterval: parse(c.LockCleanupInterval, d.CleanupInterval),
		Strategy:        strategy,
	}
}

// CipherConfig returns the credential cipher settings. The key history size keeps its default.
func (c *Config) CipherConfig() security.Config {
	cfg := security.DefaultConfig()
	cfg.KDF = security.KDFAlgorithm(c.CipherKDF)
	cfg.Iterations = c.CipherPBKDF2Iterations
	cfg.KeyLength = c.CipherKeyLength
	cfg.ForwardSecrecy = c.CipherForwardSecrecy
	cfg.MaxKeyAge = parse(c.CipherMaxKeyAge, cfg.MaxKeyAge)
	return cfg
}

// VaultConfig returns the token vault settings.
func (c *Config) VaultConfig() vault.Config {
	return vault.Config{
		EncryptionEnabled: c.VaultEncryptionEnabled,
		CleanupInterval:   parse(c.VaultCleanupInterval, vault.DefaultConfig().CleanupInterval),
	}
}

// KafkaBrokersList returns the broker addresses from the comma-separated config, or nil if unset.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// GatewayConfig assembles the per-component settings for gateway.New.
func (c *Config) GatewayConfig() gateway.Config {
	return gateway.Config{
		Session: c.SessionConfig(),
		Policy:  c.PolicyConfig(),
		Lock:    c.LockConfig(),
		Cipher:  c.CipherConfig(),
		Vault:   c.VaultConfig(),
	}
}
