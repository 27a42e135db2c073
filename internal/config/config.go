package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Delivery attempt budget bounds. Values outside are clamped.
const (
	MinDeliveryAttempts = 1
	MaxDeliveryAttempts = 8
)

// SweepGraceMargin is the time beyond the attempt timeout an attempt
// gets to record its outcome before the sweeper may re-queue it.
const SweepGraceMargin = 15 * time.Second

// Config holds all configuration for the application.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	NumWorkers  int
	LogLevel    slog.Level

	KeyPrefix  string
	KeyVersion string

	JWTSecret string
	JWTIssuer string

	IdempotencyTTL          time.Duration
	IdempotencyReapInterval time.Duration

	DeliveryMaxAttempts    int
	DeliveryAttemptTimeout time.Duration
	RetryBaseDelay         time.Duration
	RetryMaxDelay          time.Duration
	SweepInterval          time.Duration
	SweepGrace             time.Duration

	// EventCatalogFile replaces the built-in event catalog when set.
	EventCatalogFile string
}

// fileConfig is the CONFIG_FILE shape. Durations use Go syntax ("30s").
type fileConfig struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	NumWorkers  int    `yaml:"num_workers"`
	LogLevel    string `yaml:"log_level"`
	Keys        struct {
		Prefix  string `yaml:"prefix"`
		Version string `yaml:"version"`
	} `yaml:"keys"`
	JWT struct {
		Secret string `yaml:"secret"`
		Issuer string `yaml:"issuer"`
	} `yaml:"jwt"`
	Idempotency struct {
		TTL          string `yaml:"ttl"`
		ReapInterval string `yaml:"reap_interval"`
	} `yaml:"idempotency"`
	Delivery struct {
		MaxAttempts    int    `yaml:"max_attempts"`
		AttemptTimeout string `yaml:"attempt_timeout"`
		RetryBaseDelay string `yaml:"retry_base_delay"`
		RetryMaxDelay  string `yaml:"retry_max_delay"`
		SweepInterval  string `yaml:"sweep_interval"`
		SweepGrace     string `yaml:"sweep_grace"`
	} `yaml:"delivery"`
	EventCatalogFile string `yaml:"event_catalog_file"`
}

func defaults() *Config {
	return &Config{
		Port:                    "8080",
		NumWorkers:              50,
		LogLevel:                slog.LevelInfo,
		KeyPrefix:               "edc",
		KeyVersion:              "v1",
		IdempotencyTTL:          24 * time.Hour,
		IdempotencyReapInterval: 10 * time.Minute,
		DeliveryMaxAttempts:     5,
		DeliveryAttemptTimeout:  10 * time.Second,
		RetryBaseDelay:          2 * time.Second,
		RetryMaxDelay:           10 * time.Minute,
		SweepInterval:           30 * time.Second,
		SweepGrace:              2 * time.Minute,
	}
}

// Load builds the configuration from defaults, the optional YAML file
// named by CONFIG_FILE, and environment variables, in that order of
// precedence. All problems are reported together.
func Load() (*Config, error) {
	cfg := defaults()
	var errs []error

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		var f fileConfig
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		errs = append(errs, cfg.applyFile(f)...)
	}

	errs = append(errs, cfg.applyEnv()...)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(f fileConfig) []error {
	var errs []error
	setString(&c.Port, f.Port)
	setString(&c.DatabaseURL, f.DatabaseURL)
	setString(&c.RedisURL, f.RedisURL)
	if f.NumWorkers > 0 {
		c.NumWorkers = f.NumWorkers
	}
	if f.LogLevel != "" {
		lvl, err := ParseLevel(f.LogLevel)
		if err != nil {
			errs = append(errs, fmt.Errorf("log_level: %w", err))
		}
		c.LogLevel = lvl
	}
	setString(&c.KeyPrefix, f.Keys.Prefix)
	setString(&c.KeyVersion, f.Keys.Version)
	setString(&c.JWTSecret, f.JWT.Secret)
	setString(&c.JWTIssuer, f.JWT.Issuer)
	if f.Delivery.MaxAttempts != 0 {
		c.DeliveryMaxAttempts = f.Delivery.MaxAttempts
	}
	setString(&c.EventCatalogFile, f.EventCatalogFile)

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"idempotency.ttl", f.Idempotency.TTL, &c.IdempotencyTTL},
		{"idempotency.reap_interval", f.Idempotency.ReapInterval, &c.IdempotencyReapInterval},
		{"delivery.attempt_timeout", f.Delivery.AttemptTimeout, &c.DeliveryAttemptTimeout},
		{"delivery.retry_base_delay", f.Delivery.RetryBaseDelay, &c.RetryBaseDelay},
		{"delivery.retry_max_delay", f.Delivery.RetryMaxDelay, &c.RetryMaxDelay},
		{"delivery.sweep_interval", f.Delivery.SweepInterval, &c.SweepInterval},
		{"delivery.sweep_grace", f.Delivery.SweepGrace, &c.SweepGrace},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
		}
	}
	return errs
}

func (c *Config) applyEnv() []error {
	var errs []error
	setString(&c.Port, os.Getenv("PORT"))
	setString(&c.DatabaseURL, os.Getenv("DATABASE_URL"))
	setString(&c.RedisURL, os.Getenv("REDIS_URL"))
	setString(&c.KeyPrefix, os.Getenv("KEY_PREFIX"))
	setString(&c.KeyVersion, os.Getenv("KEY_VERSION"))
	setString(&c.JWTSecret, os.Getenv("JWT_SECRET"))
	setString(&c.JWTIssuer, os.Getenv("JWT_ISSUER"))
	setString(&c.EventCatalogFile, os.Getenv("EVENT_CATALOG_FILE"))

	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		lvl, err := ParseLevel(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
		}
		c.LogLevel = lvl
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"NUM_WORKERS", &c.NumWorkers},
		{"DELIVERY_MAX_ATTEMPTS", &c.DeliveryMaxAttempts},
	}
	for _, i := range ints {
		if err := setInt(i.dst, os.Getenv(i.name)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", i.name, err))
		}
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"IDEMPOTENCY_TTL", &c.IdempotencyTTL},
		{"IDEMPOTENCY_REAP_INTERVAL", &c.IdempotencyReapInterval},
		{"DELIVERY_ATTEMPT_TIMEOUT", &c.DeliveryAttemptTimeout},
		{"RETRY_BASE_DELAY", &c.RetryBaseDelay},
		{"RETRY_MAX_DELAY", &c.RetryMaxDelay},
		{"SWEEP_INTERVAL", &c.SweepInterval},
		{"SWEEP_GRACE", &c.SweepGrace},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, os.Getenv(d.name)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
		}
	}
	return errs
}

// Validate reports every missing or invalid setting and clamps the
// delivery attempt budget into range.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if p, err := strconv.Atoi(c.Port); err != nil || p <= 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be a valid port, got %q", c.Port))
	}
	if c.NumWorkers <= 0 {
		errs = append(errs, fmt.Errorf("NUM_WORKERS must be positive, got %d", c.NumWorkers))
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"IDEMPOTENCY_TTL", c.IdempotencyTTL},
		{"IDEMPOTENCY_REAP_INTERVAL", c.IdempotencyReapInterval},
		{"DELIVERY_ATTEMPT_TIMEOUT", c.DeliveryAttemptTimeout},
		{"RETRY_BASE_DELAY", c.RetryBaseDelay},
		{"RETRY_MAX_DELAY", c.RetryMaxDelay},
		{"SWEEP_INTERVAL", c.SweepInterval},
		{"SWEEP_GRACE", c.SweepGrace},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", p.name, p.d))
		}
	}
	if c.SweepGrace < c.DeliveryAttemptTimeout+SweepGraceMargin {
		errs = append(errs, fmt.Errorf("SWEEP_GRACE (%s) must be at least DELIVERY_ATTEMPT_TIMEOUT (%s) plus %s",
			c.SweepGrace, c.DeliveryAttemptTimeout, SweepGraceMargin))
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, fmt.Errorf("RETRY_MAX_DELAY (%s) must not be below RETRY_BASE_DELAY (%s)", c.RetryMaxDelay, c.RetryBaseDelay))
	}

	c.DeliveryMaxAttempts = min(max(c.DeliveryMaxAttempts, MinDeliveryAttempts), MaxDeliveryAttempts)

	return errors.Join(errs...)
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setInt(dst *int, raw string) error {
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("not an integer: %q", raw)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("not a duration: %q", raw)
	}
	*dst = d
	return nil
}
