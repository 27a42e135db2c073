package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var allEnv = []string{
	"CONFIG_FILE", "PORT", "NUM_WORKERS", "LOG_LEVEL", "KEY_PREFIX", "KEY_VERSION",
	"JWT_ISSUER", "IDEMPOTENCY_TTL", "IDEMPOTENCY_REAP_INTERVAL", "DELIVERY_MAX_ATTEMPTS",
	"DELIVERY_ATTEMPT_TIMEOUT", "RETRY_BASE_DELAY", "RETRY_MAX_DELAY", "SWEEP_INTERVAL",
	"SWEEP_GRACE", "EVENT_CATALOG_FILE",
}

func setRequired(t *testing.T) {
	t.Helper()
	for _, k := range allEnv {
		t.Setenv(k, "")
	}
	t.Setenv("DATABASE_URL", "postgres://localhost/edc")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("JWT_SECRET", "secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.NumWorkers != 50 {
		t.Errorf("unexpected defaults: port=%s workers=%d", cfg.Port, cfg.NumWorkers)
	}
	if cfg.KeyPrefix != "edc" || cfg.KeyVersion != "v1" {
		t.Errorf("unexpected key defaults: %s %s", cfg.KeyPrefix, cfg.KeyVersion)
	}
	if cfg.DeliveryMaxAttempts != 5 {
		t.Errorf("expected 5 attempts, got %d", cfg.DeliveryMaxAttempts)
	}
	if cfg.IdempotencyTTL != 24*time.Hour {
		t.Errorf("expected 24h idempotency ttl, got %s", cfg.IdempotencyTTL)
	}
}

func TestLoad_ReportsAllMissing(t *testing.T) {
	setRequired(t)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"DATABASE_URL", "REDIS_URL", "JWT_SECRET"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s: %v", want, err)
		}
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RETRY_BASE_DELAY", "500ms")
	t.Setenv("IDEMPOTENCY_TTL", "2h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("expected debug level, got %s", cfg.LogLevel)
	}
	if cfg.RetryBaseDelay != 500*time.Millisecond {
		t.Errorf("expected 500ms base delay, got %s", cfg.RetryBaseDelay)
	}
	if cfg.IdempotencyTTL != 2*time.Hour {
		t.Errorf("expected 2h ttl, got %s", cfg.IdempotencyTTL)
	}
}

func TestLoad_ClampsMaxAttempts(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"0", 1},
		{"-3", 1},
		{"3", 3},
		{"8", 8},
		{"20", 8},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			setRequired(t)
			t.Setenv("DELIVERY_MAX_ATTEMPTS", tt.raw)

			cfg, err := Load()
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if cfg.DeliveryMaxAttempts != tt.want {
				t.Errorf("expected %d, got %d", tt.want, cfg.DeliveryMaxAttempts)
			}
		})
	}
}

func TestLoad_SweepGraceMustCoverAttemptTimeout(t *testing.T) {
	tests := []struct {
		name    string
		timeout string
		grace   string
		wantErr bool
	}{
		{"grace below timeout", "30s", "5s", true},
		{"grace equals timeout", "30s", "30s", true},
		{"grace inside margin", "30s", "40s", true},
		{"grace covers timeout and margin", "30s", "45s", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv("DELIVERY_ATTEMPT_TIMEOUT", tt.timeout)
			t.Setenv("SWEEP_GRACE", tt.grace)

			_, err := Load()
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), "SWEEP_GRACE") {
					t.Errorf("expected SWEEP_GRACE error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	setRequired(t)
	t.Setenv("NUM_WORKERS", "many")
	t.Setenv("RETRY_MAX_DELAY", "soon")
	t.Setenv("LOG_LEVEL", "loud")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"NUM_WORKERS", "RETRY_MAX_DELAY", "LOG_LEVEL"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s: %v", want, err)
		}
	}
}

func TestLoad_File(t *testing.T) {
	setRequired(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
port: "7070"
num_workers: 4
log_level: warn
keys:
  prefix: acme
jwt:
  issuer: edc-test
delivery:
  max_attempts: 3
  retry_base_delay: 1s
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("NUM_WORKERS", "8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "7070" || cfg.KeyPrefix != "acme" || cfg.JWTIssuer != "edc-test" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.NumWorkers != 8 {
		t.Errorf("env should win over file, got %d workers", cfg.NumWorkers)
	}
	if cfg.DeliveryMaxAttempts != 3 || cfg.RetryBaseDelay != time.Second {
		t.Errorf("delivery values not applied: %d %s", cfg.DeliveryMaxAttempts, cfg.RetryBaseDelay)
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Errorf("expected warn level, got %s", cfg.LogLevel)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %s, %v", in, got, err)
		}
	}
}
