package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"PORT", "LOG_LEVEL", "DATABASE_URL", "DATA_DIR", "POLICY_ENGINE_URL", "POLICY_ENGINE_TIMEOUT",
	"DEFAULT_POLICY_PACKAGE", "SCAN_CLOCK_SKEW", "NOTIFY_WEBHOOK_URL", "NOTIFY_REDIS_ADDR",
	"NOTIFY_REDIS_PASSWORD", "NOTIFY_REDIS_CHANNEL", "NOTIFY_WORKERS", "NOTIFY_QUEUE_SIZE",
	"NOTIFY_TIMEOUT", "NOTIFY_TRIGGER", "OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_INSECURE",
	"OTEL_SAMPLE_RATE", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "ARCHIVE_STORAGE_TYPE", "ARCHIVE_S3_BUCKET",
	"ARCHIVE_S3_REGION", "ARCHIVE_S3_ENDPOINT", "ARCHIVE_S3_PREFIX", "ARCHIVE_GCS_BUCKET",
	"ARCHIVE_GCS_PREFIX", "AUDIT_WRITE_ATTEMPTS", "GATEWAY_CONFIG",
}

func cleanEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

// The gateway must boot with no configuration at all.
func TestLoad_Defaults(t *testing.T) {
	cleanEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, "http://localhost:8181", cfg.PolicyEngine.URL)
	assert.Equal(t, 5*time.Second, cfg.PolicyEngine.Timeout)
	assert.Equal(t, "compliance.default", cfg.PolicyEngine.DefaultPackage)
	assert.Equal(t, 5*time.Minute, cfg.Scan.ClockSkew)
	assert.Equal(t, 4, cfg.Notify.Workers)
	assert.Equal(t, 256, cfg.Notify.QueueSize)
	assert.Empty(t, cfg.Notify.Trigger)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRate)
	assert.Equal(t, "fs", cfg.Archive.Type)
	assert.Equal(t, 3, cfg.Audit.WriteAttempts)
	assert.Empty(t, cfg.Source)
}

func TestLoad_Overrides(t *testing.T) {
	cleanEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATABASE_URL", "postgres://gw@db:5432/gw")
	t.Setenv("POLICY_ENGINE_TIMEOUT", "750ms")
	t.Setenv("NOTIFY_WORKERS", "8")
	t.Setenv("NOTIFY_TRIGGER", "!allowed")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_SAMPLE_RATE", "0.25")
	t.Setenv("RATE_LIMIT_RPS", "0")
	t.Setenv("ARCHIVE_STORAGE_TYPE", "s3")
	t.Setenv("ARCHIVE_S3_BUCKET", "evidence")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://gw@db:5432/gw", cfg.DatabaseURL)
	assert.Equal(t, 750*time.Millisecond, cfg.PolicyEngine.Timeout)
	assert.Equal(t, 8, cfg.Notify.Workers)
	assert.Equal(t, "!allowed", cfg.Notify.Trigger)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, 0.25, cfg.Tracing.SampleRate)
	assert.Zero(t, cfg.RateLimit.RPS)
	assert.Equal(t, "s3", cfg.Archive.Type)
	assert.Equal(t, "evidence", cfg.Archive.S3.Bucket)
}

func TestLoad_MalformedValuesAreReportedTogether(t *testing.T) {
	cleanEnv(t)
	t.Setenv("NOTIFY_WORKERS", "many")
	t.Setenv("POLICY_ENGINE_TIMEOUT", "5")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOTIFY_WORKERS")
	assert.Contains(t, err.Error(), "POLICY_ENGINE_TIMEOUT")
}

func TestLoad_RejectsInvalidSettings(t *testing.T) {
	cases := map[string][2]string{
		"log level":      {"LOG_LEVEL", "chatty"},
		"sample rate":    {"OTEL_SAMPLE_RATE", "1.5"},
		"audit attempts": {"AUDIT_WRITE_ATTEMPTS", "0"},
		"archive type":   {"ARCHIVE_STORAGE_TYPE", "tape"},
		"negative skew":  {"SCAN_CLOCK_SKEW", "-1m"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			cleanEnv(t)
			t.Setenv(kv[0], kv[1])
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_YAMLOverlay(t *testing.T) {
	cleanEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("NOTIFY_WORKERS", "2")

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: warn
policy_engine:
  url: http://opa:8181
  timeout: 2s
notify:
  webhook_url: https://hooks.example.com/compliance
  webhook_headers:
    Authorization: Bearer abc
applications:
  - name: payments-api
    owner: payments-team
    environments:
      - name: production
        risk_tier: critical
        security_tools: [trivy, snyk]
        policy_references: [compliance.critical]
`), 0o600))
	t.Setenv("GATEWAY_CONFIG", path)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Source)
	assert.Equal(t, "9090", cfg.Port, "keys absent from the file keep their env value")
	assert.Equal(t, 2, cfg.Notify.Workers)
	assert.Equal(t, "WARN", cfg.LogLevel)
	assert.Equal(t, "http://opa:8181", cfg.PolicyEngine.URL)
	assert.Equal(t, 2*time.Second, cfg.PolicyEngine.Timeout)
	assert.Equal(t, "compliance.default", cfg.PolicyEngine.DefaultPackage)
	assert.Equal(t, "Bearer abc", cfg.Notify.WebhookHeaders["Authorization"])

	require.Len(t, cfg.Applications, 1)
	app, err := cfg.Applications[0].Build(time.Now())
	require.NoError(t, err)
	assert.Equal(t, "payments-api", app.Name)
	require.Len(t, app.Environments, 1)
	assert.Equal(t, "production", app.Environments[0].Name)
	assert.Equal(t, []string{"compliance.critical"}, app.Environments[0].PolicyReferences)
}

func TestLoad_OverlayErrors(t *testing.T) {
	cleanEnv(t)
	t.Setenv("GATEWAY_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := config.Load()
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("policy_engine: [unclosed"), 0o600))
	t.Setenv("GATEWAY_CONFIG", bad)
	_, err = config.Load()
	assert.Error(t, err)
}
