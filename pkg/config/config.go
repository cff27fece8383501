// Package config loads gateway settings from the environment, optionally
// overlaid by a YAML file named in GATEWAY_CONFIG.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/registry"
	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"log_level"`
	DatabaseURL string `yaml:"database_url"`
	DataDir     string `yaml:"data_dir"`

	PolicyEngine PolicyEngineConfig `yaml:"policy_engine"`
	Scan         ScanConfig         `yaml:"scan"`
	Notify       NotifyConfig       `yaml:"notify"`
	Tracing      TracingConfig      `yaml:"tracing"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Archive      ArchiveConfig      `yaml:"archive"`
	Audit        AuditConfig        `yaml:"audit"`

	// Applications are provisioned into the registry at startup.
	Applications []registry.Seed `yaml:"applications"`

	// Source is the overlay file that was applied, if any.
	Source string `yaml:"-"`
}

type PolicyEngineConfig struct {
	URL            string        `yaml:"url"`
	Timeout        time.Duration `yaml:"timeout"`
	DefaultPackage string        `yaml:"default_package"`
}

type ScanConfig struct {
	ClockSkew time.Duration `yaml:"clock_skew"`
}

type NotifyConfig struct {
	WebhookURL     string            `yaml:"webhook_url"`
	WebhookHeaders map[string]string `yaml:"webhook_headers"`
	RedisAddr      string            `yaml:"redis_addr"`
	RedisPassword  string            `yaml:"redis_password"`
	RedisChannel   string            `yaml:"redis_channel"`
	Workers        int               `yaml:"workers"`
	QueueSize      int               `yaml:"queue_size"`
	Timeout        time.Duration     `yaml:"timeout"`
	// Trigger is a CEL expression; empty means notify.DefaultTrigger.
	Trigger string `yaml:"trigger"`
}

type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	Insecure   bool    `yaml:"insecure"`
	SampleRate float64 `yaml:"sample_rate"`
}

// RateLimitConfig is per client IP. RPS <= 0 disables limiting.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type ArchiveConfig struct {
	Type string     `yaml:"type"`
	S3   S3Archive  `yaml:"s3"`
	GCS  GCSArchive `yaml:"gcs"`
}

type S3Archive struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

type GCSArchive struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

type AuditConfig struct {
	WriteAttempts int `yaml:"write_attempts"`
}

// Load reads configuration from environment variables with safe defaults,
// then applies the GATEWAY_CONFIG file when set.
func Load() (*Config, error) {
	r := envReader{}
	cfg := &Config{
		Port:        r.str("PORT", "8080"),
		LogLevel:    strings.ToUpper(r.str("LOG_LEVEL", "INFO")),
		DatabaseURL: os.Getenv("DATABASE_URL"), // empty selects embedded SQLite
		DataDir:     r.str("DATA_DIR", "data"),
		PolicyEngine: PolicyEngineConfig{
			URL:            r.str("POLICY_ENGINE_URL", "http://localhost:8181"),
			Timeout:        r.duration("POLICY_ENGINE_TIMEOUT", 5*time.Second),
			DefaultPackage: r.str("DEFAULT_POLICY_PACKAGE", "compliance.default"),
		},
		Scan: ScanConfig{
			ClockSkew: r.duration("SCAN_CLOCK_SKEW", 5*time.Minute),
		},
		Notify: NotifyConfig{
			WebhookURL:    os.Getenv("NOTIFY_WEBHOOK_URL"),
			RedisAddr:     os.Getenv("NOTIFY_REDIS_ADDR"),
			RedisPassword: os.Getenv("NOTIFY_REDIS_PASSWORD"),
			RedisChannel:  r.str("NOTIFY_REDIS_CHANNEL", "compliance.evaluations"),
			Workers:       r.integer("NOTIFY_WORKERS", 4),
			QueueSize:     r.integer("NOTIFY_QUEUE_SIZE", 256),
			Timeout:       r.duration("NOTIFY_TIMEOUT", 10*time.Second),
			Trigger:       os.Getenv("NOTIFY_TRIGGER"),
		},
		Tracing: TracingConfig{
			Enabled:    r.boolean("OTEL_ENABLED", false),
			Endpoint:   r.str("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:   r.boolean("OTEL_INSECURE", true),
			SampleRate: r.float("OTEL_SAMPLE_RATE", 1.0),
		},
		RateLimit: RateLimitConfig{
			RPS:   r.float("RATE_LIMIT_RPS", 50),
			Burst: r.integer("RATE_LIMIT_BURST", 100),
		},
		Archive: ArchiveConfig{
			Type: r.str("ARCHIVE_STORAGE_TYPE", "fs"),
			S3: S3Archive{
				Bucket:   os.Getenv("ARCHIVE_S3_BUCKET"),
				Region:   r.str("ARCHIVE_S3_REGION", "us-east-1"),
				Endpoint: os.Getenv("ARCHIVE_S3_ENDPOINT"),
				Prefix:   os.Getenv("ARCHIVE_S3_PREFIX"),
			},
			GCS: GCSArchive{
				Bucket: os.Getenv("ARCHIVE_GCS_BUCKET"),
				Prefix: os.Getenv("ARCHIVE_GCS_PREFIX"),
			},
		},
		Audit: AuditConfig{
			WriteAttempts: r.integer("AUDIT_WRITE_ATTEMPTS", 3),
		},
	}
	if len(r.errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(r.errs, "; "))
	}

	if path := os.Getenv("GATEWAY_CONFIG"); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlay decodes the YAML file on top of cfg. Keys absent from the file
// keep their environment value.
func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	c.LogLevel = strings.ToUpper(c.LogLevel)
	c.Source = path
	return nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []string
	if c.Port == "" {
		errs = append(errs, "port is required")
	}
	switch c.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Sprintf("unknown log level %q", c.LogLevel))
	}
	if c.PolicyEngine.URL == "" {
		errs = append(errs, "policy engine url is required")
	}
	if c.PolicyEngine.Timeout <= 0 {
		errs = append(errs, "policy engine timeout must be positive")
	}
	if c.Scan.ClockSkew < 0 {
		errs = append(errs, "scan clock skew must not be negative")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, "tracing sample rate must be within [0, 1]")
	}
	if c.Audit.WriteAttempts < 1 {
		errs = append(errs, "audit write attempts must be at least 1")
	}
	switch c.Archive.Type {
	case "fs", "s3", "gcs":
	default:
		errs = append(errs, fmt.Sprintf("unsupported archive storage type %q", c.Archive.Type))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// envReader collects parse failures so Load can report them together.
type envReader struct {
	errs []string
}

func (r *envReader) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *envReader) integer(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (r *envReader) float(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %q is not a number", key, v))
		return def
	}
	return f
}

func (r *envReader) boolean(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %q is not a boolean", key, v))
		return def
	}
	return b
}

func (r *envReader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %q is not a duration", key, v))
		return def
	}
	return d
}
