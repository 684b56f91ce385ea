// Package config loads settings from an optional config file and environment
// variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values for the application.
type Config struct {
	// Database connection string
	DatabaseURL string

	// HTTP server port for the controller
	HTTPPort int

	// Identity written into the lease of claimed jobs. Must be stable across
	// restarts of the same scheduler so Restore finds its leftovers. Defaults
	// to the host name; schedulers sharing a host need distinct ids.
	SchedulerID string

	SchedulerConcurrency int
	PollInterval         time.Duration
	MaxPollBackoff       time.Duration

	// A lease older than LeaseTimeout may be taken over by another scheduler.
	LeaseTimeout      time.Duration
	HeartbeatInterval time.Duration

	SweepInterval time.Duration

	// Port of the scheduler's /metrics listener.
	MetricsPort int

	// Number of terminal entities kept in the identity map. 0 keeps all.
	IdentityCacheSize int

	// Submissions per second per client host. 0 disables the limit.
	RequestRateLimit float64

	OTELEndpoint string
	LogLevel     string

	// URL of the controller, used by the CLI.
	ControllerURL string
}

// Load reads configuration from an optional YAML file at path; environment
// variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("http_port", 6161)
	v.SetDefault("scheduler_concurrency", 1)
	v.SetDefault("poll_interval", "1s")
	v.SetDefault("max_poll_backoff", "30s")
	v.SetDefault("lease_timeout", "5m")
	v.SetDefault("heartbeat_interval", "1m")
	v.SetDefault("sweep_interval", "1m")
	v.SetDefault("metrics_port", 6162)
	v.SetDefault("identity_cache_size", 10000)
	v.SetDefault("request_rate_limit", 0)
	v.SetDefault("otel_endpoint", "localhost:4317")
	v.SetDefault("log_level", "info")
	v.SetDefault("controller_url", "http://localhost:6161")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	bindings := map[string]string{
		"database_url":          "DATABASE_URL",
		"http_port":             "PORT",
		"scheduler_id":          "SCHEDULER_ID",
		"scheduler_concurrency": "SCHEDULER_CONCURRENCY",
		"poll_interval":         "POLL_INTERVAL",
		"max_poll_backoff":      "MAX_POLL_BACKOFF",
		"lease_timeout":         "LEASE_TIMEOUT",
		"heartbeat_interval":    "HEARTBEAT_INTERVAL",
		"sweep_interval":        "SWEEP_INTERVAL",
		"metrics_port":          "METRICS_PORT",
		"identity_cache_size":   "IDENTITY_CACHE_SIZE",
		"request_rate_limit":    "REQUEST_RATE_LIMIT",
		"otel_endpoint":         "OTEL_EXPORTER_OTLP_ENDPOINT",
		"log_level":             "LOG_LEVEL",
		"controller_url":        "CONTROLLER_URL",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	cfg := &Config{
		DatabaseURL:          v.GetString("database_url"),
		HTTPPort:             v.GetInt("http_port"),
		SchedulerID:          v.GetString("scheduler_id"),
		SchedulerConcurrency: v.GetInt("scheduler_concurrency"),
		PollInterval:         v.GetDuration("poll_interval"),
		MaxPollBackoff:       v.GetDuration("max_poll_backoff"),
		LeaseTimeout:         v.GetDuration("lease_timeout"),
		HeartbeatInterval:    v.GetDuration("heartbeat_interval"),
		SweepInterval:        v.GetDuration("sweep_interval"),
		MetricsPort:          v.GetInt("metrics_port"),
		IdentityCacheSize:    v.GetInt("identity_cache_size"),
		RequestRateLimit:     v.GetFloat64("request_rate_limit"),
		OTELEndpoint:         v.GetString("otel_endpoint"),
		LogLevel:             v.GetString("log_level"),
		ControllerURL:        v.GetString("controller_url"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required (env: DATABASE_URL)")
	}
	if cfg.SchedulerID == "" {
		id, err := defaultSchedulerID()
		if err != nil {
			return nil, err
		}
		cfg.SchedulerID = id
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.SchedulerConcurrency < 1 {
		return fmt.Errorf("scheduler_concurrency must be at least 1, got %d", c.SchedulerConcurrency)
	}
	if c.LeaseTimeout <= 0 {
		return fmt.Errorf("lease_timeout must be positive, got %s", c.LeaseTimeout)
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LeaseTimeout {
		return fmt.Errorf("heartbeat_interval (%s) must be positive and shorter than lease_timeout (%s)",
			c.HeartbeatInterval, c.LeaseTimeout)
	}
	if c.IdentityCacheSize < 0 {
		return fmt.Errorf("identity_cache_size must not be negative, got %d", c.IdentityCacheSize)
	}
	if c.RequestRateLimit < 0 {
		return fmt.Errorf("request_rate_limit must not be negative, got %v", c.RequestRateLimit)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

var hostname = os.Hostname

func defaultSchedulerID() (string, error) {
	host, err := hostname()
	if err != nil {
		return "", fmt.Errorf("scheduler_id is required (env: SCHEDULER_ID): host name: %w", err)
	}
	if host == "" {
		return "", fmt.Errorf("scheduler_id is required (env: SCHEDULER_ID): empty host name")
	}
	return host, nil
}
