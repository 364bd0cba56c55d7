// Package config loads and validates ingest service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/analytics-ingest/internal/ingest"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Governor  GovernorConfig  `mapstructure:"governor"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Tenants   []TenantConfig  `mapstructure:"tenants"`
	Polls     []PollConfig    `mapstructure:"polls"`
}

// ServerConfig controls the operations HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// HTTPConfig configures the outbound provider transport.
type HTTPConfig struct {
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	UserAgent      string  `mapstructure:"user_agent"`
	HostRPS        float64 `mapstructure:"host_rps"`
	HostBurst      int     `mapstructure:"host_burst"`
}

// GovernorConfig sets the per-tenant provider quota.
type GovernorConfig struct {
	MaxRequests          int `mapstructure:"max_requests"`
	WindowSeconds        int `mapstructure:"window_seconds"`
	InterRequestDelayMs  int `mapstructure:"inter_request_delay_ms"`
	DefaultRetryAfterSec int `mapstructure:"default_retry_after_seconds"`
	// MaxRateLimitRequeues of 0 keeps the governor default; negative disables.
	MaxRateLimitRequeues int `mapstructure:"max_rate_limit_requeues"`
}

// RetryConfig controls executor backoff.
type RetryConfig struct {
	MaxRetries        int     `mapstructure:"max_retries"`
	InitialDelayMs    int     `mapstructure:"initial_delay_ms"`
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
	MaxDelayMs        int     `mapstructure:"max_delay_ms"`
}

// CacheConfig sets result cache lifetimes.
type CacheConfig struct {
	TTLSeconds           int `mapstructure:"ttl_seconds"`
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
}

// RunnerConfig governs the ingest runner worker pool.
type RunnerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	QueueDepth  int `mapstructure:"queue_depth"`
	MaxPages    int `mapstructure:"max_pages"`
}

// StorageConfig selects where run snapshots are written.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational run store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for run notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig controls tracing resources and export.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// TenantConfig binds one account to a provider and a credential.
type TenantConfig struct {
	Name     string `mapstructure:"name"`
	Provider string `mapstructure:"provider"`
	Account  string `mapstructure:"account"`
	// Token is a bearer token; TokenEnv names an env var holding one.
	Token    string `mapstructure:"token"`
	TokenEnv string `mapstructure:"token_env"`
	BaseURL  string `mapstructure:"base_url"`
	// MaxRequests overrides governor.max_requests for this tenant.
	MaxRequests int `mapstructure:"max_requests"`
}

// PollConfig describes a recurring ingest run.
type PollConfig struct {
	Name            string          `mapstructure:"name"`
	Tenant          string          `mapstructure:"tenant"`
	Dimensions      []string        `mapstructure:"dimensions"`
	Filters         []ingest.Filter `mapstructure:"filters"`
	LookbackDays    int             `mapstructure:"lookback_days"`
	EndOffsetDays   int             `mapstructure:"end_offset_days"`
	IntervalSeconds int             `mapstructure:"interval_seconds"`
	PageSize        int             `mapstructure:"page_size"`
	Incremental     bool            `mapstructure:"incremental"`
	GroupBy         []string        `mapstructure:"group_by"`
	Reducer         string          `mapstructure:"reducer"`
}

// Interval converts IntervalSeconds into a duration.
func (p PollConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent", "analytics-ingest/0.1")
	v.SetDefault("http.host_rps", 0)
	v.SetDefault("http.host_burst", 1)
	v.SetDefault("governor.max_requests", 1200)
	v.SetDefault("governor.window_seconds", 60)
	v.SetDefault("governor.inter_request_delay_ms", 100)
	v.SetDefault("governor.default_retry_after_seconds", 60)
	v.SetDefault("governor.max_rate_limit_requeues", 5)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_delay_ms", 1000)
	v.SetDefault("retry.backoff_multiplier", 2.0)
	v.SetDefault("retry.max_delay_ms", 30000)
	v.SetDefault("cache.ttl_seconds", 300)
	v.SetDefault("cache.sweep_interval_seconds", 60)
	v.SetDefault("runner.concurrency", 2)
	v.SetDefault("runner.queue_depth", 64)
	v.SetDefault("runner.max_pages", 0)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "reports")
	v.SetDefault("storage.content_type", "application/json")
	v.SetDefault("db.table", "ingest_runs")
	v.SetDefault("telemetry.service_name", "analytics-ingest")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Governor.MaxRequests <= 0 {
		return fmt.Errorf("governor.max_requests must be > 0")
	}
	if c.Governor.WindowSeconds <= 0 {
		return fmt.Errorf("governor.window_seconds must be > 0")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be >= 1")
	}
	if c.Cache.TTLSeconds < 0 {
		return fmt.Errorf("cache.ttl_seconds must be >= 0")
	}
	if c.Runner.Concurrency <= 0 {
		return fmt.Errorf("runner.concurrency must be > 0")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return c.validateTenants()
}

func (c Config) validateTenants() error {
	tenants := make(map[string]struct{}, len(c.Tenants))
	for i, t := range c.Tenants {
		if t.Name == "" {
			return fmt.Errorf("tenants[%d].name must be set", i)
		}
		if _, dup := tenants[t.Name]; dup {
			return fmt.Errorf("tenants[%d].name %q is duplicated", i, t.Name)
		}
		tenants[t.Name] = struct{}{}
		if t.Provider == "" {
			return fmt.Errorf("tenants[%d].provider must be set", i)
		}
		if t.Account == "" {
			return fmt.Errorf("tenants[%d].account must be set", i)
		}
	}
	polls := make(map[string]struct{}, len(c.Polls))
	for i, p := range c.Polls {
		if p.Name == "" {
			return fmt.Errorf("polls[%d].name must be set", i)
		}
		if _, dup := polls[p.Name]; dup {
			return fmt.Errorf("polls[%d].name %q is duplicated", i, p.Name)
		}
		polls[p.Name] = struct{}{}
		if _, ok := tenants[p.Tenant]; !ok {
			return fmt.Errorf("polls[%d].tenant %q is not a configured tenant", i, p.Tenant)
		}
		if p.LookbackDays <= 0 || p.LookbackDays > ingest.MaxRangeDays {
			return fmt.Errorf("polls[%d].lookback_days must be in 1..%d", i, ingest.MaxRangeDays)
		}
		if p.EndOffsetDays < 0 {
			return fmt.Errorf("polls[%d].end_offset_days must be >= 0", i)
		}
		if p.IntervalSeconds < 0 {
			return fmt.Errorf("polls[%d].interval_seconds must be >= 0", i)
		}
	}
	return nil
}

// Tenant returns the tenant with the given name.
func (c Config) Tenant(name string) (TenantConfig, bool) {
	for _, t := range c.Tenants {
		if t.Name == name {
			return t, true
		}
	}
	return TenantConfig{}, false
}

// Poll returns the poll with the given name.
func (c Config) Poll(name string) (PollConfig, bool) {
	for _, p := range c.Polls {
		if p.Name == name {
			return p, true
		}
	}
	return PollConfig{}, false
}

// HTTPTimeout converts the transport timeout into a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
