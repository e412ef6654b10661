// ABOUTME: Configuration loading and parsing for live-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete live-gateway configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale" toml:"tailscale"`
	Auth         AuthConfig         `yaml:"auth" toml:"auth"`
	Upstream     UpstreamConfig     `yaml:"upstream" toml:"upstream"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" toml:"orchestrator"`
	Session      SessionConfig      `yaml:"session" toml:"session"`
	Tasks        TasksConfig        `yaml:"tasks" toml:"tasks"`
	Replay       ReplayConfig       `yaml:"replay" toml:"replay"`
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// LivePath is the websocket endpoint clients connect to.
	LivePath string `yaml:"live_path" toml:"live_path"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve TLS with Tailscale-provisioned certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// AuthProfile is one credential the upstream can be reached with.
type AuthProfile struct {
	Name   string `yaml:"name" toml:"name"`
	APIKey string `yaml:"api_key" toml:"api_key"`
}

// UpstreamConfig describes the realtime inference service and the failover policy.
type UpstreamConfig struct {
	URL                string        `yaml:"url" toml:"url"`
	Models             []string      `yaml:"models" toml:"models"`
	AuthProfiles       []AuthProfile `yaml:"auth_profiles" toml:"auth_profiles"`
	SystemInstruction  string        `yaml:"system_instruction" toml:"system_instruction"`
	ResponseModalities []string      `yaml:"response_modalities" toml:"response_modalities"`
	Voice              string        `yaml:"voice" toml:"voice"`
	ActivityHandling   string        `yaml:"activity_handling" toml:"activity_handling"`
	PatchFile          string        `yaml:"patch_file" toml:"patch_file"`
	MaxAttempts        int           `yaml:"max_attempts" toml:"max_attempts"`
	PingEnabled        *bool         `yaml:"ping_enabled" toml:"ping_enabled"`

	// Classification maps an HTTP status code (as a string) to a failure reason:
	// billing, rate_limit, auth or failure.
	Classification map[string]string `yaml:"classification" toml:"classification"`

	ConnectTimeout    time.Duration `yaml:"-" toml:"-"`
	RetryDelay        time.Duration `yaml:"-" toml:"-"`
	DefaultCooldown   time.Duration `yaml:"-" toml:"-"`
	RateLimitCooldown time.Duration `yaml:"-" toml:"-"`
	BillingDisable    time.Duration `yaml:"-" toml:"-"`
	AuthDisable       time.Duration `yaml:"-" toml:"-"`
	CheckInterval     time.Duration `yaml:"-" toml:"-"`
	SilenceThreshold  time.Duration `yaml:"-" toml:"-"`
	ProbeGrace        time.Duration `yaml:"-" toml:"-"`

	// Raw string values for YAML/TOML unmarshaling
	ConnectTimeoutRaw    string `yaml:"connect_timeout" toml:"connect_timeout"`
	RetryDelayRaw        string `yaml:"retry_delay" toml:"retry_delay"`
	DefaultCooldownRaw   string `yaml:"default_cooldown" toml:"default_cooldown"`
	RateLimitCooldownRaw string `yaml:"rate_limit_cooldown" toml:"rate_limit_cooldown"`
	BillingDisableRaw    string `yaml:"billing_disable" toml:"billing_disable"`
	AuthDisableRaw       string `yaml:"auth_disable" toml:"auth_disable"`
	CheckIntervalRaw     string `yaml:"check_interval" toml:"check_interval"`
	SilenceThresholdRaw  string `yaml:"silence_threshold" toml:"silence_threshold"`
	ProbeGraceRaw        string `yaml:"probe_grace" toml:"probe_grace"`
}

// Configured reports whether enough is set to attempt an upstream connection.
func (u UpstreamConfig) Configured() bool {
	return u.URL != "" && len(u.Models) > 0
}

// Ping reports whether the watchdog probe should send ping frames.
func (u UpstreamConfig) Ping() bool {
	return u.PingEnabled == nil || *u.PingEnabled
}

// Orchestrator transports.
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// Replay backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// OrchestratorConfig holds the external orchestration collaborator settings
type OrchestratorConfig struct {
	// Transport is "http" (default) or "grpc".
	Transport  string `yaml:"transport" toml:"transport"`
	URL        string `yaml:"url" toml:"url"`
	GRPCAddr   string `yaml:"grpc_addr" toml:"grpc_addr"`
	MaxRetries int    `yaml:"max_retries" toml:"max_retries"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	Backoff    time.Duration `yaml:"-" toml:"-"`
	MaxBackoff time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw    string `yaml:"timeout" toml:"timeout"`
	BackoffRaw    string `yaml:"backoff" toml:"backoff"`
	MaxBackoffRaw string `yaml:"max_backoff" toml:"max_backoff"`
}

// CallBudget is the longest one dispatch can take across all retries.
func (o OrchestratorConfig) CallBudget() time.Duration {
	return time.Duration(o.MaxRetries+1) * (o.Timeout + o.MaxBackoff)
}

// SessionConfig holds per-connection pump settings
type SessionConfig struct {
	QueueSize       int   `yaml:"queue_size" toml:"queue_size"`
	MaxMessageBytes int64 `yaml:"max_message_bytes" toml:"max_message_bytes"`
}

// TasksConfig holds task registry retention settings
type TasksConfig struct {
	MaxEntries int `yaml:"max_entries" toml:"max_entries"`

	CompletedRetention    time.Duration `yaml:"-" toml:"-"`
	CompletedRetentionRaw string        `yaml:"completed_retention" toml:"completed_retention"`
}

// ReplayConfig holds idempotency ledger settings
type ReplayConfig struct {
	// Backend is "memory" (default) or "redis".
	Backend    string `yaml:"backend" toml:"backend"`
	RedisURL   string `yaml:"redis_url" toml:"redis_url"`
	MaxEntries int    `yaml:"max_entries" toml:"max_entries"`

	TTL    time.Duration `yaml:"-" toml:"-"`
	TTLRaw string        `yaml:"ttl" toml:"ttl"`
}

// DatabaseConfig holds the diagnostic ledger location. An empty path disables it.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`

	// Retention is how long diagnostics and metric samples are kept.
	Retention    time.Duration `yaml:"-" toml:"-"`
	RetentionRaw string        `yaml:"retention" toml:"retention"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Exposed reports whether the prometheus endpoint is served. It defaults to on.
func (m MetricsConfig) Exposed() bool {
	return m.Enabled == nil || *m.Enabled
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills zero values with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.LivePath == "" {
		c.Server.LivePath = "/v1/live"
	}

	u := &c.Upstream
	if len(u.ResponseModalities) == 0 {
		u.ResponseModalities = []string{"AUDIO"}
	}
	if u.ActivityHandling == "" {
		u.ActivityHandling = "START_OF_ACTIVITY_INTERRUPTS"
	}
	if u.MaxAttempts <= 0 {
		u.MaxAttempts = 3
	}
	setDefault(&u.ConnectTimeout, 10*time.Second)
	setDefault(&u.RetryDelay, 500*time.Millisecond)
	setDefault(&u.DefaultCooldown, 30*time.Second)
	setDefault(&u.RateLimitCooldown, 15*time.Second)
	setDefault(&u.BillingDisable, 6*time.Hour)
	setDefault(&u.AuthDisable, 1*time.Hour)
	setDefault(&u.CheckInterval, 2*time.Second)
	setDefault(&u.SilenceThreshold, 12*time.Second)
	setDefault(&u.ProbeGrace, 5*time.Second)

	o := &c.Orchestrator
	if o.Transport == "" {
		o.Transport = TransportHTTP
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	setDefault(&o.Timeout, 30*time.Second)
	setDefault(&o.Backoff, 250*time.Millisecond)
	setDefault(&o.MaxBackoff, 5*time.Second)

	if c.Session.QueueSize <= 0 {
		c.Session.QueueSize = 64
	}
	if c.Session.MaxMessageBytes <= 0 {
		c.Session.MaxMessageBytes = 8 << 20
	}

	if c.Tasks.MaxEntries <= 0 {
		c.Tasks.MaxEntries = 10_000
	}
	setDefault(&c.Tasks.CompletedRetention, 15*time.Minute)

	if c.Replay.Backend == "" {
		c.Replay.Backend = BackendMemory
	}
	if c.Replay.MaxEntries <= 0 {
		c.Replay.MaxEntries = 100_000
	}
	setDefault(&c.Replay.TTL, 10*time.Minute)

	setDefault(&c.Database.Retention, 7*24*time.Hour)

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func setDefault(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

const minJWTSecretLength = 32

var validReasons = map[string]bool{
	"billing":    true,
	"rate_limit": true,
	"auth":       true,
	"failure":    true,
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if !strings.HasPrefix(c.Server.LivePath, "/") {
		return fmt.Errorf("server.live_path must start with /: %q", c.Server.LivePath)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minJWTSecretLength)
	}

	for code, reason := range c.Upstream.Classification {
		if !validReasons[reason] {
			return fmt.Errorf("upstream.classification[%s]: unknown reason %q", code, reason)
		}
	}

	switch c.Orchestrator.Transport {
	case TransportHTTP:
		if c.Orchestrator.URL == "" {
			return fmt.Errorf("orchestrator.url is required for http transport")
		}
	case TransportGRPC:
		if c.Orchestrator.GRPCAddr == "" {
			return fmt.Errorf("orchestrator.grpc_addr is required for grpc transport")
		}
	default:
		return fmt.Errorf("orchestrator.transport must be http or grpc, got %q", c.Orchestrator.Transport)
	}

	switch c.Replay.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Replay.RedisURL == "" {
			return fmt.Errorf("replay.redis_url is required for redis backend")
		}
	default:
		return fmt.Errorf("replay.backend must be memory or redis, got %q", c.Replay.Backend)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"upstream.connect_timeout", cfg.Upstream.ConnectTimeoutRaw, &cfg.Upstream.ConnectTimeout},
		{"upstream.retry_delay", cfg.Upstream.RetryDelayRaw, &cfg.Upstream.RetryDelay},
		{"upstream.default_cooldown", cfg.Upstream.DefaultCooldownRaw, &cfg.Upstream.DefaultCooldown},
		{"upstream.rate_limit_cooldown", cfg.Upstream.RateLimitCooldownRaw, &cfg.Upstream.RateLimitCooldown},
		{"upstream.billing_disable", cfg.Upstream.BillingDisableRaw, &cfg.Upstream.BillingDisable},
		{"upstream.auth_disable", cfg.Upstream.AuthDisableRaw, &cfg.Upstream.AuthDisable},
		{"upstream.check_interval", cfg.Upstream.CheckIntervalRaw, &cfg.Upstream.CheckInterval},
		{"upstream.silence_threshold", cfg.Upstream.SilenceThresholdRaw, &cfg.Upstream.SilenceThreshold},
		{"upstream.probe_grace", cfg.Upstream.ProbeGraceRaw, &cfg.Upstream.ProbeGrace},
		{"orchestrator.timeout", cfg.Orchestrator.TimeoutRaw, &cfg.Orchestrator.Timeout},
		{"orchestrator.backoff", cfg.Orchestrator.BackoffRaw, &cfg.Orchestrator.Backoff},
		{"orchestrator.max_backoff", cfg.Orchestrator.MaxBackoffRaw, &cfg.Orchestrator.MaxBackoff},
		{"tasks.completed_retention", cfg.Tasks.CompletedRetentionRaw, &cfg.Tasks.CompletedRetention},
		{"replay.ttl", cfg.Replay.TTLRaw, &cfg.Replay.TTL},
		{"database.retention", cfg.Database.RetentionRaw, &cfg.Database.Retention},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
