// Package config loads and validates config.yaml from the godispatch
// home directory. Environment variables override file values; a
// missing file yields the defaults and marks the first run.
package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	otelx "github.com/basket/go-dispatch/internal/otel"
)

// AgentConfig controls the single background agent's lifecycle.
type AgentConfig struct {
	// MaxLifetimeSeconds bounds how long one agent is reused. 0 means
	// no expiry.
	MaxLifetimeSeconds int `yaml:"max_lifetime_seconds"`
	HandshakeTimeoutMS int `yaml:"handshake_timeout_ms"`
	// TerminateAfterJob disposes the agent after every job instead of
	// reusing it.
	TerminateAfterJob bool `yaml:"terminate_after_job"`
	QueueDepth        int  `yaml:"queue_depth"`
}

// JobsConfig holds the engine-wide job defaults.
type JobsConfig struct {
	TimeoutSeconds int  `yaml:"timeout_seconds"`
	Retries        int  `yaml:"retries"`
	RetryDelayMS   int  `yaml:"retry_delay_ms"`
	Persist        bool `yaml:"persist"`
	// PayloadSchema is a path to a JSON Schema file validated against
	// every submitted payload. Empty disables validation.
	PayloadSchema string `yaml:"payload_schema"`
}

// RemoteConfig points the remote executor at its proxy target.
type RemoteConfig struct {
	Endpoint      string            `yaml:"endpoint"`
	Headers       map[string]string `yaml:"headers"`
	SettleDelayMS int               `yaml:"settle_delay_ms"`
}

// GatewayConfig controls the HTTP/WebSocket surface.
type GatewayConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
	// AllowOrigins lists Origin headers accepted for browser
	// WebSocket connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`
}

// ScheduleConfig declares a cron job created at startup.
type ScheduleConfig struct {
	ID      string `yaml:"id"`
	Cron    string `yaml:"cron"`
	Mode    string `yaml:"mode"`
	Payload string `yaml:"payload"` // inline JSON job payload
	Enabled bool   `yaml:"enabled"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	Agent     AgentConfig      `yaml:"agent"`
	Jobs      JobsConfig       `yaml:"jobs"`
	Remote    RemoteConfig     `yaml:"remote"`
	Gateway   GatewayConfig    `yaml:"gateway"`
	Otel      otelx.Config     `yaml:"otel"`
	Schedules []ScheduleConfig `yaml:"schedules"`

	// FirstRun is set when no config.yaml existed yet.
	FirstRun bool `yaml:"-"`
}

func (a AgentConfig) MaxLifetime() time.Duration {
	return time.Duration(a.MaxLifetimeSeconds) * time.Second
}

func (a AgentConfig) HandshakeTimeout() time.Duration {
	return time.Duration(a.HandshakeTimeoutMS) * time.Millisecond
}

func (j JobsConfig) Timeout() time.Duration {
	return time.Duration(j.TimeoutSeconds) * time.Second
}

func (j JobsConfig) RetryDelay() time.Duration {
	return time.Duration(j.RetryDelayMS) * time.Millisecond
}

func (r RemoteConfig) SettleDelay() time.Duration {
	return time.Duration(r.SettleDelayMS) * time.Millisecond
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Agent: AgentConfig{
			MaxLifetimeSeconds: 0,
			HandshakeTimeoutMS: 2000,
			QueueDepth:         64,
		},
		Jobs: JobsConfig{
			TimeoutSeconds: 30,
			Retries:        2,
			RetryDelayMS:   500,
			Persist:        true,
		},
		Remote: RemoteConfig{
			SettleDelayMS: 250,
		},
		Gateway: GatewayConfig{
			Enabled:  true,
			BindAddr: "127.0.0.1:18990",
		},
	}
}

// HomeDir resolves the godispatch home, honoring GODISPATCH_HOME.
func HomeDir() string {
	if override := os.Getenv("GODISPATCH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".godispatch")
}

// ConfigPath returns the path to config.yaml within the home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config from the default home directory.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml under homeDir, applies env overrides and
// validates the result. The home directory is created if missing.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create godispatch home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.FirstRun = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GODISPATCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GODISPATCH_BIND_ADDR"); v != "" {
		cfg.Gateway.BindAddr = v
	}
	if v := os.Getenv("GODISPATCH_AUTH_TOKEN"); v != "" {
		cfg.Gateway.AuthToken = v
	}
	if v := os.Getenv("GODISPATCH_REMOTE_ENDPOINT"); v != "" {
		cfg.Remote.Endpoint = v
	}
	if v := os.Getenv("GODISPATCH_TERMINATE_AFTER_JOB"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Agent.TerminateAfterJob = b
		}
	}
}

func normalize(cfg *Config) {
	if cfg.Agent.HandshakeTimeoutMS <= 0 {
		cfg.Agent.HandshakeTimeoutMS = 2000
	}
	if cfg.Agent.QueueDepth <= 0 {
		cfg.Agent.QueueDepth = 64
	}
	if cfg.Jobs.TimeoutSeconds <= 0 {
		cfg.Jobs.TimeoutSeconds = 30
	}
	if cfg.Jobs.Retries < 0 {
		cfg.Jobs.Retries = 2
	}
	if cfg.Jobs.RetryDelayMS <= 0 {
		cfg.Jobs.RetryDelayMS = 500
	}
	if cfg.Remote.SettleDelayMS <= 0 {
		cfg.Remote.SettleDelayMS = 250
	}
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = "127.0.0.1:18990"
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.Remote.Endpoint != "" && !strings.HasPrefix(c.Remote.Endpoint, "http://") && !strings.HasPrefix(c.Remote.Endpoint, "https://") {
		return fmt.Errorf("remote.endpoint must be an http(s) URL, got %q", c.Remote.Endpoint)
	}
	seen := make(map[string]struct{}, len(c.Schedules))
	for _, s := range c.Schedules {
		if s.ID == "" {
			return errors.New("schedule entries require an id")
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate schedule id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.Cron == "" {
			return fmt.Errorf("schedule %q has no cron expression", s.ID)
		}
		switch s.Mode {
		case "", "local", "remote":
		default:
			return fmt.Errorf("schedule %q has invalid mode %q", s.ID, s.Mode)
		}
		if s.Mode == "remote" && c.Remote.Endpoint == "" {
			return fmt.Errorf("schedule %q is remote but remote.endpoint is unset", s.ID)
		}
	}
	return nil
}

// Fingerprint is a stable hash of the settings a reload can change at
// runtime, used to skip no-op reload events.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|timeout=%d|retries=%d|delay=%d|settle=%d|endpoint=%s|terminate=%t|origins=%v",
		c.LogLevel, c.Jobs.TimeoutSeconds, c.Jobs.Retries, c.Jobs.RetryDelayMS,
		c.Remote.SettleDelayMS, c.Remote.Endpoint, c.Agent.TerminateAfterJob, c.Gateway.AllowOrigins)
	keys := make([]string, 0, len(c.Remote.Headers))
	for k := range c.Remote.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "|hdr:%s=%s", k, c.Remote.Headers[k])
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Save writes the config back to config.yaml.
func Save(homeDir string, cfg Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(homeDir), out, 0o644)
}

// SetRemoteEndpoint updates only the remote endpoint in config.yaml,
// preserving unknown keys written by hand.
func SetRemoteEndpoint(homeDir, endpoint string) error {
	path := ConfigPath(homeDir)
	raw := make(map[string]any)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	remote, _ := raw["remote"].(map[string]any)
	if remote == nil {
		remote = make(map[string]any)
	}
	remote["endpoint"] = endpoint
	raw["remote"] = remote
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}
