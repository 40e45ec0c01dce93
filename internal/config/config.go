// Package config loads sessiond's configuration from <home>/config.yaml
// with environment overrides, and watches it for live changes.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentConfig describes the agent CLI every session spawns.
type AgentConfig struct {
	// Command is the agent binary on PATH or an absolute path.
	Command string `yaml:"command"`
	// Args are passed before the mode and session flags the bridge adds.
	Args []string `yaml:"args"`
	// Env entries are appended to the daemon's environment. Empty means
	// inherit unchanged.
	Env []string `yaml:"env"`
	// PTYRows/PTYCols size the terminal for raw-mode sessions.
	PTYRows uint16 `yaml:"pty_rows"`
	PTYCols uint16 `yaml:"pty_cols"`
}

// TelemetryConfig controls the OpenTelemetry provider.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint string `yaml:"endpoint"` // OTLP HTTP endpoint
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AuthToken gates WebSocket and REST access. Empty disables auth
	// (local development only).
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// JanitorSchedule is a cron expression for the dead-session sweep.
	JanitorSchedule string `yaml:"janitor_schedule"`

	Agent     AgentConfig     `yaml:"agent"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:        "127.0.0.1:18790",
		LogLevel:        "info",
		JanitorSchedule: "@every 10m",
		Agent: AgentConfig{
			Command: "agent",
			PTYRows: 40,
			PTYCols: 120,
		},
		Telemetry: TelemetryConfig{
			Exporter: "stdout",
		},
	}
}

// HomeDir returns the daemon's home directory. SESSIOND_HOME overrides the
// default <user home>/.sessiond.
func HomeDir() string {
	if override := os.Getenv("SESSIOND_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".sessiond")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the home directory, creating the directory on
// first run. A missing file yields the defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom loads from an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create sessiond home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SESSIOND_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("SESSIOND_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SESSIOND_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("SESSIOND_AGENT_COMMAND"); v != "" {
		cfg.Agent.Command = v
	}
	if v := os.Getenv("SESSIOND_TELEMETRY_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Telemetry.Enabled = b
		}
	}
	if v := os.Getenv("SESSIOND_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Exporter = "otlp"
		cfg.Telemetry.Endpoint = v
	}
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.JanitorSchedule == "" {
		cfg.JanitorSchedule = "@every 10m"
	}
	if cfg.Agent.Command == "" {
		cfg.Agent.Command = "agent"
	}
	if cfg.Agent.PTYRows == 0 {
		cfg.Agent.PTYRows = 40
	}
	if cfg.Agent.PTYCols == 0 {
		cfg.Agent.PTYCols = 120
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "stdout"
	}
}

// Fingerprint returns a stable hash of the active config, surfaced in
// status responses so clients can detect live reloads.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|agent=%s %v|origins=%v|janitor=%s",
		c.BindAddr, c.LogLevel, c.Agent.Command, c.Agent.Args, c.AllowOrigins, c.JanitorSchedule)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
