// Package config provides configuration types and defaults for the ADW server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ServerConfig holds listen addresses and timing knobs for the server.
type ServerConfig struct {
	// BackendPort serves the HTTP intake and read API (env BACKEND_PORT).
	BackendPort int `mapstructure:"backend_port"`
	// WebSocketPort serves the /ws/trigger control plane (env WEBSOCKET_PORT).
	WebSocketPort int `mapstructure:"websocket_port"`
	// HeartbeatInterval is the supervisor tick period.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// IdleTimeout is how long a silent connection survives before reaping.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// StuckThreshold is the age at which in-progress workflows are flagged
	// stuck by the supervisor. Zero disables the check.
	StuckThreshold time.Duration `mapstructure:"stuck_threshold"`
}

// StoreConfig holds state-store options.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `mapstructure:"path"`
	// DBOnly disables the legacy JSON mirror (env ADW_DB_ONLY, default true).
	// When false the store dual-writes agents/<adw_id>/adw_state.json.
	DBOnly bool `mapstructure:"db_only"`
}

// LauncherConfig holds worker-launching options.
type LauncherConfig struct {
	// Script is the runner invoked as `<script> run-tool <workflow>.py ...`.
	Script string `mapstructure:"script"`
	// RepoRoot is the working directory for spawned workers.
	RepoRoot string `mapstructure:"repo_root"`
	// EnvFile is the .env file whose contents seed the sanitized environment.
	EnvFile string `mapstructure:"env_file"`
	// GitHubPAT is forwarded to workers as GH_TOKEN (env GITHUB_PAT).
	GitHubPAT string `mapstructure:"github_pat"`
}

// TracingConfig mirrors internal/tracing.Config for file-based configuration.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"`
	FilePath     string  `mapstructure:"file_path"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// Config holds all configuration options for the ADW server.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Launcher LauncherConfig `mapstructure:"launcher"`
	Tracing  TracingConfig  `mapstructure:"tracing"`

	// ProjectRoot anchors the agents/ and specs/ trees.
	ProjectRoot string `mapstructure:"project_root"`
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			BackendPort:       8002,
			WebSocketPort:     8500,
			HeartbeatInterval: 30 * time.Second,
			IdleTimeout:       300 * time.Second,
			StuckThreshold:    30 * time.Minute,
		},
		Store: StoreConfig{
			Path:   filepath.Join("agents", "adw.db"),
			DBOnly: true,
		},
		Launcher: LauncherConfig{
			Script:  "uv",
			EnvFile: ".env",
		},
		Tracing: TracingConfig{
			Exporter:     "file",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		ProjectRoot: ".",
	}
}

// ApplyEnv overlays the well-known environment variables onto the config.
// Viper covers ADW_*-prefixed vars; these legacy names predate the Go
// server and keep worker tooling compatible.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("BACKEND_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BACKEND_PORT %q: %w", v, err)
		}
		c.Server.BackendPort = p
	}
	if v := os.Getenv("WEBSOCKET_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WEBSOCKET_PORT %q: %w", v, err)
		}
		c.Server.WebSocketPort = p
	}
	if v := os.Getenv("ADW_DB_ONLY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid ADW_DB_ONLY %q: %w", v, err)
		}
		c.Store.DBOnly = b
	}
	if v := os.Getenv("GITHUB_PAT"); v != "" {
		c.Launcher.GitHubPAT = v
	}
	return nil
}
