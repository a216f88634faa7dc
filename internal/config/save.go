package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Save writes the configuration to the given path as YAML, creating parent
// directories as needed. Used by `adw config init` and by tests.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(toYAML(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// toYAML reshapes the config into plain maps so durations render as strings
// ("30s") instead of nanosecond integers.
func toYAML(cfg Config) map[string]any {
	return map[string]any{
		"project_root": cfg.ProjectRoot,
		"server": map[string]any{
			"backend_port":       cfg.Server.BackendPort,
			"websocket_port":     cfg.Server.WebSocketPort,
			"heartbeat_interval": cfg.Server.HeartbeatInterval.String(),
			"idle_timeout":       cfg.Server.IdleTimeout.String(),
			"stuck_threshold":    cfg.Server.StuckThreshold.String(),
		},
		"store": map[string]any{
			"path":    cfg.Store.Path,
			"db_only": cfg.Store.DBOnly,
		},
		"launcher": map[string]any{
			"script":    cfg.Launcher.Script,
			"repo_root": cfg.Launcher.RepoRoot,
			"env_file":  cfg.Launcher.EnvFile,
		},
		"tracing": map[string]any{
			"enabled":       cfg.Tracing.Enabled,
			"exporter":      cfg.Tracing.Exporter,
			"file_path":     cfg.Tracing.FilePath,
			"otlp_endpoint": cfg.Tracing.OTLPEndpoint,
			"sample_rate":   cfg.Tracing.SampleRate,
		},
	}
}
