package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	require.Equal(t, 8002, cfg.Server.BackendPort)
	require.Equal(t, 8500, cfg.Server.WebSocketPort)
	require.Equal(t, 300*time.Second, cfg.Server.IdleTimeout)
	require.True(t, cfg.Store.DBOnly)
	require.Equal(t, "file", cfg.Tracing.Exporter)
}

func TestApplyEnv_OverridesPorts(t *testing.T) {
	t.Setenv("BACKEND_PORT", "9100")
	t.Setenv("WEBSOCKET_PORT", "9101")
	t.Setenv("ADW_DB_ONLY", "false")
	t.Setenv("GITHUB_PAT", "ghp_test")

	cfg := Defaults()
	require.NoError(t, cfg.ApplyEnv())
	require.Equal(t, 9100, cfg.Server.BackendPort)
	require.Equal(t, 9101, cfg.Server.WebSocketPort)
	require.False(t, cfg.Store.DBOnly)
	require.Equal(t, "ghp_test", cfg.Launcher.GitHubPAT)
}

func TestApplyEnv_RejectsGarbage(t *testing.T) {
	t.Setenv("BACKEND_PORT", "not-a-port")
	cfg := Defaults()
	require.Error(t, cfg.ApplyEnv())

	t.Setenv("BACKEND_PORT", "")
	t.Setenv("ADW_DB_ONLY", "maybe")
	cfg = Defaults()
	require.Error(t, cfg.ApplyEnv())
}

func TestSave_WritesReadableYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")
	cfg := Defaults()
	cfg.Server.BackendPort = 1234

	require.NoError(t, Save(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var loaded map[string]any
	require.NoError(t, yaml.Unmarshal(data, &loaded))
	server, ok := loaded["server"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, 1234, server["backend_port"])
	require.Equal(t, "5m0s", server["idle_timeout"])
}
