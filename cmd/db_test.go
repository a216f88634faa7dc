package cmd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/adw/internal/config"
	"github.com/zjrosen/adw/internal/store"
)

func seedStore(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	s, err := store.Open(filepath.Join(root, "agents", "adw.db"), nil)
	require.NoError(t, err)
	_, err = s.AllocateIssue(context.Background(), store.AllocateRequest{IssueTitle: "first"})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	return root
}

func TestDBDedupe_RunsCleanly(t *testing.T) {
	resetConfig(t)
	cfg = config.Defaults()
	cfg.ProjectRoot = seedStore(t)

	dedupeCmd.SetContext(context.Background())
	require.NoError(t, runDedupe(dedupeCmd, nil))
}

func TestDBDetectStuck_RunsCleanly(t *testing.T) {
	resetConfig(t)
	cfg = config.Defaults()
	cfg.ProjectRoot = seedStore(t)
	stuckThresholdFlag = 30 * time.Minute
	stuckADWIDFlag = ""

	detectStuckCmd.SetContext(context.Background())
	require.NoError(t, runDetectStuck(detectStuckCmd, nil))
}

func TestOpenMaintenanceStore_BadPath(t *testing.T) {
	resetConfig(t)
	cfg = config.Defaults()
	cfg.Store.Path = filepath.Join(string([]byte{0}), "nope.db")

	_, err := openMaintenanceStore()
	assert.Error(t, err)
}
