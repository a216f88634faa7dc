package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/adw/internal/paths"
)

// WriteStateFile writes doc as the workflow's adw_state.json.
func WriteStateFile(t *testing.T, resolver paths.Resolver, adwID string, doc map[string]any) {
	t.Helper()
	require.NoError(t, resolver.EnsureWorkflowRoot(adwID))
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(resolver.StateFile(adwID), data, 0o644))
}

// AppendLine appends one line (plus newline) to path, creating parents.
func AppendLine(t *testing.T, path, line string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	require.NoError(t, err)
}

// WriteAgentFile writes content to a file under the workflow's directory
// tree, relative to the workflow root.
func WriteAgentFile(t *testing.T, resolver paths.Resolver, adwID, rel string, content []byte) string {
	t.Helper()
	path := filepath.Join(resolver.WorkflowRoot(adwID), rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}
