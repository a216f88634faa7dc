package store

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/zjrosen/adw/internal/paths"
)

// Mirror maintains the legacy per-workflow adw_state.json files in
// dual-write mode. Writes are atomic (temp file then rename) so workers
// tailing the file never observe a partial document.
type Mirror struct {
	resolver paths.Resolver
}

func NewMirror(resolver paths.Resolver) *Mirror {
	return &Mirror{resolver: resolver}
}

// Write replaces the state file for rec's workflow.
func (m *Mirror) Write(rec *WorkflowRecord) error {
	if err := m.resolver.EnsureWorkflowRoot(rec.ADWID); err != nil {
		return fmt.Errorf("creating workflow directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	target := m.resolver.StateFile(rec.ADWID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}
