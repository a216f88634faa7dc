// Package paths provides the filesystem contract shared by the server,
// the directory monitors, and the detached workers.
//
// Layout, relative to the project root:
//
//	agents/<adw_id>/                 workflow root
//	agents/<adw_id>/adw_state.json   state snapshot, replaced atomically
//	agents/<adw_id>/<agent>/raw_output.jsonl
//	agents/<adw_id>/<agent>/execution.log
//	agents/<adw_id>/<agent>/review_img/*.png|jpg|jpeg|gif
//	specs/*<adw_id>*.md              spec documents written by workers
package paths

import (
	"os"
	"path/filepath"
)

const (
	// AgentsDirName is the directory holding per-workflow trees.
	AgentsDirName = "agents"
	// SpecsDirName is the sibling directory holding spec markdown files.
	SpecsDirName = "specs"
	// StateFileName is the per-workflow state snapshot.
	StateFileName = "adw_state.json"
	// RawOutputFileName is the append-only JSONL stream each sub-agent writes.
	RawOutputFileName = "raw_output.jsonl"
	// ExecutionLogFileName is the plain-text log each sub-agent writes.
	ExecutionLogFileName = "execution.log"
	// ReviewImgDirName holds screenshots inside an agent subdirectory.
	ReviewImgDirName = "review_img"
)

// ScreenshotExtensions are the recognized screenshot file extensions.
var ScreenshotExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {},
}

// Resolver resolves workflow-related paths under a project root.
type Resolver struct {
	root string
}

// NewResolver creates a resolver rooted at the given project directory.
// An empty root resolves against the current directory.
func NewResolver(root string) Resolver {
	if root == "" {
		root = "."
	}
	return Resolver{root: filepath.Clean(root)}
}

// Root returns the project root.
func (r Resolver) Root() string { return r.root }

// AgentsDir returns the directory containing all workflow roots.
func (r Resolver) AgentsDir() string {
	return filepath.Join(r.root, AgentsDirName)
}

// WorkflowRoot returns agents/<adwID>.
func (r Resolver) WorkflowRoot(adwID string) string {
	return filepath.Join(r.AgentsDir(), adwID)
}

// StateFile returns agents/<adwID>/adw_state.json.
func (r Resolver) StateFile(adwID string) string {
	return filepath.Join(r.WorkflowRoot(adwID), StateFileName)
}

// SpecsDir returns the shared specs directory.
func (r Resolver) SpecsDir() string {
	return filepath.Join(r.root, SpecsDirName)
}

// LogsPath returns the execution log path reported in trigger responses.
func (r Resolver) LogsPath(adwID string) string {
	return r.WorkflowRoot(adwID)
}

// EnsureWorkflowRoot creates agents/<adwID> if absent.
func (r Resolver) EnsureWorkflowRoot(adwID string) error {
	return os.MkdirAll(r.WorkflowRoot(adwID), 0o755)
}

// IsScreenshot reports whether the file name has a screenshot extension.
func IsScreenshot(name string) bool {
	_, ok := ScreenshotExtensions[filepath.Ext(name)]
	return ok
}
