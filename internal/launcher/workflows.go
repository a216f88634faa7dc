// Package launcher validates workflow trigger requests and spawns the
// detached worker processes that execute them.
package launcher

import (
	"fmt"
	"sort"
)

// Workflow describes one launchable stage script.
type Workflow struct {
	Name string
	// Script is the worker entry point handed to the runner tool.
	Script string
	// Dependent workflows operate on an existing worktree and therefore
	// need an adw_id pointing at a prior run.
	Dependent bool
	// RequiresIssue workflows need some issue context to act on.
	RequiresIssue bool
}

var registry = map[string]Workflow{
	"plan":                   {Name: "plan", RequiresIssue: true},
	"patch":                  {Name: "patch", Dependent: true, RequiresIssue: true},
	"build":                  {Name: "build", Dependent: true, RequiresIssue: true},
	"test":                   {Name: "test", Dependent: true, RequiresIssue: true},
	"review":                 {Name: "review", Dependent: true, RequiresIssue: true},
	"document":               {Name: "document", Dependent: true, RequiresIssue: true},
	"ship":                   {Name: "ship", Dependent: true, RequiresIssue: true},
	"plan_build":             {Name: "plan_build", RequiresIssue: true},
	"plan_build_test":        {Name: "plan_build_test", RequiresIssue: true},
	"plan_build_test_review": {Name: "plan_build_test_review", RequiresIssue: true},
	"sdlc":                   {Name: "sdlc", RequiresIssue: true},
}

func init() {
	for name, wf := range registry {
		wf.Script = name + ".py"
		registry[name] = wf
	}
}

// Lookup returns the workflow registered under name.
func Lookup(name string) (Workflow, bool) {
	wf, ok := registry[name]
	return wf, ok
}

// KnownWorkflows returns every registered workflow name, sorted.
func KnownWorkflows() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// issueTypes are the accepted classification labels.
var issueTypes = map[string]struct{}{
	"feature": {}, "bug": {}, "chore": {}, "patch": {},
}

// CanonicalIssueClass maps an issue_type to its stored slash form.
func CanonicalIssueClass(issueType string) (string, error) {
	if _, ok := issueTypes[issueType]; !ok {
		return "", fmt.Errorf("unknown issue_type %q", issueType)
	}
	return "/" + issueType, nil
}
