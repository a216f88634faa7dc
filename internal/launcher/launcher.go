package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/zjrosen/adw/internal/config"
	"github.com/zjrosen/adw/internal/events"
	"github.com/zjrosen/adw/internal/log"
	"github.com/zjrosen/adw/internal/paths"
	"github.com/zjrosen/adw/internal/store"
)

// TriggerRequest is the contract shared by the WebSocket control channel
// and the HTTP trigger endpoint.
type TriggerRequest struct {
	WorkflowType string          `json:"workflow_type"`
	ADWID        string          `json:"adw_id,omitempty"`
	IssueNumber  *int64          `json:"issue_number,omitempty"`
	IssueType    string          `json:"issue_type,omitempty"`
	IssueJSON    json.RawMessage `json:"issue_json,omitempty"`
	ModelSet     string          `json:"model_set,omitempty"`
}

// TriggerResponse is returned synchronously; the worker runs on detached.
type TriggerResponse struct {
	Status       string `json:"status"`
	ADWID        string `json:"adw_id,omitempty"`
	WorkflowName string `json:"workflow_name,omitempty"`
	LogsPath     string `json:"logs_path,omitempty"`
	Message      string `json:"message,omitempty"`
}

// SpawnFunc starts a detached worker and returns its pid. Injectable so
// tests never fork real processes.
type SpawnFunc func(script string, args []string, dir string, env []string) (int, error)

// Launcher turns accepted trigger requests into workflow records and
// detached worker processes.
type Launcher struct {
	store    *store.Store
	resolver paths.Resolver
	bus      *events.Bus
	cfg      config.LauncherConfig
	spawn    SpawnFunc
}

func New(s *store.Store, resolver paths.Resolver, bus *events.Bus, cfg config.LauncherConfig) *Launcher {
	return &Launcher{store: s, resolver: resolver, bus: bus, cfg: cfg, spawn: spawnDetached}
}

// WithSpawn overrides the process spawner. Test seam.
func (l *Launcher) WithSpawn(fn SpawnFunc) *Launcher {
	l.spawn = fn
	return l
}

// Validate applies the acceptance rules and reports the first violation.
func Validate(req TriggerRequest) error {
	wf, ok := Lookup(req.WorkflowType)
	if !ok {
		return fmt.Errorf("unknown workflow_type %q (known: %s)",
			req.WorkflowType, strings.Join(KnownWorkflows(), ", "))
	}
	if wf.Dependent && req.ADWID == "" {
		return fmt.Errorf("workflow %q requires an adw_id (it runs against an existing worktree)", wf.Name)
	}
	if req.IssueType != "" {
		if _, err := CanonicalIssueClass(req.IssueType); err != nil {
			return err
		}
		// A patch classification amends an existing run; it cannot start
		// a fresh one.
		if req.IssueType == "patch" && req.ADWID == "" {
			return fmt.Errorf("issue_type %q requires an adw_id referencing the run to amend", req.IssueType)
		}
	}
	if req.ModelSet != "" && req.ModelSet != store.ModelSetBase && req.ModelSet != store.ModelSetHeavy {
		return fmt.Errorf("unknown model_set %q", req.ModelSet)
	}
	if wf.RequiresIssue {
		hasContext := req.IssueNumber != nil || req.IssueType != "" || len(req.IssueJSON) > 0 ||
			(wf.Dependent && req.ADWID != "")
		if !hasContext {
			return fmt.Errorf("workflow %q needs issue context: one of issue_number, issue_type, or issue_json", wf.Name)
		}
	}
	return nil
}

// Launch validates req, upserts the workflow record, and spawns the worker.
// It returns an accepted response without waiting for the worker; any
// failure yields an error response and a failed status_update broadcast.
func (l *Launcher) Launch(ctx context.Context, req TriggerRequest) (*TriggerResponse, error) {
	if err := Validate(req); err != nil {
		return l.fail(req, err), err
	}
	wf, _ := Lookup(req.WorkflowType)

	adwID := req.ADWID
	if adwID == "" {
		adwID = GenerateADWID()
	}

	if err := l.upsert(ctx, adwID, wf, req); err != nil {
		return l.fail(req, err), err
	}

	env, err := l.sanitizedEnv()
	if err != nil {
		return l.fail(req, err), err
	}

	args := []string{"run-tool", wf.Script}
	if req.IssueNumber != nil {
		args = append(args, strconv.FormatInt(*req.IssueNumber, 10))
	}
	args = append(args, adwID)

	pid, err := l.spawn(l.cfg.Script, args, l.cfg.RepoRoot, env)
	if err != nil {
		err = fmt.Errorf("spawning worker: %w", err)
		return l.fail(req, err), err
	}

	log.Info(log.CatLauncher, "worker launched",
		"adw_id", adwID, "workflow", wf.Name, "pid", pid)

	return &TriggerResponse{
		Status:       "accepted",
		ADWID:        adwID,
		WorkflowName: wf.Name,
		LogsPath:     l.resolver.LogsPath(adwID),
	}, nil
}

// upsert reuses an existing record when the request names one, refreshing
// the issue fields from the request; otherwise it creates the record.
func (l *Launcher) upsert(ctx context.Context, adwID string, wf Workflow, req TriggerRequest) error {
	issueClass := ""
	if req.IssueType != "" {
		issueClass, _ = CanonicalIssueClass(req.IssueType)
	}
	dataSource := store.DataSourceGitHub
	if len(req.IssueJSON) > 0 {
		dataSource = store.DataSourceKanban
	}
	modelSet := req.ModelSet
	if modelSet == "" {
		modelSet = store.ModelSetBase
	}

	_, err := l.store.GetWorkflow(ctx, adwID)
	switch {
	case err == nil:
		upd := store.WorkflowUpdate{
			WorkflowName: &wf.Name,
			ModelSet:     &modelSet,
			DataSource:   &dataSource,
		}
		if req.IssueNumber != nil {
			upd.IssueNumber = req.IssueNumber
		}
		if issueClass != "" {
			upd.IssueClass = &issueClass
		}
		if len(req.IssueJSON) > 0 {
			upd.IssueJSON = req.IssueJSON
		}
		_, err = l.store.UpdateWorkflow(ctx, adwID, upd)
		return err
	case errors.Is(err, store.ErrNotFound):
		rec := &store.WorkflowRecord{
			ADWID:        adwID,
			IssueNumber:  req.IssueNumber,
			IssueClass:   issueClass,
			IssueJSON:    req.IssueJSON,
			WorkflowName: wf.Name,
			ModelSet:     modelSet,
			DataSource:   dataSource,
		}
		_, err = l.store.CreateWorkflow(ctx, rec)
		return err
	default:
		return err
	}
}

// fail reports a launch failure to clients watching the workflow.
func (l *Launcher) fail(req TriggerRequest, cause error) *TriggerResponse {
	log.ErrorErr(log.CatLauncher, "workflow launch failed", cause,
		"workflow", req.WorkflowType, "adw_id", req.ADWID)
	if l.bus != nil {
		l.bus.Publish(events.New(events.TypeStatusUpdate, map[string]any{
			"adw_id":        req.ADWID,
			"workflow_name": req.WorkflowType,
			"status":        "failed",
			"error":         cause.Error(),
		}))
	}
	return &TriggerResponse{
		Status:       "error",
		ADWID:        req.ADWID,
		WorkflowName: req.WorkflowType,
		Message:      cause.Error(),
	}
}

// GenerateADWID returns a fresh 8-character alphanumeric workflow id.
func GenerateADWID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
