package store

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a workflow record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusErrored    Status = "errored"
	StatusStuck      Status = "stuck"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusErrored, StatusStuck:
		return true
	}
	return false
}

// Stage is the pipeline position of a workflow record.
type Stage string

const (
	StageBacklog      Stage = "backlog"
	StagePlan         Stage = "plan"
	StageBuild        Stage = "build"
	StageTest         Stage = "test"
	StageReview       Stage = "review"
	StageDocument     Stage = "document"
	StageReadyToMerge Stage = "ready-to-merge"
	StageCompleted    Stage = "completed"
	StageErrored      Stage = "errored"
)

func (s Stage) Valid() bool {
	switch s {
	case StageBacklog, StagePlan, StageBuild, StageTest, StageReview,
		StageDocument, StageReadyToMerge, StageCompleted, StageErrored:
		return true
	}
	return false
}

// Model sets selectable per workflow.
const (
	ModelSetBase  = "base"
	ModelSetHeavy = "heavy"
)

// Issue data sources.
const (
	DataSourceGitHub = "github"
	DataSourceKanban = "kanban"
)

// WorkflowRecord is the durable state of one workflow execution. It is
// also the document shape mirrored to adw_state.json in dual-write mode.
type WorkflowRecord struct {
	ID                int64           `json:"-"`
	ADWID             string          `json:"adw_id"`
	IssueNumber       *int64          `json:"issue_number,omitempty"`
	IssueTitle        string          `json:"issue_title,omitempty"`
	IssueBody         string          `json:"issue_body,omitempty"`
	IssueClass        string          `json:"issue_class,omitempty"`
	BranchName        string          `json:"branch_name,omitempty"`
	WorktreePath      string          `json:"worktree_path,omitempty"`
	CurrentStage      Stage           `json:"current_stage"`
	Status            Status          `json:"status"`
	IsStuck           bool            `json:"is_stuck"`
	WorkflowName      string          `json:"workflow_name,omitempty"`
	ModelSet          string          `json:"model_set"`
	DataSource        string          `json:"data_source"`
	IssueJSON         json.RawMessage `json:"issue_json,omitempty"`
	OrchestratorState json.RawMessage `json:"orchestrator_state,omitempty"`
	PatchFile         string          `json:"patch_file,omitempty"`
	PatchHistory      json.RawMessage `json:"patch_history,omitempty"`
	PatchSourceMode   string          `json:"patch_source_mode,omitempty"`
	BackendPort       *int64          `json:"backend_port,omitempty"`
	WebSocketPort     *int64          `json:"websocket_port,omitempty"`
	FrontendPort      *int64          `json:"frontend_port,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	DeletedAt         *time.Time      `json:"deleted_at,omitempty"`
}

// WorkflowUpdate is a partial update to a workflow record. Nil fields are
// left untouched. The JSON tags let PATCH bodies decode straight into it.
type WorkflowUpdate struct {
	IssueNumber       *int64          `json:"issue_number"`
	IssueTitle        *string         `json:"issue_title"`
	IssueBody         *string         `json:"issue_body"`
	IssueClass        *string         `json:"issue_class"`
	BranchName        *string         `json:"branch_name"`
	WorktreePath      *string         `json:"worktree_path"`
	CurrentStage      *Stage          `json:"current_stage"`
	Status            *Status         `json:"status"`
	IsStuck           *bool           `json:"is_stuck"`
	WorkflowName      *string         `json:"workflow_name"`
	ModelSet          *string         `json:"model_set"`
	DataSource        *string         `json:"data_source"`
	IssueJSON         json.RawMessage `json:"issue_json"`
	OrchestratorState json.RawMessage `json:"orchestrator_state"`
	PatchFile         *string         `json:"patch_file"`
	PatchHistory      json.RawMessage `json:"patch_history"`
	PatchSourceMode   *string         `json:"patch_source_mode"`
	BackendPort       *int64          `json:"backend_port"`
	WebSocketPort     *int64          `json:"websocket_port"`
	FrontendPort      *int64          `json:"frontend_port"`
	CompletedAt       *time.Time      `json:"completed_at"`
}

// WorkflowFilter narrows ListWorkflows results. Zero values mean "no filter".
type WorkflowFilter struct {
	Status         Status
	Stage          Stage
	IsStuck        *bool
	IncludeDeleted bool
}

// ActivityEntry is one append-only activity log row.
type ActivityEntry struct {
	ID           int64           `json:"id"`
	ADWID        string          `json:"adw_id"`
	EventType    string          `json:"event_type"`
	EventData    json.RawMessage `json:"event_data,omitempty"`
	FieldChanged string          `json:"field_changed,omitempty"`
	OldValue     string          `json:"old_value,omitempty"`
	NewValue     string          `json:"new_value,omitempty"`
	User         string          `json:"user,omitempty"`
	WorkflowStep string          `json:"workflow_step,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Issue is one issue tracker row.
type Issue struct {
	ID          int64      `json:"id"`
	IssueNumber int64      `json:"issue_number"`
	IssueTitle  string     `json:"issue_title"`
	ProjectID   string     `json:"project_id"`
	ADWID       string     `json:"adw_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// AllocateRequest asks for the next free issue number.
type AllocateRequest struct {
	IssueTitle string `json:"issue_title"`
	ProjectID  string `json:"project_id"`
	ADWID      string `json:"adw_id"`
}

// Reassignment records one issue number moved by deduplication.
type Reassignment struct {
	ADWID      string `json:"adw_id,omitempty"`
	IssueTitle string `json:"issue_title,omitempty"`
	OldNumber  int64  `json:"old_number"`
	NewNumber  int64  `json:"new_number"`
}

// DedupeReport summarizes one DeduplicateIssueNumbers run.
type DedupeReport struct {
	DuplicatesFound   int            `json:"duplicates_found"`
	RecordsReassigned int            `json:"records_reassigned"`
	Reassignments     []Reassignment `json:"reassignments"`
}

// HealthStatus is the store's self-check result.
type HealthStatus struct {
	Healthy  bool   `json:"healthy"`
	Path     string `json:"path"`
	RowCount int64  `json:"row_count"`
	Error    string `json:"error,omitempty"`
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeFromUnix(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}
