package testutil

import (
	"encoding/json"

	"github.com/zjrosen/adw/internal/store"
)

// WorkflowOption configures a workflow fixture.
type WorkflowOption func(*store.WorkflowRecord)

func defaultWorkflow(adwID string) store.WorkflowRecord {
	return store.WorkflowRecord{
		ADWID:        adwID,
		Status:       store.StatusPending,
		CurrentStage: store.StageBacklog,
		ModelSet:     store.ModelSetBase,
		DataSource:   store.DataSourceGitHub,
	}
}

func WithStatus(status store.Status) WorkflowOption {
	return func(rec *store.WorkflowRecord) { rec.Status = status }
}

func WithStage(stage store.Stage) WorkflowOption {
	return func(rec *store.WorkflowRecord) { rec.CurrentStage = stage }
}

func WithIssueNumber(n int64) WorkflowOption {
	return func(rec *store.WorkflowRecord) { rec.IssueNumber = &n }
}

func WithIssueTitle(title string) WorkflowOption {
	return func(rec *store.WorkflowRecord) { rec.IssueTitle = title }
}

func WithWorkflowName(name string) WorkflowOption {
	return func(rec *store.WorkflowRecord) { rec.WorkflowName = name }
}

func WithStuck() WorkflowOption {
	return func(rec *store.WorkflowRecord) { rec.IsStuck = true }
}

func WithIssueJSON(raw string) WorkflowOption {
	return func(rec *store.WorkflowRecord) {
		rec.IssueJSON = json.RawMessage(raw)
		rec.DataSource = store.DataSourceKanban
	}
}
