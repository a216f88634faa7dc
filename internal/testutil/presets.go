package testutil

import "github.com/zjrosen/adw/internal/store"

// InProgressWorkflow is a workflow mid-build.
func InProgressWorkflow() []WorkflowOption {
	return []WorkflowOption{
		WithStatus(store.StatusInProgress),
		WithStage(store.StageBuild),
		WithWorkflowName("build"),
	}
}

// CompletedWorkflow is a workflow that shipped.
func CompletedWorkflow() []WorkflowOption {
	return []WorkflowOption{
		WithStatus(store.StatusCompleted),
		WithStage(store.StageCompleted),
		WithWorkflowName("ship"),
	}
}

// StuckWorkflow is an in-progress workflow already flagged stuck.
func StuckWorkflow() []WorkflowOption {
	return []WorkflowOption{
		WithStatus(store.StatusInProgress),
		WithStage(store.StageTest),
		WithStuck(),
	}
}
