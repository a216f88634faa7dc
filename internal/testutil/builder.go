package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/adw/internal/store"
)

// Builder accumulates workflow fixtures and inserts them in order.
type Builder struct {
	t         *testing.T
	s         *store.Store
	workflows []store.WorkflowRecord
	issues    []store.AllocateRequest
	activity  map[string][]store.ActivityEntry
}

// NewBuilder creates a builder writing into the given store.
func NewBuilder(t *testing.T, s *store.Store) *Builder {
	t.Helper()
	return &Builder{t: t, s: s, activity: map[string][]store.ActivityEntry{}}
}

// WithWorkflow adds a workflow record with optional configuration.
func (b *Builder) WithWorkflow(adwID string, opts ...WorkflowOption) *Builder {
	rec := defaultWorkflow(adwID)
	for _, opt := range opts {
		opt(&rec)
	}
	b.workflows = append(b.workflows, rec)
	return b
}

// WithIssue allocates a tracker row before the workflows are inserted.
func (b *Builder) WithIssue(title string, adwID string) *Builder {
	b.issues = append(b.issues, store.AllocateRequest{IssueTitle: title, ADWID: adwID})
	return b
}

// WithActivity appends an activity entry after its workflow is inserted.
func (b *Builder) WithActivity(adwID string, entry store.ActivityEntry) *Builder {
	b.activity[adwID] = append(b.activity[adwID], entry)
	return b
}

// Build inserts all accumulated data: issues, then workflows, then activity.
func (b *Builder) Build() {
	b.t.Helper()
	ctx := context.Background()
	for _, req := range b.issues {
		_, err := b.s.AllocateIssue(ctx, req)
		require.NoError(b.t, err)
	}
	for i := range b.workflows {
		_, err := b.s.CreateWorkflow(ctx, &b.workflows[i])
		require.NoError(b.t, err)
	}
	for adwID, entries := range b.activity {
		for _, entry := range entries {
			_, err := b.s.AppendActivity(ctx, adwID, entry)
			require.NoError(b.t, err)
		}
	}
}
