package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// insertTrackerRow bypasses the allocator to simulate legacy corruption.
func insertTrackerRow(t *testing.T, s *Store, number int64, title, adwID string, createdAt int64) {
	t.Helper()
	_, err := s.db.Exec(`
		INSERT INTO issue_tracker (issue_number, issue_title, project_id, adw_id, created_at)
		VALUES (?, ?, 'default', ?, ?)`,
		number, title, adwID, createdAt)
	require.NoError(t, err)
}

func TestStore_AllocateIssue_Sequential(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.AllocateIssue(ctx, AllocateRequest{IssueTitle: "a"})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = s.AllocateIssue(ctx, AllocateRequest{IssueTitle: "b"})
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestStore_AllocateIssue_RequiresTitle(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AllocateIssue(context.Background(), AllocateRequest{})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestStore_AllocateIssue_DefaultsProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.AllocateIssue(ctx, AllocateRequest{IssueTitle: "a"})
	require.NoError(t, err)

	iss, err := s.GetIssue(ctx, n)
	require.NoError(t, err)
	require.Equal(t, "default", iss.ProjectID)
	require.Equal(t, "a", iss.IssueTitle)
}

func TestStore_AllocateIssue_NeverReusesDeletedNumbers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AllocateIssue(ctx, AllocateRequest{IssueTitle: "a"})
	require.NoError(t, err)
	n2, err := s.AllocateIssue(ctx, AllocateRequest{IssueTitle: "b"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteIssue(ctx, n2, false))

	n3, err := s.AllocateIssue(ctx, AllocateRequest{IssueTitle: "c"})
	require.NoError(t, err)
	require.EqualValues(t, 3, n3)
}

func TestStore_AllocateIssue_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	results := make([]int64, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.AllocateIssue(ctx, AllocateRequest{IssueTitle: "t"})
		}(i)
	}
	wg.Wait()

	seen := map[int64]bool{}
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.False(t, seen[results[i]], "number %d allocated twice", results[i])
		seen[results[i]] = true
		require.GreaterOrEqual(t, results[i], int64(1))
		require.LessOrEqual(t, results[i], int64(workers))
	}
}

func TestStore_GetIssue_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetIssue(context.Background(), 42)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DeleteIssue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.AllocateIssue(ctx, AllocateRequest{IssueTitle: "a"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteIssue(ctx, n, false))
	_, err = s.GetIssue(ctx, n)
	require.ErrorIs(t, err, ErrNotFound)

	// Soft-deleted rows are still visible with include_deleted.
	all, err := s.ListIssues(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.NotNil(t, all[0].DeletedAt)

	require.NoError(t, s.DeleteIssue(ctx, n, true))
	all, err = s.ListIssues(ctx, true)
	require.NoError(t, err)
	require.Empty(t, all)

	require.ErrorIs(t, s.DeleteIssue(ctx, n, false), ErrNotFound)
}

func TestStore_DeduplicateIssueNumbers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AllocateIssue(ctx, AllocateRequest{IssueTitle: "a"})
	require.NoError(t, err)
	_, err = s.AllocateIssue(ctx, AllocateRequest{IssueTitle: "b"})
	require.NoError(t, err)

	// Corrupt the tracker with a younger duplicate of number 1.
	insertTrackerRow(t, s, 1, "dup", "", time.Now().Add(time.Hour).Unix())

	report, err := s.DeduplicateIssueNumbers(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.DuplicatesFound)
	require.Equal(t, 1, report.RecordsReassigned)
	require.Len(t, report.Reassignments, 1)
	require.EqualValues(t, 1, report.Reassignments[0].OldNumber)
	require.EqualValues(t, 3, report.Reassignments[0].NewNumber)
	require.Equal(t, "dup", report.Reassignments[0].IssueTitle)

	// The oldest row keeps its number.
	iss, err := s.GetIssue(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "a", iss.IssueTitle)

	// A second pass finds nothing.
	report, err = s.DeduplicateIssueNumbers(ctx)
	require.NoError(t, err)
	require.Zero(t, report.DuplicatesFound)
	require.Zero(t, report.RecordsReassigned)
	require.Empty(t, report.Reassignments)
}

func TestStore_DeduplicateIssueNumbers_SyncsWorkflowRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.AllocateIssue(ctx, AllocateRequest{IssueTitle: "a"})
	require.NoError(t, err)

	// The duplicate row is bound to a workflow carrying the old number.
	insertTrackerRow(t, s, n, "dup", "abcd1234", time.Now().Add(time.Hour).Unix())
	_, err = s.db.Exec(`
		INSERT INTO adw_states (adw_id, issue_number, current_stage, status, created_at, updated_at)
		VALUES ('abcd1234', NULL, 'backlog', 'pending', ?, ?)`,
		time.Now().Unix(), time.Now().Unix())
	require.NoError(t, err)

	report, err := s.DeduplicateIssueNumbers(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.RecordsReassigned)
	require.Equal(t, "abcd1234", report.Reassignments[0].ADWID)

	rec, err := s.GetWorkflow(ctx, "abcd1234")
	require.NoError(t, err)
	require.NotNil(t, rec.IssueNumber)
	require.Equal(t, report.Reassignments[0].NewNumber, *rec.IssueNumber)
}

func TestStore_DeduplicateIssueNumbers_EmptyStore(t *testing.T) {
	s := newTestStore(t)

	report, err := s.DeduplicateIssueNumbers(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.DuplicatesFound)
	require.Empty(t, report.Reassignments)
}
