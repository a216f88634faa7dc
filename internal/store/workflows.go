package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zjrosen/adw/internal/log"
)

const workflowColumns = `id, adw_id, issue_number, issue_title, issue_body, issue_class,
	branch_name, worktree_path, current_stage, status, is_stuck, workflow_name,
	model_set, data_source, issue_json, orchestrator_state, patch_file,
	patch_history, patch_source_mode, backend_port, websocket_port, frontend_port,
	created_at, updated_at, completed_at, deleted_at`

// scanWorkflow reads one adw_states row from a *sql.Row or *sql.Rows.
func scanWorkflow(row interface{ Scan(dest ...any) error }) (*WorkflowRecord, error) {
	var (
		rec                          WorkflowRecord
		issueNumber                  sql.NullInt64
		issueJSON, orchState, patchH sql.NullString
		backend, websocket, frontend sql.NullInt64
		createdAt, updatedAt         int64
		completedAt, deletedAt       sql.NullInt64
		isStuck                      int64
	)
	err := row.Scan(
		&rec.ID, &rec.ADWID, &issueNumber, &rec.IssueTitle, &rec.IssueBody, &rec.IssueClass,
		&rec.BranchName, &rec.WorktreePath, &rec.CurrentStage, &rec.Status, &isStuck, &rec.WorkflowName,
		&rec.ModelSet, &rec.DataSource, &issueJSON, &orchState, &rec.PatchFile,
		&patchH, &rec.PatchSourceMode, &backend, &websocket, &frontend,
		&createdAt, &updatedAt, &completedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.IsStuck = isStuck != 0
	if issueNumber.Valid {
		rec.IssueNumber = &issueNumber.Int64
	}
	if issueJSON.Valid {
		rec.IssueJSON = json.RawMessage(issueJSON.String)
	}
	if orchState.Valid {
		rec.OrchestratorState = json.RawMessage(orchState.String)
	}
	if patchH.Valid {
		rec.PatchHistory = json.RawMessage(patchH.String)
	}
	if backend.Valid {
		rec.BackendPort = &backend.Int64
	}
	if websocket.Valid {
		rec.WebSocketPort = &websocket.Int64
	}
	if frontend.Valid {
		rec.FrontendPort = &frontend.Int64
	}
	rec.CreatedAt = timeFromUnix(createdAt)
	rec.UpdatedAt = timeFromUnix(updatedAt)
	if completedAt.Valid {
		t := timeFromUnix(completedAt.Int64)
		rec.CompletedAt = &t
	}
	if deletedAt.Valid {
		t := timeFromUnix(deletedAt.Int64)
		rec.DeletedAt = &t
	}
	return &rec, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func validJSON(raw json.RawMessage) bool {
	return len(raw) == 0 || json.Valid(raw)
}

// CreateWorkflow inserts a new workflow record. It fails with ErrConflict
// when the adw_id is already live, or when the requested issue_number is
// claimed by the tracker or another live workflow.
func (s *Store) CreateWorkflow(ctx context.Context, rec *WorkflowRecord) (*WorkflowRecord, error) {
	if rec.ADWID == "" {
		return nil, fmt.Errorf("%w: adw_id is required", ErrInvalid)
	}
	applyRecordDefaults(rec)
	if err := validateRecord(rec); err != nil {
		return nil, err
	}

	now := time.Now().UTC().Truncate(time.Second)
	rec.CreatedAt = now
	rec.UpdatedAt = now

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var n int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM adw_states WHERE adw_id = ? AND deleted_at IS NULL`, rec.ADWID,
		).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("workflow %s already exists: %w", rec.ADWID, ErrConflict)
		}
		if rec.IssueNumber != nil {
			if err := tx.QueryRowContext(ctx,
				`SELECT (SELECT COUNT(*) FROM issue_tracker WHERE issue_number = ? AND deleted_at IS NULL AND adw_id != ?)
				      + (SELECT COUNT(*) FROM adw_states WHERE issue_number = ? AND deleted_at IS NULL)`,
				*rec.IssueNumber, rec.ADWID, *rec.IssueNumber,
			).Scan(&n); err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("issue number %d already in use: %w", *rec.IssueNumber, ErrConflict)
			}
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO adw_states (adw_id, issue_number, issue_title, issue_body, issue_class,
				branch_name, worktree_path, current_stage, status, is_stuck, workflow_name,
				model_set, data_source, issue_json, orchestrator_state, patch_file,
				patch_history, patch_source_mode, backend_port, websocket_port, frontend_port,
				created_at, updated_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ADWID, rec.IssueNumber, rec.IssueTitle, rec.IssueBody, rec.IssueClass,
			rec.BranchName, rec.WorktreePath, string(rec.CurrentStage), string(rec.Status), rec.IsStuck, rec.WorkflowName,
			rec.ModelSet, rec.DataSource, nullableJSON(rec.IssueJSON), nullableJSON(rec.OrchestratorState), rec.PatchFile,
			nullableJSON(rec.PatchHistory), rec.PatchSourceMode, rec.BackendPort, rec.WebSocketPort, rec.FrontendPort,
			now.Unix(), now.Unix(), unixOrNil(rec.CompletedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("workflow %s: %w", rec.ADWID, ErrConflict)
			}
			return fmt.Errorf("inserting workflow: %w", err)
		}
		rec.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Info(log.CatDB, "workflow created", "adw_id", rec.ADWID, "workflow", rec.WorkflowName)
	s.mirrorWrite(rec)
	return rec, nil
}

func applyRecordDefaults(rec *WorkflowRecord) {
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.CurrentStage == "" {
		rec.CurrentStage = StageBacklog
	}
	if rec.ModelSet == "" {
		rec.ModelSet = ModelSetBase
	}
	if rec.DataSource == "" {
		rec.DataSource = DataSourceGitHub
	}
}

func validateRecord(rec *WorkflowRecord) error {
	if !rec.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalid, rec.Status)
	}
	if !rec.CurrentStage.Valid() {
		return fmt.Errorf("%w: stage %q", ErrInvalid, rec.CurrentStage)
	}
	if rec.ModelSet != ModelSetBase && rec.ModelSet != ModelSetHeavy {
		return fmt.Errorf("%w: model_set %q", ErrInvalid, rec.ModelSet)
	}
	if rec.DataSource != DataSourceGitHub && rec.DataSource != DataSourceKanban {
		return fmt.Errorf("%w: data_source %q", ErrInvalid, rec.DataSource)
	}
	for name, raw := range map[string]json.RawMessage{
		"issue_json":         rec.IssueJSON,
		"orchestrator_state": rec.OrchestratorState,
		"patch_history":      rec.PatchHistory,
	} {
		if !validJSON(raw) {
			return fmt.Errorf("%w: %s is not valid JSON", ErrInvalid, name)
		}
	}
	return nil
}

// GetWorkflow returns the live record for adwID, or ErrNotFound.
func (s *Store) GetWorkflow(ctx context.Context, adwID string) (*WorkflowRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM adw_states WHERE adw_id = ? AND deleted_at IS NULL`, adwID)
	rec, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", adwID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading workflow %s: %w", adwID, err)
	}
	return rec, nil
}

// ListWorkflows returns records matching the filter, newest first.
func (s *Store) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowRecord, error) {
	query := `SELECT ` + workflowColumns + ` FROM adw_states WHERE 1=1`
	var args []any
	if !filter.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Stage != "" {
		query += ` AND current_stage = ?`
		args = append(args, string(filter.Stage))
	}
	if filter.IsStuck != nil {
		query += ` AND is_stuck = ?`
		args = append(args, *filter.IsStuck)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	defer rows.Close()

	var out []*WorkflowRecord
	for rows.Next() {
		rec, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workflow: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateWorkflow applies a partial update to the live record for adwID and
// returns the refreshed record. Setting completed_at coerces the status to
// completed; setting status to completed stamps completed_at when missing.
// Every changed column also lands in the activity log.
func (s *Store) UpdateWorkflow(ctx context.Context, adwID string, upd WorkflowUpdate) (*WorkflowRecord, error) {
	if err := validateUpdate(&upd); err != nil {
		return nil, err
	}

	now := time.Now().UTC().Truncate(time.Second)
	var rec *WorkflowRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+workflowColumns+` FROM adw_states WHERE adw_id = ? AND deleted_at IS NULL`, adwID)
		old, err := scanWorkflow(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("workflow %s: %w", adwID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("reading workflow %s: %w", adwID, err)
		}

		if upd.CompletedAt != nil {
			status := StatusCompleted
			upd.Status = &status
		} else if upd.Status != nil && *upd.Status == StatusCompleted && old.CompletedAt == nil {
			upd.CompletedAt = &now
		}

		sets, args, changes := buildUpdate(old, &upd)
		sets = append(sets, "updated_at = ?")
		args = append(args, now.Unix())
		args = append(args, adwID)

		query := "UPDATE adw_states SET " + strings.Join(sets, ", ") + " WHERE adw_id = ? AND deleted_at IS NULL"
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("updating workflow %s: %w", adwID, ErrConflict)
			}
			return fmt.Errorf("updating workflow %s: %w", adwID, err)
		}

		for _, c := range changes {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO adw_activity_log (adw_id, event_type, field_changed, old_value, new_value, workflow_step, created_at)
				VALUES (?, 'state_change', ?, ?, ?, ?, ?)`,
				adwID, c.field, c.oldValue, c.newValue, old.WorkflowName, now.Unix(),
			); err != nil {
				return fmt.Errorf("recording activity: %w", err)
			}
		}

		row = tx.QueryRowContext(ctx,
			`SELECT `+workflowColumns+` FROM adw_states WHERE adw_id = ? AND deleted_at IS NULL`, adwID)
		rec, err = scanWorkflow(row)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.mirrorWrite(rec)
	return rec, nil
}

func validateUpdate(upd *WorkflowUpdate) error {
	if upd.Status != nil && !upd.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalid, *upd.Status)
	}
	if upd.CurrentStage != nil && !upd.CurrentStage.Valid() {
		return fmt.Errorf("%w: stage %q", ErrInvalid, *upd.CurrentStage)
	}
	if upd.ModelSet != nil && *upd.ModelSet != ModelSetBase && *upd.ModelSet != ModelSetHeavy {
		return fmt.Errorf("%w: model_set %q", ErrInvalid, *upd.ModelSet)
	}
	if upd.DataSource != nil && *upd.DataSource != DataSourceGitHub && *upd.DataSource != DataSourceKanban {
		return fmt.Errorf("%w: data_source %q", ErrInvalid, *upd.DataSource)
	}
	for name, raw := range map[string]json.RawMessage{
		"issue_json":         upd.IssueJSON,
		"orchestrator_state": upd.OrchestratorState,
		"patch_history":      upd.PatchHistory,
	} {
		if !validJSON(raw) {
			return fmt.Errorf("%w: %s is not valid JSON", ErrInvalid, name)
		}
	}
	return nil
}

type fieldChange struct {
	field    string
	oldValue string
	newValue string
}

// buildUpdate turns the non-nil fields of upd into SET clauses and a list
// of changed columns for the activity log.
func buildUpdate(old *WorkflowRecord, upd *WorkflowUpdate) (sets []string, args []any, changes []fieldChange) {
	set := func(column string, oldVal, newVal string, arg any) {
		sets = append(sets, column+" = ?")
		args = append(args, arg)
		if oldVal != newVal {
			changes = append(changes, fieldChange{field: column, oldValue: oldVal, newValue: newVal})
		}
	}

	if upd.IssueNumber != nil {
		set("issue_number", renderInt(old.IssueNumber), strconv.FormatInt(*upd.IssueNumber, 10), *upd.IssueNumber)
	}
	if upd.IssueTitle != nil {
		set("issue_title", old.IssueTitle, *upd.IssueTitle, *upd.IssueTitle)
	}
	if upd.IssueBody != nil {
		set("issue_body", old.IssueBody, *upd.IssueBody, *upd.IssueBody)
	}
	if upd.IssueClass != nil {
		set("issue_class", old.IssueClass, *upd.IssueClass, *upd.IssueClass)
	}
	if upd.BranchName != nil {
		set("branch_name", old.BranchName, *upd.BranchName, *upd.BranchName)
	}
	if upd.WorktreePath != nil {
		set("worktree_path", old.WorktreePath, *upd.WorktreePath, *upd.WorktreePath)
	}
	if upd.CurrentStage != nil {
		set("current_stage", string(old.CurrentStage), string(*upd.CurrentStage), string(*upd.CurrentStage))
	}
	if upd.Status != nil {
		set("status", string(old.Status), string(*upd.Status), string(*upd.Status))
	}
	if upd.IsStuck != nil {
		set("is_stuck", strconv.FormatBool(old.IsStuck), strconv.FormatBool(*upd.IsStuck), *upd.IsStuck)
	}
	if upd.WorkflowName != nil {
		set("workflow_name", old.WorkflowName, *upd.WorkflowName, *upd.WorkflowName)
	}
	if upd.ModelSet != nil {
		set("model_set", old.ModelSet, *upd.ModelSet, *upd.ModelSet)
	}
	if upd.DataSource != nil {
		set("data_source", old.DataSource, *upd.DataSource, *upd.DataSource)
	}
	if len(upd.IssueJSON) > 0 {
		set("issue_json", string(old.IssueJSON), string(upd.IssueJSON), string(upd.IssueJSON))
	}
	if len(upd.OrchestratorState) > 0 {
		set("orchestrator_state", string(old.OrchestratorState), string(upd.OrchestratorState), string(upd.OrchestratorState))
	}
	if upd.PatchFile != nil {
		set("patch_file", old.PatchFile, *upd.PatchFile, *upd.PatchFile)
	}
	if len(upd.PatchHistory) > 0 {
		set("patch_history", string(old.PatchHistory), string(upd.PatchHistory), string(upd.PatchHistory))
	}
	if upd.PatchSourceMode != nil {
		set("patch_source_mode", old.PatchSourceMode, *upd.PatchSourceMode, *upd.PatchSourceMode)
	}
	if upd.BackendPort != nil {
		set("backend_port", renderInt(old.BackendPort), strconv.FormatInt(*upd.BackendPort, 10), *upd.BackendPort)
	}
	if upd.WebSocketPort != nil {
		set("websocket_port", renderInt(old.WebSocketPort), strconv.FormatInt(*upd.WebSocketPort, 10), *upd.WebSocketPort)
	}
	if upd.FrontendPort != nil {
		set("frontend_port", renderInt(old.FrontendPort), strconv.FormatInt(*upd.FrontendPort, 10), *upd.FrontendPort)
	}
	if upd.CompletedAt != nil {
		oldVal := ""
		if old.CompletedAt != nil {
			oldVal = old.CompletedAt.Format(time.RFC3339)
		}
		set("completed_at", oldVal, upd.CompletedAt.UTC().Format(time.RFC3339), upd.CompletedAt.Unix())
	}
	return sets, args, changes
}

func renderInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

// DeleteWorkflow soft-deletes the live record for adwID.
func (s *Store) DeleteWorkflow(ctx context.Context, adwID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE adw_states SET deleted_at = ?, updated_at = ? WHERE adw_id = ? AND deleted_at IS NULL`,
		time.Now().Unix(), time.Now().Unix(), adwID)
	if err != nil {
		return fmt.Errorf("deleting workflow %s: %w", adwID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("workflow %s: %w", adwID, ErrNotFound)
	}
	log.Info(log.CatDB, "workflow deleted", "adw_id", adwID)
	return nil
}

// AppendActivity appends one activity log entry for an existing workflow.
func (s *Store) AppendActivity(ctx context.Context, adwID string, entry ActivityEntry) (*ActivityEntry, error) {
	if entry.EventType == "" {
		return nil, fmt.Errorf("%w: event_type is required", ErrInvalid)
	}
	if !validJSON(entry.EventData) {
		return nil, fmt.Errorf("%w: event_data is not valid JSON", ErrInvalid)
	}
	if _, err := s.GetWorkflow(ctx, adwID); err != nil {
		return nil, err
	}

	now := time.Now().UTC().Truncate(time.Second)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO adw_activity_log (adw_id, event_type, event_data, field_changed, old_value, new_value, user, workflow_step, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		adwID, entry.EventType, nullableJSON(entry.EventData), entry.FieldChanged,
		entry.OldValue, entry.NewValue, entry.User, entry.WorkflowStep, now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("appending activity: %w", err)
	}
	entry.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	entry.ADWID = adwID
	entry.Timestamp = now
	return &entry, nil
}

// ListActivity returns one page of activity entries for adwID, newest
// first, plus the total number of entries. Pages are 1-based.
func (s *Store) ListActivity(ctx context.Context, adwID string, page, pageSize int) ([]ActivityEntry, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM adw_activity_log WHERE adw_id = ?`, adwID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting activity: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, adw_id, event_type, event_data, field_changed, old_value, new_value, user, workflow_step, created_at
		FROM adw_activity_log WHERE adw_id = ?
		ORDER BY id DESC LIMIT ? OFFSET ?`,
		adwID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("listing activity: %w", err)
	}
	defer rows.Close()

	var out []ActivityEntry
	for rows.Next() {
		var (
			e         ActivityEntry
			eventData sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.ADWID, &e.EventType, &eventData, &e.FieldChanged,
			&e.OldValue, &e.NewValue, &e.User, &e.WorkflowStep, &createdAt); err != nil {
			return nil, 0, fmt.Errorf("scanning activity: %w", err)
		}
		if eventData.Valid {
			e.EventData = json.RawMessage(eventData.String)
		}
		e.Timestamp = timeFromUnix(createdAt)
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// DetectStuck flags live in_progress workflows whose updated_at is older
// than the threshold. Already-flagged rows are left alone, so a second run
// over the same data reports zero.
func (s *Store) DetectStuck(ctx context.Context, threshold time.Duration, adwID string) (int64, error) {
	cutoff := time.Now().Add(-threshold).Unix()
	query := `UPDATE adw_states SET is_stuck = 1
		WHERE status = ? AND is_stuck = 0 AND updated_at < ? AND deleted_at IS NULL`
	args := []any{string(StatusInProgress), cutoff}
	if adwID != "" {
		query += ` AND adw_id = ?`
		args = append(args, adwID)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("detecting stuck workflows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Warn(log.CatDB, "stuck workflows flagged", "count", n, "threshold", threshold.String())
	}
	return n, nil
}
