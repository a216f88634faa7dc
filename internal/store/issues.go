package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/adw/internal/log"
)

// allocateDelays is the fixed backoff schedule between allocation retries.
var allocateDelays = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}

// AllocateIssue reserves the next free issue number. Each attempt runs in
// its own transaction; contention (lock or constraint failures) retries on
// the fixed schedule, then surfaces as ErrConflict. Numbers are never
// reused, even after soft deletes.
func (s *Store) AllocateIssue(ctx context.Context, req AllocateRequest) (int64, error) {
	if req.IssueTitle == "" {
		return 0, fmt.Errorf("%w: issue_title is required", ErrInvalid)
	}
	if req.ProjectID == "" {
		req.ProjectID = "default"
	}

	n, err := s.allocateOnce(ctx, req)
	for attempt := 0; err != nil && attempt < len(allocateDelays); attempt++ {
		if !isUniqueViolation(err) && !isBusy(err) {
			return 0, err
		}
		log.Debug(log.CatDB, "issue allocation retry", "attempt", attempt+1, "error", err.Error())
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(allocateDelays[attempt]):
		}
		n, err = s.allocateOnce(ctx, req)
	}
	if err != nil {
		if isUniqueViolation(err) || isBusy(err) {
			return 0, fmt.Errorf("allocating issue number: %w", ErrConflict)
		}
		return 0, err
	}

	log.Info(log.CatDB, "issue allocated", "issue_number", n, "project_id", req.ProjectID)
	return n, nil
}

func (s *Store) allocateOnce(ctx context.Context, req AllocateRequest) (int64, error) {
	var next int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(issue_number), 0) + 1 FROM issue_tracker`,
		).Scan(&next); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO issue_tracker (issue_number, issue_title, project_id, adw_id, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			next, req.IssueTitle, req.ProjectID, req.ADWID, time.Now().Unix())
		return err
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

const issueColumns = `id, issue_number, issue_title, project_id, adw_id, created_at, deleted_at`

func scanIssue(row interface{ Scan(dest ...any) error }) (*Issue, error) {
	var (
		iss       Issue
		createdAt int64
		deletedAt sql.NullInt64
	)
	if err := row.Scan(&iss.ID, &iss.IssueNumber, &iss.IssueTitle, &iss.ProjectID,
		&iss.ADWID, &createdAt, &deletedAt); err != nil {
		return nil, err
	}
	iss.CreatedAt = timeFromUnix(createdAt)
	if deletedAt.Valid {
		t := timeFromUnix(deletedAt.Int64)
		iss.DeletedAt = &t
	}
	return &iss, nil
}

// ListIssues returns tracker rows ordered by issue number.
func (s *Store) ListIssues(ctx context.Context, includeDeleted bool) ([]*Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issue_tracker`
	if !includeDeleted {
		query += ` WHERE deleted_at IS NULL`
	}
	query += ` ORDER BY issue_number ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing issues: %w", err)
	}
	defer rows.Close()

	var out []*Issue
	for rows.Next() {
		iss, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning issue: %w", err)
		}
		out = append(out, iss)
	}
	return out, rows.Err()
}

// GetIssue returns the live tracker row for number, or ErrNotFound.
func (s *Store) GetIssue(ctx context.Context, number int64) (*Issue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issue_tracker WHERE issue_number = ? AND deleted_at IS NULL`, number)
	iss, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issue %d: %w", number, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading issue %d: %w", number, err)
	}
	return iss, nil
}

// DeleteIssue soft-deletes the live tracker row for number. With permanent
// set, the row is removed outright (maintenance only).
func (s *Store) DeleteIssue(ctx context.Context, number int64, permanent bool) error {
	var (
		res sql.Result
		err error
	)
	if permanent {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM issue_tracker WHERE issue_number = ?`, number)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE issue_tracker SET deleted_at = ? WHERE issue_number = ? AND deleted_at IS NULL`,
			time.Now().Unix(), number)
	}
	if err != nil {
		return fmt.Errorf("deleting issue %d: %w", number, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("issue %d: %w", number, ErrNotFound)
	}
	return nil
}

// DeduplicateIssueNumbers repairs tracker rows that share an issue number.
// The oldest row of each duplicate set keeps its number; the rest move to
// fresh numbers past the current maximum. Workflow records bound to a moved
// tracker row follow it. The whole repair is one transaction.
func (s *Store) DeduplicateIssueNumbers(ctx context.Context) (*DedupeReport, error) {
	report := &DedupeReport{Reassignments: []Reassignment{}}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		dupNumbers, err := queryInts(ctx, tx, `
			SELECT issue_number FROM issue_tracker
			WHERE deleted_at IS NULL
			GROUP BY issue_number HAVING COUNT(*) > 1
			ORDER BY issue_number ASC`)
		if err != nil {
			return err
		}
		if len(dupNumbers) == 0 {
			return nil
		}
		report.DuplicatesFound = len(dupNumbers)

		var next int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(issue_number), 0) + 1 FROM issue_tracker`,
		).Scan(&next); err != nil {
			return err
		}

		type victim struct {
			id    int64
			adwID string
			title string
			old   int64
		}
		var victims []victim
		for _, number := range dupNumbers {
			rows, err := tx.QueryContext(ctx, `
				SELECT id, adw_id, issue_title FROM issue_tracker
				WHERE issue_number = ? AND deleted_at IS NULL
				ORDER BY created_at ASC, id ASC`, number)
			if err != nil {
				return err
			}
			first := true
			for rows.Next() {
				var v victim
				if err := rows.Scan(&v.id, &v.adwID, &v.title); err != nil {
					rows.Close()
					return err
				}
				v.old = number
				if first {
					first = false
					continue
				}
				victims = append(victims, v)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return err
			}
			rows.Close()
		}

		for _, v := range victims {
			if _, err := tx.ExecContext(ctx,
				`UPDATE issue_tracker SET issue_number = ? WHERE id = ?`, next, v.id); err != nil {
				return fmt.Errorf("reassigning issue %d: %w", v.old, err)
			}
			if v.adwID != "" {
				if _, err := tx.ExecContext(ctx, `
					UPDATE adw_states SET issue_number = ?, updated_at = ?
					WHERE adw_id = ? AND deleted_at IS NULL`,
					next, time.Now().Unix(), v.adwID); err != nil {
					return fmt.Errorf("syncing workflow %s: %w", v.adwID, err)
				}
			}
			report.Reassignments = append(report.Reassignments, Reassignment{
				ADWID:      v.adwID,
				IssueTitle: v.title,
				OldNumber:  v.old,
				NewNumber:  next,
			})
			next++
		}
		report.RecordsReassigned = len(victims)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("deduplicating issue numbers: %w", err)
	}

	if report.RecordsReassigned > 0 {
		log.Warn(log.CatDB, "issue numbers deduplicated",
			"duplicates_found", report.DuplicatesFound,
			"records_reassigned", report.RecordsReassigned)
	}
	return report, nil
}

func queryInts(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
