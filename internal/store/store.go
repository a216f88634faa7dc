package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/zjrosen/adw/internal/log"
)

// Store is the durable workflow state store. All access goes through a
// single embedded sqlite database; in dual-write mode a Mirror additionally
// maintains a per-workflow adw_state.json file.
type Store struct {
	db     *sql.DB
	path   string
	mirror *Mirror
}

// Open opens (creating and migrating as needed) the database at path.
// A nil mirror selects database-only mode.
func Open(path string, mirror *Mirror) (*Store, error) {
	db, err := NewDB(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, path: path, mirror: mirror}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Health pings the database and counts live workflow rows.
func (s *Store) Health(ctx context.Context) HealthStatus {
	h := HealthStatus{Path: s.path}
	if err := s.db.PingContext(ctx); err != nil {
		h.Error = err.Error()
		return h
	}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM adw_states WHERE deleted_at IS NULL`,
	).Scan(&h.RowCount)
	if err != nil {
		h.Error = err.Error()
		return h
	}
	h.Healthy = true
	return h
}

// mirrorWrite refreshes the adw_state.json mirror for rec. Mirror failures
// are logged, never fatal; the database remains the source of truth.
func (s *Store) mirrorWrite(rec *WorkflowRecord) {
	if s.mirror == nil || rec == nil {
		return
	}
	if err := s.mirror.Write(rec); err != nil {
		log.Warn(log.CatDB, "state mirror write failed", "adw_id", rec.ADWID, "error", err.Error())
	}
}

// inTx runs fn inside a transaction, committing on nil error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
