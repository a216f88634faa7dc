package store

import (
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/golang-migrate/migrate/v4/database"
)

// migrationDriver adapts an already-open connection to golang-migrate's
// database interface so migrations run through the same sqlite connection
// the rest of the store uses. The generic sqlite drivers shipped with
// migrate each pin their own driver import, which would drag a second
// sqlite implementation into the build.
type migrationDriver struct {
	db     *sql.DB
	locked bool
}

var _ database.Driver = (*migrationDriver)(nil)

func newMigrationDriver(db *sql.DB) *migrationDriver {
	return &migrationDriver{db: db}
}

func (d *migrationDriver) Open(string) (database.Driver, error) {
	return nil, errors.New("sqlite migration driver: open by URL is not supported")
}

func (d *migrationDriver) Close() error { return nil }

func (d *migrationDriver) Lock() error {
	if d.locked {
		return database.ErrLocked
	}
	d.locked = true
	return nil
}

func (d *migrationDriver) Unlock() error {
	d.locked = false
	return nil
}

func (d *migrationDriver) Run(migration io.Reader) error {
	stmts, err := io.ReadAll(migration)
	if err != nil {
		return fmt.Errorf("reading migration: %w", err)
	}
	if _, err := d.db.Exec(string(stmts)); err != nil {
		return fmt.Errorf("executing migration: %w", err)
	}
	return nil
}

func (d *migrationDriver) SetVersion(version int, dirty bool) error {
	if err := d.ensureVersionTable(); err != nil {
		return err
	}
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM schema_migrations`); err != nil {
		tx.Rollback()
		return err
	}
	if version >= 0 {
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, dirty) VALUES (?, ?)`, version, dirty); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (d *migrationDriver) Version() (int, bool, error) {
	if err := d.ensureVersionTable(); err != nil {
		return database.NilVersion, false, err
	}
	var version int
	var dirty bool
	err := d.db.QueryRow(`SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return database.NilVersion, false, nil
	case err != nil:
		return database.NilVersion, false, err
	}
	return version, dirty, nil
}

func (d *migrationDriver) Drop() error {
	rows, err := d.db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, name := range tables {
		if _, err := d.db.Exec(`DROP TABLE IF EXISTS ` + name); err != nil {
			return fmt.Errorf("dropping table %s: %w", name, err)
		}
	}
	return nil
}

func (d *migrationDriver) ensureVersionTable() error {
	_, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL, dirty BOOLEAN NOT NULL)`)
	return err
}
