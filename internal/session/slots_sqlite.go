package session

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteSlots stores slots in a SQLite database
type SQLiteSlots struct {
	db *sql.DB
}

// OpenSQLiteSlots opens (or creates) the slot database at path
func OpenSQLiteSlots(path string) (*SQLiteSlots, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	// One writer at a time; SQLite serializes anyway
	db.SetMaxOpenConns(1)

	if err := initTable(db, "slots", `
		CREATE TABLE IF NOT EXISTS slots (
			name        TEXT PRIMARY KEY,
			value       TEXT NOT NULL,
			updated_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		);`,
	); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteSlots{db: db}, nil
}

func initTable(db *sql.DB, name string, stmt string) error {
	if _, err := db.Exec(stmt); err != nil {
		return fmt.Errorf("failed to init '%s' table schema: %w", name, err)
	}
	return nil
}

// Close closes the database
func (s *SQLiteSlots) Close() error {
	return s.db.Close()
}

func (s *SQLiteSlots) Get(name string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM slots WHERE name = ?;`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read slot %q: %w", name, err)
	}
	return value, true, nil
}

const upsertSlot = `
	INSERT INTO slots (name, value, updated_at)
	VALUES (?, ?, strftime('%s', 'now'))
	ON CONFLICT(name) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at;`

func (s *SQLiteSlots) Set(name, value string) error {
	if _, err := s.db.Exec(upsertSlot, name, value); err != nil {
		return fmt.Errorf("failed to write slot %q: %w", name, err)
	}
	return nil
}

func (s *SQLiteSlots) Delete(name string) error {
	if _, err := s.db.Exec(`DELETE FROM slots WHERE name = ?;`, name); err != nil {
		return fmt.Errorf("failed to delete slot %q: %w", name, err)
	}
	return nil
}

// Update applies set and del in one transaction
func (s *SQLiteSlots) Update(set map[string]string, del []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin slot update: %w", err)
	}
	defer tx.Rollback()

	for name, value := range set {
		if _, err := tx.Exec(upsertSlot, name, value); err != nil {
			return fmt.Errorf("failed to write slot %q: %w", name, err)
		}
	}
	for _, name := range del {
		if _, err := tx.Exec(`DELETE FROM slots WHERE name = ?;`, name); err != nil {
			return fmt.Errorf("failed to delete slot %q: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit slot update: %w", err)
	}
	return nil
}
