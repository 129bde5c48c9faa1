package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store keeps sheet indexes for any number of downloads in one SQLite
// database, keyed by save path.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens a connection to the SQLite database
func Open(dbPath string) (*Store, error) {
	// Open database with WAL mode and busy timeout
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The index is rewritten on every checkpoint; keep it durable but cheap.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	store := &Store{db: db, path: dbPath}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks database connectivity
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// migrate creates or updates the database schema
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sheet_index (
			save_path TEXT PRIMARY KEY,
			sheet_count INTEGER NOT NULL,
			data BLOB NOT NULL,
			done_sheets INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sheet_index_updated ON sheet_index(updated_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, migration)
		}
	}
	return nil
}

// Entry summarizes one stored index
type Entry struct {
	SavePath   string
	SheetCount int64
	DoneSheets int64
}

// List returns every stored index, most recently updated first
func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT save_path, sheet_count, done_sheets
		FROM sheet_index
		ORDER BY updated_at DESC, save_path
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.SavePath, &e.SheetCount, &e.DoneSheets); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes the index stored for savePath, if any
func (s *Store) Delete(savePath string) error {
	if _, err := s.db.Exec(`DELETE FROM sheet_index WHERE save_path = ?`, savePath); err != nil {
		return fmt.Errorf("failed to delete index for %s: %w", savePath, err)
	}
	return nil
}

// DeleteOlderThan removes indexes not updated within age, except those of
// the save paths in keep, and returns how many were removed
func (s *Store) DeleteOlderThan(age time.Duration, keep ...string) (int, error) {
	query := `DELETE FROM sheet_index WHERE updated_at < datetime('now', ?)`
	args := []any{fmt.Sprintf("-%d seconds", int64(age.Seconds()))}
	if len(keep) > 0 {
		query += ` AND save_path NOT IN (?` + strings.Repeat(`, ?`, len(keep)-1) + `)`
		for _, path := range keep {
			args = append(args, path)
		}
	}

	result, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old indexes: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}
