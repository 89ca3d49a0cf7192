package checkpoint

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

var sqliteDialect = dialect{
	name: "sqlite",
	createTable: `CREATE TABLE IF NOT EXISTS %s (
		name TEXT PRIMARY KEY,
		tag TEXT NOT NULL,
		states TEXT NOT NULL,
		emitted TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	)`,
	upsert: `INSERT INTO %s (name, tag, states, emitted, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			tag = excluded.tag,
			states = excluded.states,
			emitted = excluded.emitted,
			updated_at = excluded.updated_at`,
}

// SQLiteStore keeps checkpoints in a local SQLite file.
type SQLiteStore struct {
	*sqlStore
	path string
}

// NewSQLiteStore opens (or creates) the database at path. ":memory:" opens
// a private in-memory database.
func NewSQLiteStore(path, table string) (*SQLiteStore, error) {
	table, err := validTable(table)
	if err != nil {
		return nil, err
	}

	dsn := ":memory:"
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn = path + "?_journal_mode=WAL&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	store, err := newSQLStore(db, table, sqliteDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{sqlStore: store, path: path}, nil
}

// Path returns the database file.
func (s *SQLiteStore) Path() string { return s.path }
