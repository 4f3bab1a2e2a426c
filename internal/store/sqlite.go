// Package store is the SQLite backend for the persisted session: a
// key/value table of session entries under versioned migrations.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/helpdesk/internal/model"
)

// Entry keys. They mirror the keyring backend so both hold the same layout.
const (
	keyToken = "token"
	keyUser  = "user"
)

// SQLiteStore keeps the persisted session in a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

type entryRow struct {
	Key   string `db:"key"`
	Value string `db:"value"`
}

// Load reads the token and user entries. Missing rows load as empty strings.
func (s *SQLiteStore) Load(ctx context.Context) (model.PersistedSession, error) {
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT key, value FROM session_entries WHERE key IN (?, ?)",
		keyToken, keyUser,
	)
	if err != nil {
		return model.PersistedSession{}, fmt.Errorf("loading session entries: %w", err)
	}

	var p model.PersistedSession
	for _, r := range rows {
		switch r.Key {
		case keyToken:
			p.Token = r.Value
		case keyUser:
			p.User = r.Value
		}
	}
	return p, nil
}

// Save replaces both entries in one transaction. Empty values delete the
// corresponding row.
func (s *SQLiteStore) Save(ctx context.Context, p model.PersistedSession) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, e := range []entryRow{{keyToken, p.Token}, {keyUser, p.User}} {
		if e.Value == "" {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM session_entries WHERE key = ?", e.Key,
			); err != nil {
				return fmt.Errorf("deleting session entry %q: %w", e.Key, err)
			}
			continue
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_entries (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at`,
			e.Key, e.Value, now,
		)
		if err != nil {
			return fmt.Errorf("saving session entry %q: %w", e.Key, err)
		}
	}

	return tx.Commit()
}

// Clear removes both entries.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM session_entries WHERE key IN (?, ?)",
		keyToken, keyUser,
	)
	if err != nil {
		return fmt.Errorf("clearing session entries: %w", err)
	}
	return nil
}
