// Package sqlite implements store.SessionStore on an embedded SQLite file.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/deskpilot/internal/store"
)

// SessionStore keeps sessions in a WAL-mode SQLite database.
type SessionStore struct {
	db *sqlx.DB
}

// Open opens (or creates) the database at path. Use ":memory:" in tests.
func Open(path string) (*SessionStore, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	s := &SessionStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("session store opened", "path", path)
	return s, nil
}

func (s *SessionStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			token_hash TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			rights INTEGER NOT NULL DEFAULT 0,
			ceiling INTEGER NOT NULL DEFAULT 0,
			remote_addr TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			last_seen_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS retired_tokens (
			token_hash TEXT PRIMARY KEY,
			retired_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveSession inserts or replaces a session row.
func (s *SessionStore) SaveSession(d store.SessionData) error {
	_, err := s.db.NamedExec(`INSERT INTO sessions
			(id, token_hash, name, rights, ceiling, remote_addr, created_at, last_seen_at)
		VALUES (:id, :token_hash, :name, :rights, :ceiling, :remote_addr, :created_at, :last_seen_at)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			rights = excluded.rights,
			ceiling = excluded.ceiling,
			remote_addr = excluded.remote_addr,
			last_seen_at = excluded.last_seen_at`, d)
	if err != nil {
		return fmt.Errorf("save session %s: %w", d.ID, err)
	}
	return nil
}

// DeleteSession removes a session row.
func (s *SessionStore) DeleteSession(id string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListSessions returns all sessions ordered by creation time.
func (s *SessionStore) ListSessions() ([]store.SessionData, error) {
	var out []store.SessionData
	if err := s.db.Select(&out, `SELECT id, token_hash, name, rights, ceiling, remote_addr, created_at, last_seen_at
		FROM sessions ORDER BY created_at, id`); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// RetireToken records a token hash that must never be accepted again.
func (s *SessionStore) RetireToken(tokenHash string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO retired_tokens (token_hash, retired_at) VALUES (?, ?)`,
		tokenHash, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("retire token: %w", err)
	}
	return nil
}

// IsRetired reports whether tokenHash was retired.
func (s *SessionStore) IsRetired(tokenHash string) (bool, error) {
	var one int
	err := s.db.Get(&one, `SELECT 1 FROM retired_tokens WHERE token_hash = ?`, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check retired token: %w", err)
	}
	return true, nil
}

// Close closes the database.
func (s *SessionStore) Close() error {
	return s.db.Close()
}

var _ store.SessionStore = (*SessionStore)(nil)
