// Package store persists session metadata that must survive daemon
// restarts: archived flags, custom titles, the per-session always-allowed
// tool list, and read markers. Transcripts themselves live in the history
// store; this database only carries state the transcript files cannot.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "sd-v1-2026-08-20-session-meta"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Meta is the persisted record for one session.
type Meta struct {
	SessionID       string    `json:"session_id"`
	Project         string    `json:"project"`
	CustomTitle     string    `json:"custom_title,omitempty"`
	Archived        bool      `json:"archived"`
	ReadResultCount int       `json:"read_result_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ErrNotFound is returned when a session has no persisted record.
var ErrNotFound = errors.New("session metadata not found")

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the metadata database and migrates the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS session_meta (
			session_id TEXT PRIMARY KEY,
			project TEXT NOT NULL DEFAULT '',
			custom_title TEXT NOT NULL DEFAULT '',
			archived INTEGER NOT NULL DEFAULT 0,
			read_result_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS allowed_tools (
			session_id TEXT NOT NULL REFERENCES session_meta(session_id) ON DELETE CASCADE,
			tool_name TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(session_id, tool_name)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_meta_archived ON session_meta(archived, updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_allowed_tools_session ON allowed_tools(session_id);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// EnsureMeta creates the record for a session if it does not exist.
func (s *Store) EnsureMeta(ctx context.Context, sessionID, project string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_meta (session_id, project)
		VALUES (?, ?)
		ON CONFLICT(session_id) DO NOTHING;
	`, sessionID, project)
	if err != nil {
		return fmt.Errorf("insert session meta: %w", err)
	}
	return nil
}

// GetMeta returns the persisted record for a session.
func (s *Store) GetMeta(ctx context.Context, sessionID string) (Meta, error) {
	var m Meta
	var archived int
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, project, custom_title, archived, read_result_count, updated_at
		FROM session_meta
		WHERE session_id = ?;
	`, sessionID).Scan(&m.SessionID, &m.Project, &m.CustomTitle, &archived, &m.ReadResultCount, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Meta{}, ErrNotFound
	}
	if err != nil {
		return Meta{}, fmt.Errorf("select session meta: %w", err)
	}
	m.Archived = archived != 0
	return m, nil
}

// ListMeta returns every persisted record, most recently updated first.
func (s *Store) ListMeta(ctx context.Context) ([]Meta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, project, custom_title, archived, read_result_count, updated_at
		FROM session_meta
		ORDER BY updated_at DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query session meta: %w", err)
	}
	defer rows.Close()

	var out []Meta
	for rows.Next() {
		var m Meta
		var archived int
		if err := rows.Scan(&m.SessionID, &m.Project, &m.CustomTitle, &archived, &m.ReadResultCount, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session meta: %w", err)
		}
		m.Archived = archived != 0
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session meta rows: %w", err)
	}
	return out, nil
}

// SetCustomTitle records a user-assigned title. An empty title clears it.
func (s *Store) SetCustomTitle(ctx context.Context, sessionID, title string) error {
	return s.updateMeta(ctx, sessionID, `custom_title = ?`, title)
}

// SetArchived flips the archived flag.
func (s *Store) SetArchived(ctx context.Context, sessionID string, archived bool) error {
	v := 0
	if archived {
		v = 1
	}
	return s.updateMeta(ctx, sessionID, `archived = ?`, v)
}

// MarkRead records how many result messages the user has seen.
func (s *Store) MarkRead(ctx context.Context, sessionID string, resultCount int) error {
	return s.updateMeta(ctx, sessionID, `read_result_count = ?`, resultCount)
}

func (s *Store) updateMeta(ctx context.Context, sessionID, setClause string, value any) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE session_meta
		SET %s, updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ?;
	`, setClause), value, sessionID)
	if err != nil {
		return fmt.Errorf("update session meta: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// AllowTool persists a tool on the session's always-allow list.
func (s *Store) AllowTool(ctx context.Context, sessionID, toolName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO allowed_tools (session_id, tool_name)
		VALUES (?, ?)
		ON CONFLICT(session_id, tool_name) DO NOTHING;
	`, sessionID, toolName)
	if err != nil {
		return fmt.Errorf("insert allowed tool: %w", err)
	}
	return nil
}

// AllowedTools returns the persisted always-allow list for a session.
func (s *Store) AllowedTools(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_name FROM allowed_tools
		WHERE session_id = ?
		ORDER BY tool_name ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query allowed tools: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan allowed tool: %w", err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("allowed tool rows: %w", err)
	}
	return out, nil
}

// DeleteMeta removes a session's record and its allowed tools.
func (s *Store) DeleteMeta(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_meta WHERE session_id = ?;`, sessionID); err != nil {
		return fmt.Errorf("delete session meta: %w", err)
	}
	return nil
}
