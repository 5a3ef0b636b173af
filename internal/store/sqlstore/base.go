// Package sqlstore provides the sqlx-backed Store implementation. The same
// SQL runs against SQLite (development, tests) and PostgreSQL (production);
// queries use ? placeholders rebound per driver.
package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sandrun/sandrun/internal/db"
	"github.com/sandrun/sandrun/internal/store"
)

// Store is the sqlx-backed store.
type Store struct {
	db       *sqlx.DB // writer
	ro       *sqlx.DB // reader
	postgres bool
	ownsDB   bool
}

var _ store.Store = (*Store)(nil)

// New creates a Store on top of an open connection pool and initializes the
// schema.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{
		db:       pool.Writer(),
		ro:       pool.Reader(),
		postgres: pool.IsPostgres(),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close is a no-op: the pool is owned by the caller.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// initSchema creates the six tables and their indexes if they don't exist.
func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT,
			display_name TEXT,
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			token_hash TEXT NOT NULL,
			label TEXT,
			created_at TIMESTAMP NOT NULL,
			revoked_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			repo_url TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			state TEXT NOT NULL,
			container_id TEXT,
			volume_name TEXT,
			thread_id TEXT,
			image_name TEXT,
			image_digest TEXT,
			runtime_metadata TEXT,
			last_active_at TIMESTAMP NOT NULL,
			idle_expires_at TIMESTAMP,
			UNIQUE (user_id, project_id)
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			prompt TEXT NOT NULL,
			final_text TEXT,
			diff TEXT,
			test_output TEXT,
			error_message TEXT,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			duration_ms BIGINT,
			input_tokens BIGINT,
			output_tokens BIGINT,
			git_commit TEXT,
			image_name TEXT,
			image_digest TEXT,
			env_snapshot TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS evidence_bundles (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL UNIQUE REFERENCES runs(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			status TEXT NOT NULL,
			bundle_path TEXT,
			error_message TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_project_started ON runs(project_id, started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_user_started ON runs(user_id, started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_workspaces_state ON workspaces(state)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_token_hash ON api_keys(token_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_evidence_bundles_status ON evidence_bundles(status)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// marshalJSON serializes a metadata map for a TEXT column; nil maps are
// stored as NULL.
func marshalJSON(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

// unmarshalJSON deserializes a TEXT column into a metadata map.
func unmarshalJSON(ns sql.NullString) map[string]any {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil
	}
	return m
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *p, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time.UTC()
	return &v
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}
