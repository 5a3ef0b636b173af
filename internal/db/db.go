// Package db opens the relational database behind the store: PostgreSQL via
// pgx when a URL is configured, SQLite otherwise.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sandrun/sandrun/internal/common/config"
)

// Driver names as understood by database/sql.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// SQLite WAL mode allows many readers alongside a single writer.
	defaultSQLiteReaderConns = 4
)

// Pool provides separate read and write database connections.
//
// For SQLite with WAL mode, this enables concurrent reads while serializing
// writes through a single connection. For PostgreSQL both sides are the same
// *sqlx.DB since pgx pools internally.
type Pool struct {
	driver string
	writer *sqlx.DB
	reader *sqlx.DB
}

// Open connects to the configured database and returns a Pool.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	if cfg.PostgresURL != "" {
		pg, err := openPostgres(cfg.PostgresURL, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		sx := sqlx.NewDb(pg, DriverPostgres)
		return &Pool{driver: DriverPostgres, writer: sx, reader: sx}, nil
	}

	path, err := config.ExpandPath(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	writer, err := openSQLiteWriter(path)
	if err != nil {
		return nil, err
	}
	reader, err := openSQLiteReader(path)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return &Pool{
		driver: DriverSQLite,
		writer: sqlx.NewDb(writer, DriverSQLite),
		reader: sqlx.NewDb(reader, DriverSQLite),
	}, nil
}

// OpenSQLiteMemory opens an in-memory SQLite database for tests. Writer and
// reader share the single connection.
func OpenSQLiteMemory() (*Pool, error) {
	raw, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	raw.SetMaxOpenConns(1)
	sx := sqlx.NewDb(raw, DriverSQLite)
	return &Pool{driver: DriverSQLite, writer: sx, reader: sx}, nil
}

// Driver returns the database/sql driver name ("sqlite3" or "pgx").
func (p *Pool) Driver() string { return p.driver }

// IsPostgres reports whether the pool talks to PostgreSQL.
func (p *Pool) IsPostgres() bool { return p.driver == DriverPostgres }

// Writer returns the connection pool used for INSERT, UPDATE, DELETE, and
// transactions. For SQLite this is limited to a single connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (Postgres).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

func openPostgres(dsn string, maxConns, minConns int) (*sql.DB, error) {
	pg, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}
	pg.SetMaxOpenConns(maxConns)
	pg.SetMaxIdleConns(minConns)

	if err := pg.Ping(); err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return pg, nil
}

func openSQLiteWriter(dbPath string) (*sql.DB, error) {
	normalizedPath := normalizeSQLitePath(dbPath)
	if err := ensureSQLiteDir(normalizedPath); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	if err := ensureSQLiteFile(normalizedPath); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	// Writer DSN: FK enforcement, brief waits on locks, WAL for read
	// concurrency, shared page cache.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		normalizedPath,
		int(defaultBusyTimeout/time.Millisecond),
	)
	writer, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	return writer, nil
}

func openSQLiteReader(dbPath string) (*sql.DB, error) {
	normalizedPath := normalizeSQLitePath(dbPath)

	// Reader DSN: read-only; journal_mode and synchronous are database-level
	// settings owned by the writer.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		normalizedPath,
		int(defaultBusyTimeout/time.Millisecond),
	)
	reader, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}

	reader.SetMaxOpenConns(defaultSQLiteReaderConns)
	reader.SetMaxIdleConns(defaultSQLiteReaderConns)

	return reader, nil
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureSQLiteFile(dbPath string) error {
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
