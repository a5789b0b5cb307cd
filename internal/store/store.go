package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/viewkv/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - empty file
// 1 - kv_rows, kv_meta, kv_extensions
const currentSchemaVersion = model.FormatVersion

// Options tunes the SQLite pragmas. Zero fields take the defaults below.
type Options struct {
	// Synchronous is the PRAGMA synchronous level (OFF, NORMAL, FULL).
	Synchronous string
	// BusyTimeout is how long SQLite waits on a lock before SQLITE_BUSY.
	BusyTimeout time.Duration
}

const (
	defaultSynchronous = "NORMAL"
	defaultBusyTimeout = 5 * time.Second
)

// Store owns the SQLite file.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts Options) (*Store, error) {
	if opts.Synchronous == "" {
		opts.Synchronous = defaultSynchronous
	}
	if opts.BusyTimeout == 0 {
		opts.BusyTimeout = defaultBusyTimeout
	}

	db, err := sql.Open("sqlite3", dsn(path, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Every engine Connection pins one pool connection for its lifetime, so
	// the pool is unbounded and never recycles them.
	db.SetMaxOpenConns(0)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)

	if err := verifyJournalMode(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// dsn builds the go-sqlite3 connection string carrying the pragmas.
func dsn(path string, opts Options) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", opts.Synchronous)
	q.Set("_busy_timeout", strconv.FormatInt(opts.BusyTimeout.Milliseconds(), 10))
	q.Set("_foreign_keys", "on")
	return "file:" + path + "?" + q.Encode()
}

// Close closes the database connection pool.
// Pinned Conns must be closed first.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer Conn methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Conn pins one SQLite connection from the pool.
func (s *Store) Conn(ctx context.Context) (*Conn, error) {
	c, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("pin connection: %w", wrapResource(err))
	}
	return &Conn{c: c}, nil
}

// verifyJournalMode checks that WAL was actually enabled. Snapshot isolation
// between readers and the writer depends on it.
func verifyJournalMode(db *sql.DB) error {
	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		return fmt.Errorf("failed to query journal_mode: %w", err)
	}
	if mode != "wal" {
		return fmt.Errorf("journal_mode = %q, expected \"wal\"", mode)
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version > currentSchemaVersion {
		return fmt.Errorf("database format %d is newer than supported format %d", version, currentSchemaVersion)
	}

	// Version 1 is the base schema; later migrations go here.

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
