package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	_ "modernc.org/sqlite"
)

// BusyTimeoutMS is the SQLite busy wait applied to every connection so
// writers queue behind each other instead of failing under contention.
const BusyTimeoutMS = 30000

// Store manages the shared SQLite database file that serves as queue,
// coordination medium, and audit log.
type Store struct {
	db     *sql.DB
	path   string
	logger arbor.ILogger
}

// Open opens (creating if absent) the store at path and runs the idempotent
// schema migrations. Pragmas ride in the DSN so that every connection the
// pool opens gets them; a plain Exec would configure only whichever
// connection happened to serve it.
func Open(path string, logger arbor.ILogger) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// modernc.org/sqlite uses "sqlite" driver name (not "sqlite3")
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, BusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{
		db:     db,
		path:   path,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info().Str("path", path).Msg("Task store initialized")
	return s, nil
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a deferred transaction, committing on nil error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ExclusiveTx is a write-locked transaction pinned to a single connection.
// Statements issued through it are serialized against every other writer,
// which is what the claim protocol relies on: between its candidate select
// and its claiming update no other writer may intervene.
type ExclusiveTx struct {
	conn *sql.Conn
}

// ExecContext executes a statement inside the exclusive transaction.
func (t *ExclusiveTx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.conn.ExecContext(ctx, query, args...)
}

// QueryContext runs a query inside the exclusive transaction.
func (t *ExclusiveTx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return t.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query inside the exclusive transaction.
func (t *ExclusiveTx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.conn.QueryRowContext(ctx, query, args...)
}

// WithExclusiveTx runs fn inside a BEGIN IMMEDIATE transaction on a pinned
// connection. database/sql's BeginTx only issues deferred transactions, so
// the lock upgrade is forced by hand here. The transaction commits when fn
// returns nil and rolls back otherwise.
func (s *Store) WithExclusiveTx(ctx context.Context, fn func(tx *ExclusiveTx) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to begin exclusive transaction: %w", err)
	}

	if err := fn(&ExclusiveTx{conn: conn}); err != nil {
		conn.ExecContext(ctx, "ROLLBACK")
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		conn.ExecContext(ctx, "ROLLBACK")
		return fmt.Errorf("failed to commit exclusive transaction: %w", err)
	}
	return nil
}
