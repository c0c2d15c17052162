package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func setupTestStore(t *testing.T) (*Store, func()) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	logger := arbor.NewLogger()
	store, err := Open(dbPath, logger)
	require.NoError(t, err)

	cleanup := func() {
		store.Close()
	}
	return store, cleanup
}

func TestOpen_CreatesSchemaIdempotently(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")
	logger := arbor.NewLogger()

	store, err := Open(dbPath, logger)
	require.NoError(t, err)
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, store.Close())

	// Reopening an existing database must not fail or lose data
	store, err = Open(dbPath, logger)
	require.NoError(t, err)
	defer store.Close()

	for _, table := range []string{
		"tasks", "workers", "jobs", "task_dependencies",
		"checkpoints", "task_changes", "shared_context", "worker_logs",
	} {
		var name string
		err := store.DB().QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, "table %s missing", table)
	}
}

func TestOpen_CreatesParentDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dirs", "test.db")

	store, err := Open(dbPath, arbor.NewLogger())
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, dbPath, store.Path())
}

func TestOpen_PragmasApplyToEveryConnection(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	// Pin two pooled connections at once; each must carry the DSN pragmas,
	// not just whichever connection served the first statement.
	conn1, err := store.DB().Conn(ctx)
	require.NoError(t, err)
	defer conn1.Close()
	conn2, err := store.DB().Conn(ctx)
	require.NoError(t, err)
	defer conn2.Close()

	for i, conn := range []*sql.Conn{conn1, conn2} {
		var busy int
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busy))
		assert.Equal(t, BusyTimeoutMS, busy, "conn %d busy_timeout", i+1)

		var fk int
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk))
		assert.Equal(t, 1, fk, "conn %d foreign_keys", i+1)

		var journal string
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journal))
		assert.Equal(t, "wal", journal, "conn %d journal_mode", i+1)
	}
}

func TestWithTx_RollbackOnError(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	sentinel := errors.New("abort")
	err := store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (job_id, status, created_at) VALUES ('job_x', 'active', 0)`)
		require.NoError(t, err)
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	var count int
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestWithTx_CommitOnSuccess(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (job_id, status, created_at) VALUES ('job_x', 'active', 0)`)
		return err
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestWithExclusiveTx_RollbackOnError(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	sentinel := errors.New("abort")
	err := store.WithExclusiveTx(ctx, func(tx *ExclusiveTx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (job_id, status, created_at) VALUES ('job_x', 'active', 0)`)
		require.NoError(t, err)
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	var count int
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestWithExclusiveTx_ReadYourWrites(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	err := store.WithExclusiveTx(ctx, func(tx *ExclusiveTx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (job_id, status, created_at) VALUES ('job_x', 'active', 0)`); err != nil {
			return err
		}
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&count); err != nil {
			return err
		}
		assert.Equal(t, 1, count)
		return nil
	})
	require.NoError(t, err)
}

func TestMigrateColumns_AddsMissing(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	// Simulate an older database missing a column
	_, err := store.DB().Exec(`ALTER TABLE tasks DROP COLUMN retry_policy`)
	require.NoError(t, err)

	require.NoError(t, store.migrateColumns())

	columns, err := store.tableColumns("tasks")
	require.NoError(t, err)
	assert.True(t, columns["retry_policy"])
}
