package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T, name string) *DB {
	t.Helper()
	db, err := New(Config{
		Path: filepath.Join(t.TempDir(), "sub", name+".db"),
		Name: name,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNew_CreatesDirectoryAndAppliesPragmas(t *testing.T) {
	db := newDB(t, "backend")

	assert.FileExists(t, db.Path())
	assert.Equal(t, "backend", db.Name())
	assert.NoError(t, db.QuickCheck(context.Background()))

	var journal string
	require.NoError(t, db.Conn().QueryRow("PRAGMA journal_mode").Scan(&journal))
	assert.Equal(t, "wal", journal)

	var synchronous int
	require.NoError(t, db.Conn().QueryRow("PRAGMA synchronous").Scan(&synchronous))
	assert.Equal(t, 1, synchronous, "NORMAL")
}

func TestMigrate_BackendSchema(t *testing.T) {
	db := newDB(t, "backend")
	require.NoError(t, db.Migrate())
	// Applying twice must be harmless
	require.NoError(t, db.Migrate())

	_, err := db.Conn().Exec(
		"INSERT INTO user_secrets (user_id, user_secret, created_at, updated_at) VALUES (?, ?, ?, ?)",
		"u1", "s1", 1, 1,
	)
	assert.NoError(t, err)
}

func TestMigrate_ConsoleSchema(t *testing.T) {
	db := newDB(t, "console")
	require.NoError(t, db.Migrate())

	_, err := db.Conn().Exec("INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)", "k", "{}", 1)
	assert.NoError(t, err)
}

func TestMigrate_UnknownNameIsNoop(t *testing.T) {
	db := newDB(t, "scratch")
	assert.NoError(t, db.Migrate())
}

func TestWithTransaction(t *testing.T) {
	db := newDB(t, "console")
	require.NoError(t, db.Migrate())

	t.Run("commits on success", func(t *testing.T) {
		err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
			_, err := tx.Exec("INSERT INTO kv (key, value, updated_at) VALUES ('a', '1', 1)")
			return err
		})
		require.NoError(t, err)

		var count int
		require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM kv WHERE key = 'a'").Scan(&count))
		assert.Equal(t, 1, count)
	})

	t.Run("rolls back on error", func(t *testing.T) {
		boom := errors.New("boom")
		err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
			if _, err := tx.Exec("INSERT INTO kv (key, value, updated_at) VALUES ('b', '1', 1)"); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		var count int
		require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM kv WHERE key = 'b'").Scan(&count))
		assert.Equal(t, 0, count)
	})

	t.Run("recovers panics", func(t *testing.T) {
		err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
			panic("kaboom")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "kaboom")
	})

	t.Run("nil connection", func(t *testing.T) {
		assert.Error(t, WithTransaction(nil, func(tx *sql.Tx) error { return nil }))
	})
}
