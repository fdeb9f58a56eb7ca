package secrets

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `
CREATE TABLE user_secrets (
	user_id TEXT PRIMARY KEY,
	user_secret TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// Each pooled connection would otherwise get its own empty in-memory database
	db.SetMaxOpenConns(1)

	_, err = db.Exec(testSchema)
	require.NoError(t, err)

	return db
}

func TestRepository_ImplementsStore(t *testing.T) {
	var _ Store = (*Repository)(nil)
	var _ Store = (*LocalStore)(nil)
}

func TestRepository_PutGet(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewRepository(db)
	ctx := context.Background()

	secret, err := repo.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, secret)

	require.NoError(t, repo.Put(ctx, "user-1", "first"))
	secret, err = repo.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "first", secret)
}

func TestRepository_PutOverwrites(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewRepository(db)
	created := time.Unix(1000, 0)
	repo.now = func() time.Time { return created }
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, "user-1", "first"))

	repo.now = func() time.Time { return created.Add(time.Hour) }
	require.NoError(t, repo.Put(ctx, "user-1", "second"))

	var secret string
	var createdAt, updatedAt int64
	err := db.QueryRow("SELECT user_secret, created_at, updated_at FROM user_secrets WHERE user_id = ?", "user-1").
		Scan(&secret, &createdAt, &updatedAt)
	require.NoError(t, err)
	assert.Equal(t, "second", secret)
	assert.Equal(t, int64(1000), createdAt)
	assert.Equal(t, int64(4600), updatedAt)
}

func TestRepository_PutRejectsEmptyUserID(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	err := NewRepository(db).Put(context.Background(), "", "secret")
	assert.ErrorIs(t, err, ErrEmptyUserID)
}

func TestRepository_DeleteAndAll(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, "a", "1"))
	require.NoError(t, repo.Put(ctx, "b", "2"))

	all, err := repo.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, all)

	require.NoError(t, repo.Delete(ctx, "a"))
	require.NoError(t, repo.Delete(ctx, "never-existed"))

	all, err = repo.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"b": "2"}, all)
}
