// Package secrets stores per-user aggregator secrets.
//
// Two stores share the Store contract: Repository keeps one row per user and
// backs the proxy backend; LocalStore keeps the whole userId -> secret map
// under a single key and backs the admin console.
package secrets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store is a key-value store of user secrets
type Store interface {
	Get(ctx context.Context, userID string) (string, error)
	Put(ctx context.Context, userID, secret string) error
	Delete(ctx context.Context, userID string) error
	All(ctx context.Context) (map[string]string, error)
}

// ErrEmptyUserID is returned when a write is attempted without a user id
var ErrEmptyUserID = errors.New("user id is required")

// Repository provides secret storage backed by the user_secrets table.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository creates a new secret repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// Get returns the cached secret for a user, or "" when none is stored.
func (r *Repository) Get(ctx context.Context, userID string) (string, error) {
	var secret string
	err := r.db.QueryRowContext(ctx,
		"SELECT user_secret FROM user_secrets WHERE user_id = ?", userID,
	).Scan(&secret)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get secret for %s: %w", userID, err)
	}
	return secret, nil
}

// Put upserts a user's secret.
func (r *Repository) Put(ctx context.Context, userID, secret string) error {
	if userID == "" {
		return ErrEmptyUserID
	}

	now := r.now().Unix()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_secrets (user_id, user_secret, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET user_secret = excluded.user_secret, updated_at = excluded.updated_at`,
		userID, secret, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to store secret for %s: %w", userID, err)
	}
	return nil
}

// Delete removes a user's secret. Deleting an unknown user is not an error.
func (r *Repository) Delete(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM user_secrets WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("failed to delete secret for %s: %w", userID, err)
	}
	return nil
}

// All returns every stored secret keyed by user id.
func (r *Repository) All(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT user_id, user_secret FROM user_secrets")
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var userID, secret string
		if err := rows.Scan(&userID, &secret); err != nil {
			return nil, fmt.Errorf("failed to scan secret row: %w", err)
		}
		out[userID] = secret
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate secrets: %w", err)
	}
	return out, nil
}
