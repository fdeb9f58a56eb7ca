package secrets

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/brokerconsole/internal/database"
)

// LocalStoreKey is the single kv key holding the userId -> secret map
const LocalStoreKey = "user_secrets"

// LocalStore keeps the whole secret map as one JSON document in the kv table.
// Every read loads the full map; every write rewrites it inside a transaction.
type LocalStore struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// NewLocalStore creates a single-key secret store
func NewLocalStore(db *sql.DB) *LocalStore {
	return &LocalStore{db: db, now: time.Now}
}

// Get returns the secret for userID, or "" when unknown
func (s *LocalStore) Get(ctx context.Context, userID string) (string, error) {
	all, err := s.All(ctx)
	if err != nil {
		return "", err
	}
	return all[userID], nil
}

// All returns a copy of the stored map
func (s *LocalStore) All(ctx context.Context) (map[string]string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", LocalStoreKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", LocalStoreKey, err)
	}
	return decodeSecrets(raw), nil
}

// Put records a secret for userID
func (s *LocalStore) Put(ctx context.Context, userID, secret string) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	return s.update(ctx, func(m map[string]string) {
		m[userID] = secret
	})
}

// Delete forgets userID
func (s *LocalStore) Delete(ctx context.Context, userID string) error {
	return s.update(ctx, func(m map[string]string) {
		delete(m, userID)
	})
}

func (s *LocalStore) update(ctx context.Context, mutate func(map[string]string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return database.WithTransaction(s.db, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", LocalStoreKey).Scan(&raw)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to read %s: %w", LocalStoreKey, err)
		}

		m := decodeSecrets(raw)
		mutate(m)

		encoded, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", LocalStoreKey, err)
		}

		_, err = tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO kv (key, value, updated_at) VALUES (?, ?, ?)",
			LocalStoreKey, string(encoded), s.now().Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", LocalStoreKey, err)
		}
		return nil
	})
}

// decodeSecrets parses the stored document. A corrupt document reads as empty,
// the same way a cleared browser store would.
func decodeSecrets(raw string) map[string]string {
	m := map[string]string{}
	if raw == "" {
		return m
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
		return map[string]string{}
	}
	return m
}
