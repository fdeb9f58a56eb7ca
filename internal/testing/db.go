// Package testing provides testing utilities and helpers for the brokerconsole project.
package testing

import (
	"fmt"
	"os"
	"testing"

	"github.com/aristath/brokerconsole/internal/database"
)

// NewTestDB creates a temporary-file SQLite database with the schema for the
// given name applied ("backend" or "console"; unknown names get no schema).
// Returns the database instance and a cleanup function that closes and removes it.
func NewTestDB(t *testing.T, name string) (*database.DB, func()) {
	t.Helper()

	// Temporary files keep each test isolated; WAL mode does not work with :memory:
	tmpFile, err := os.CreateTemp("", fmt.Sprintf("test_%s_*.db", name))
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path: tmpPath,
		Name: name,
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to migrate test database %s: %v", name, err)
	}

	return db, func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close test database %s: %v", name, err)
		}
		for _, suffix := range []string{"", "-wal", "-shm"} {
			_ = os.Remove(tmpPath + suffix)
		}
	}
}
