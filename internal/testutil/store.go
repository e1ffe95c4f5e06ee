package testutil

import (
	"os"
	"testing"

	"librarian-go/internal/librarian"
	"librarian-go/internal/store"
)

// NewTestStore creates a temporary-directory store for testing. Its
// backing directories are removed when the test completes.
func NewTestStore(t *testing.T, name string) librarian.Store {
	t.Helper()

	s, err := store.NewMemoryStore(name, true)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		s.Destroy()
	})
	return s
}

// WriteStoredFile commits content directly into a store, bypassing the
// transfer machinery, and returns the store path.
func WriteStoredFile(t *testing.T, s librarian.Store, name, content string) string {
	t.Helper()

	_, stagingPath, err := s.Stage(int64(len(content)), name)
	if err != nil {
		t.Fatalf("staging %s: %v", name, err)
	}
	if err := os.WriteFile(stagingPath, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	storePath, err := s.ReservePath(name)
	if err != nil {
		t.Fatalf("reserving path for %s: %v", name, err)
	}
	if err := s.Commit(stagingPath, storePath); err != nil {
		t.Fatalf("committing %s: %v", name, err)
	}
	return storePath
}
