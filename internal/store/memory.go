package store

import (
	"fmt"
	"os"

	"librarian-go/internal/librarian"
)

// MemoryStore is a throwaway store backed by temporary directories. It
// exists for tests and local experimentation; nothing it holds survives
// the process.
type MemoryStore struct {
	*LocalStore
}

// NewMemoryStore creates a store rooted in fresh temporary directories.
func NewMemoryStore(name string, ingestable bool) (*MemoryStore, error) {
	stagingDir, err := os.MkdirTemp("", "librarian-staging-*")
	if err != nil {
		return nil, fmt.Errorf("creating temporary staging directory: %w", err)
	}
	storeDir, err := os.MkdirTemp("", "librarian-store-*")
	if err != nil {
		return nil, fmt.Errorf("creating temporary store directory: %w", err)
	}

	local, err := NewLocalStore(LocalStoreOptions{
		Name:       name,
		Ingestable: ingestable,
		StagingDir: stagingDir,
		StoreDir:   storeDir,
	})
	if err != nil {
		return nil, err
	}
	return &MemoryStore{LocalStore: local}, nil
}

// Destroy removes the backing directories.
func (s *MemoryStore) Destroy() error {
	if err := clearReadOnly(s.storeDir); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.RemoveAll(s.stagingDir); err != nil {
		return err
	}
	return os.RemoveAll(s.storeDir)
}

var _ librarian.Store = (*MemoryStore)(nil)
