package store

import (
	"fmt"

	"librarian-go/internal/config"
	"librarian-go/internal/librarian"
)

// NewStoreFromConfig creates a store based on the configuration type.
func NewStoreFromConfig(cfg config.StoreConfig, checksumThreads int) (librarian.Store, error) {
	switch cfg.Type {
	case "local":
		return NewLocalStore(LocalStoreOptions{
			Name:            cfg.Name,
			Ingestable:      cfg.Ingestable,
			StagingDir:      cfg.StagingDir,
			StoreDir:        cfg.StoreDir,
			MinFreeFraction: cfg.MinFreeFraction,
			GroupWrite:      cfg.GroupWrite,
			OtherRead:       cfg.OtherRead,
			ChecksumThreads: checksumThreads,
		})
	case "memory":
		return NewMemoryStore(cfg.Name, cfg.Ingestable)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}

// NewStoresFromConfig builds every configured store, keyed by name.
func NewStoresFromConfig(cfgs []config.StoreConfig, checksumThreads int) (map[string]librarian.Store, error) {
	stores := make(map[string]librarian.Store, len(cfgs))
	for _, cfg := range cfgs {
		if _, ok := stores[cfg.Name]; ok {
			return nil, fmt.Errorf("duplicate store name: %s", cfg.Name)
		}
		st, err := NewStoreFromConfig(cfg, checksumThreads)
		if err != nil {
			return nil, fmt.Errorf("creating store %s: %w", cfg.Name, err)
		}
		stores[cfg.Name] = st
	}
	return stores, nil
}
