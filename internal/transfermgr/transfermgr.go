// Package transfermgr implements the transfer managers that move file
// bytes between librarians. A manager instance is bound to one batch:
// the registry creates a fresh instance per send-queue item, and the
// instance's state round-trips through JSON on the queue row between
// scheduler ticks.
package transfermgr

import (
	"encoding/json"
	"fmt"

	"librarian-go/internal/config"
	"librarian-go/internal/librarian"
)

// Registry creates transfer managers from configuration, keyed by the
// manager type name.
type Registry struct {
	configs map[string]config.ManagerConfig
}

// NewRegistry indexes the configured managers by type.
func NewRegistry(cfgs []config.ManagerConfig) (*Registry, error) {
	configs := make(map[string]config.ManagerConfig, len(cfgs))
	for _, cfg := range cfgs {
		if _, ok := configs[cfg.Type]; ok {
			return nil, fmt.Errorf("duplicate transfer manager type: %s", cfg.Type)
		}
		// Fails fast on unknown types so misconfiguration surfaces at
		// startup rather than mid-transfer.
		if _, err := newManager(cfg); err != nil {
			return nil, err
		}
		configs[cfg.Type] = cfg
	}
	return &Registry{configs: configs}, nil
}

// Names returns the configured manager type names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	return names
}

// Has reports whether a manager type is configured.
func (r *Registry) Has(name string) bool {
	_, ok := r.configs[name]
	return ok
}

// Create returns a fresh manager instance for a new batch.
func (r *Registry) Create(name string) (librarian.TransferManager, error) {
	cfg, ok := r.configs[name]
	if !ok {
		return nil, fmt.Errorf("transfer manager %s is not configured", name)
	}
	return newManager(cfg)
}

// Restore rebuilds a manager instance from serialized batch state.
func (r *Registry) Restore(name string, state []byte) (librarian.TransferManager, error) {
	m, err := r.Create(name)
	if err != nil {
		return nil, err
	}
	if len(state) > 0 {
		if err := json.Unmarshal(state, m); err != nil {
			return nil, fmt.Errorf("restoring %s manager state: %w", name, err)
		}
	}
	return m, nil
}

// Marshal serializes a manager's batch state for the send queue.
func Marshal(m librarian.TransferManager) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("serializing %s manager state: %w", m.Name(), err)
	}
	return data, nil
}

func newManager(cfg config.ManagerConfig) (librarian.TransferManager, error) {
	switch cfg.Type {
	case "local":
		return NewLocal(), nil
	case "asynclocal":
		return NewAsyncLocal(cfg.Hostnames), nil
	case "rsync":
		return NewRsync(cfg.RsyncHost), nil
	case "globus":
		return NewGlobus(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported transfer manager type: %s", cfg.Type)
	}
}
