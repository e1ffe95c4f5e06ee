package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"librarian-go/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.NewConfig("site-a", base)
	cfg.Database = config.DatabaseConfig{Type: "memory"}
	cfg.Stores = []config.StoreConfig{
		{Type: "memory", Name: "primary", Ingestable: true},
	}
	cfg.Metrics.Enabled = false
	return cfg
}

func TestNewApp_WiresEverything(t *testing.T) {
	peers := []config.PeerConfig{
		{Name: "site-b", URL: "http://site-b.example", Username: "site-a", Password: "pw"},
	}

	a, err := NewApp(testConfig(t), peers)
	require.NoError(t, err)
	defer a.Close()

	svc := a.Service()
	require.Equal(t, "site-a", svc.Name())

	// The peer list must land in the librarians table during startup.
	lib, err := svc.Database().FindLibrarianByName("site-b")
	require.NoError(t, err)
	require.NotNil(t, lib)
	require.True(t, lib.TransfersEnabled)

	// Store metadata must be synced so instances can reference it.
	meta, err := svc.Database().FindStoreByName("primary")
	require.NoError(t, err)
	require.NotNil(t, meta)
	require.Equal(t, "memory", meta.StoreType)
}

func TestNewApp_RejectsMissingName(t *testing.T) {
	cfg := testConfig(t)
	cfg.Name = ""

	_, err := NewApp(cfg, nil)
	require.Error(t, err)
}

func TestNewApp_SecondSyncKeepsCircuitBreakerState(t *testing.T) {
	cfg := testConfig(t)
	peers := []config.PeerConfig{
		{Name: "site-b", URL: "http://site-b.example", Username: "site-a", Password: "pw"},
	}

	a, err := NewApp(cfg, peers)
	require.NoError(t, err)
	defer a.Close()

	db := a.Service().Database()
	lib, err := db.FindLibrarianByName("site-b")
	require.NoError(t, err)
	require.NoError(t, db.SetLibrarianTransfersEnabled(lib.ID, false))

	// A restart against the same database must not re-enable a tripped
	// breaker.
	require.NoError(t, syncLibrarians(db, peers))

	lib, err = db.FindLibrarianByName("site-b")
	require.NoError(t, err)
	require.False(t, lib.TransfersEnabled)
}

func TestApp_RunOnce(t *testing.T) {
	a, err := NewApp(testConfig(t), nil)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// No files, no peers: every enabled task should complete as a no-op
	// without raising persistent errors.
	a.RunOnce(ctx)

	records, err := a.Service().Database().ListErrorRecords(false, 10)
	require.NoError(t, err)
	require.Empty(t, records)
}
