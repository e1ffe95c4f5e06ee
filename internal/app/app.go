package app

import (
	"context"
	"fmt"
	"os"

	"librarian-go/internal/client"
	"librarian-go/internal/config"
	"librarian-go/internal/database"
	"librarian-go/internal/librarian"
	"librarian-go/internal/model"
	"librarian-go/internal/scheduler"
	"librarian-go/internal/server"
	"librarian-go/internal/store"
	"librarian-go/internal/tasks"
	"librarian-go/internal/transfermgr"
)

// App is the application layer between the CLI and the librarian service.
// It constructs all dependencies from config and manages the DB lifecycle
// on Close.
type App struct {
	cfg     *config.Config
	db      librarian.Database
	svc     *librarian.Service
	sched   *scheduler.Scheduler
	server  *server.Server
	logger  librarian.Logger
	logFile *os.File
}

// NewApp creates a fully wired App from the given config and peer list.
// The caller must call Close when done.
func NewApp(cfg *config.Config, peerCfgs []config.PeerConfig) (*App, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("librarian name not configured")
	}

	slogger, logFile, err := newLogger(cfg.LogDir, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.Name)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating database: %w", err)
	}

	if err := db.CheckMigrations(); err != nil {
		db.Close()
		logFile.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	stores, err := store.NewStoresFromConfig(cfg.Stores, cfg.Checksum.Threads)
	if err != nil {
		db.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating stores: %w", err)
	}
	storeTypes := make(map[string]string, len(cfg.Stores))
	for _, sc := range cfg.Stores {
		storeTypes[sc.Name] = sc.Type
	}

	managers, err := transfermgr.NewRegistry(cfg.Managers)
	if err != nil {
		db.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating transfer managers: %w", err)
	}

	peers := client.NewFactory(peerCfgs)
	clock := librarian.RealClock{}

	svc := librarian.NewService(db, stores, managers, peers, logger, clock,
		librarian.ServiceOptions{
			Name:             cfg.Name,
			Algorithm:        cfg.Checksum.Algorithm,
			ChecksumThreads:  cfg.Checksum.Threads,
			ChecksumCacheAge: cfg.Checksum.CacheAge.Duration,
			SendTasksEnabled: cfg.Tasks.SendClone.Enabled && cfg.Tasks.ConsumeQueue.Enabled,
		})

	if err := svc.SyncStores(storeTypes); err != nil {
		db.Close()
		logFile.Close()
		return nil, err
	}
	if err := syncLibrarians(db, peerCfgs); err != nil {
		db.Close()
		logFile.Close()
		return nil, err
	}

	sched := scheduler.New(logger, clock, 0)
	tasks.RegisterFromConfig(sched, svc, logger, clock, cfg.Tasks, cfg.Checksum.CacheAge.Duration)

	srv := server.New(svc, logger, clock, server.Options{
		Port:        cfg.Port,
		Description: cfg.Description,
		Metrics:     cfg.Metrics.Enabled,
	})

	return &App{
		cfg:     cfg,
		db:      db,
		svc:     svc,
		sched:   sched,
		server:  srv,
		logger:  logger,
		logFile: logFile,
	}, nil
}

// syncLibrarians upserts the configured peers into the librarians table so
// transfers and remote instances can reference them by id. A peer already
// present keeps its circuit breaker state; only the URL is refreshed.
func syncLibrarians(db librarian.Database, peerCfgs []config.PeerConfig) error {
	for _, p := range peerCfgs {
		existing, err := db.FindLibrarianByName(p.Name)
		if err != nil {
			return fmt.Errorf("syncing librarian %s: %w", p.Name, err)
		}
		if existing != nil {
			continue
		}
		_, err = db.CreateLibrarian(&model.Librarian{
			Name:             p.Name,
			URL:              p.URL,
			Authenticator:    p.Username + ":" + p.Password,
			TransfersEnabled: true,
		})
		if err != nil {
			return fmt.Errorf("syncing librarian %s: %w", p.Name, err)
		}
	}
	return nil
}

// Service exposes the wired service layer for CLI commands.
func (a *App) Service() *librarian.Service { return a.svc }

// Run serves HTTP and drives the background tasks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- a.sched.Run(ctx)
	}()
	go func() {
		errCh <- a.server.Run(ctx)
	}()

	// First failure brings the whole node down; the second goroutine is
	// released through ctx.
	err := <-errCh
	cancel()
	<-errCh
	return err
}

// RunOnce executes every enabled background task a single time.
func (a *App) RunOnce(ctx context.Context) {
	a.sched.RunOnce(ctx)
}

// Close releases the database and the log file.
func (a *App) Close() error {
	var firstErr error
	if err := a.db.Close(); err != nil {
		firstErr = err
	}
	if err := a.logFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
