// Package daemon assembles the pipeline for the serve command: database,
// queue substrate, repository, stage handlers, orchestrator, and the operator
// API, behind a single-instance file lock.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"conveyor/internal/api"
	"conveyor/internal/collaborators"
	"conveyor/internal/config"
	"conveyor/internal/deadletter"
	"conveyor/internal/document"
	"conveyor/internal/logging"
	"conveyor/internal/orchestrator"
	"conveyor/internal/queue"
	"conveyor/internal/repository"
	"conveyor/internal/stage"
	"conveyor/internal/stages"
	"conveyor/internal/storage"
	"conveyor/internal/workflowstate"
)

// Daemon owns the assembled pipeline and enforces single-instance execution
// through a file lock in the data directory.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *storage.DB
	substrate queue.Substrate
	postgres  *repository.Postgres
	orch      *orchestrator.Orchestrator
	apiServer *api.Server

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	apiErr  chan error
}

// New opens the database and wires every component. The daemon holds no lock
// yet; Start acquires it.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || logger == nil {
		return nil, errors.New("daemon requires config and logger")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	db, err := storage.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		db:       db,
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
		apiErr:   make(chan error, 1),
	}

	if err := d.wire(ctx, logger); err != nil {
		db.Close()
		if d.substrate != nil {
			d.substrate.Close()
		}
		if d.postgres != nil {
			d.postgres.Close()
		}
		return nil, err
	}
	return d, nil
}

func (d *Daemon) wire(ctx context.Context, logger *slog.Logger) error {
	switch d.cfg.Queue.Backend {
	case config.BackendRedis:
		substrate, err := queue.NewRedis(ctx, d.cfg.Queue.Redis)
		if err != nil {
			return fmt.Errorf("connect redis substrate: %w", err)
		}
		d.substrate = substrate
	default:
		d.substrate = queue.NewSQLite(d.db)
	}

	var repo repository.PurchaseOrders
	if dsn := d.cfg.Repository.PostgresDSN; dsn != "" {
		postgres, err := repository.NewPostgres(ctx, dsn)
		if err != nil {
			return fmt.Errorf("connect postgres repository: %w", err)
		}
		d.postgres = postgres
		repo = postgres
	} else {
		repo = repository.NewSQLite(d.db)
	}
	repo = repository.WithRetry(repo,
		d.cfg.Repository.RetryAttempts,
		time.Duration(d.cfg.Repository.RetryDelayMS)*time.Millisecond)

	blobs := collaborators.NewFilesystemBlobStore(filepath.Join(d.cfg.Paths.DataDir, "uploads"))
	parser := collaborators.NewTextParser()
	extractor := collaborators.NewHeuristicExtractor()
	enricher := collaborators.NewDeterministicEnricher()

	var syncer document.Syncer
	syncTimeout := time.Duration(d.cfg.Sync.TimeoutSeconds) * time.Second
	if d.cfg.Sync.PlatformURL != "" {
		syncer = collaborators.NewPlatformSyncer(d.cfg.Sync.PlatformURL, d.cfg.Sync.APIKey, syncTimeout)
	} else {
		syncer = collaborators.NewLocalSyncer()
	}

	settings := document.ExtractionSettings{
		Model:           d.cfg.Extraction.Model,
		ConfidenceFloor: d.cfg.Extraction.ConfidenceFloor,
		Timeout:         time.Duration(d.cfg.Extraction.TimeoutSeconds) * time.Second,
	}

	registry, err := stage.NewRegistry(
		stage.NewDescriptor(stage.NameParse, d.cfg.Stages.Parse, stages.NewParse(blobs, parser, logger)),
		stage.NewDescriptor(stage.NameExtract, d.cfg.Stages.Extract, stages.NewExtract(extractor, settings, logger)),
		stage.NewDescriptor(stage.NamePersist, d.cfg.Stages.Persist, stages.NewPersist(repo, logger)),
		stage.NewDescriptor(stage.NameEnrich, d.cfg.Stages.Enrich, stages.NewEnrich(enricher, repo, logger)),
		stage.NewDescriptor(stage.NameSync, d.cfg.Stages.Sync, stages.NewSync(syncer, repo, syncTimeout, logger)),
	)
	if err != nil {
		return fmt.Errorf("build stage registry: %w", err)
	}

	tracker := workflowstate.NewStore(d.db)
	dlq := deadletter.NewStore(d.db)
	d.orch = orchestrator.New(d.cfg, d.db, d.substrate, registry, tracker, dlq, logger)
	d.apiServer = api.NewServer(d.orch, d.cfg.Paths.APIBind, d.cfg.Paths.APIToken, logger)
	return nil
}

// Orchestrator exposes the wired engine, mainly for tests.
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator { return d.orch }

// Start acquires the instance lock, starts the worker pools, and begins
// serving the API. It returns once everything is running.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another conveyor instance already holds %s", d.lockPath)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.orch.Start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start orchestrator: %w", err)
	}
	d.cancel = cancel

	go func() {
		d.apiErr <- d.apiServer.ListenAndServe()
	}()

	d.running.Store(true)
	d.logger.InfoContext(ctx, "daemon started",
		logging.String("lock", d.lockPath),
		logging.String("api", d.cfg.Paths.APIBind),
		logging.String("queue_backend", d.cfg.Queue.Backend))
	return nil
}

// Wait blocks until the API server exits.
func (d *Daemon) Wait() error {
	return <-d.apiErr
}

// Stop drains the API, stops the worker pools, and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.apiServer.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("api shutdown", logging.Error(err))
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.orch.Stop()

	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("release instance lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("daemon stopped")
}

// Close stops the daemon and releases database and broker connections.
func (d *Daemon) Close() error {
	d.Stop()
	var firstErr error
	if d.substrate != nil {
		if err := d.substrate.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.postgres != nil {
		d.postgres.Close()
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
