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

	"vidforge/internal/api"
	"vidforge/internal/config"
	"vidforge/internal/credits"
	"vidforge/internal/logging"
	"vidforge/internal/notify"
	"vidforge/internal/orchestrator"
	"vidforge/internal/providers"
	"vidforge/internal/qc"
	"vidforge/internal/scheduler"
	"vidforge/internal/store"
)

// Daemon owns the long-running process: store, ledger, orchestrator,
// scheduler worker pools, and the HTTP API, guarded by a file lock so only one
// instance runs per data directory.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store  *store.Store
	ledger *credits.Ledger
	orch   *orchestrator.Orchestrator
	sched  *scheduler.Scheduler
	server *api.Server

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// New wires every component. The provider registry defaults to the synthetic
// provider plus the quality gate; pass extra providers to override.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	ledger := credits.NewLedger(st, logger)
	estimator := credits.NewEstimator(cfg)
	publisher := notify.NewPublisher(cfg, logger)
	orch := orchestrator.NewOrchestrator(st, ledger, estimator, publisher, cfg, logger)

	registry := providers.NewRegistry()
	engine := qc.NewEngine(cfg, qc.NopModerator{}, logger)
	if err := registry.Register(providers.NewSynthetic()); err != nil {
		return nil, err
	}
	if err := registry.Register(providers.NewQualityExecutor(engine)); err != nil {
		return nil, err
	}

	sched := scheduler.NewScheduler(st, registry, cfg, orch, logger)
	server := api.NewServer(cfg, orch, ledger, st, logger)

	lockPath := filepath.Join(cfg.Paths.DataDir, "vidforged.lock")
	return &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    st,
		ledger:   ledger,
		orch:     orch,
		sched:    sched,
		server:   server,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Start acquires the instance lock, reclaims tasks stranded by a previous
// crash, and launches the scheduler and API server.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another instance holds %s", d.lockPath)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	cutoff := time.Now().UTC().Add(-time.Duration(d.cfg.Pipeline.HeartbeatTimeout) * time.Second)
	reclaimed, err := d.store.ReclaimStaleRunning(runCtx, cutoff)
	if err != nil {
		d.release()
		cancel()
		return fmt.Errorf("reclaim stale tasks: %w", err)
	}
	if reclaimed > 0 {
		d.logger.Warn("reclaimed tasks from previous run", logging.Int64("count", reclaimed))
	}

	d.sched.Start(runCtx)
	if d.server != nil {
		if err := d.server.Start(runCtx); err != nil {
			d.sched.Stop()
			d.release()
			cancel()
			return err
		}
	}

	d.running.Store(true)
	d.logger.Info("daemon started",
		logging.String("database", d.store.Path()),
		logging.String("lock", d.lockPath),
	)
	return nil
}

// Stop drains the worker pools, stops the API server, and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	d.running.Store(false)

	if d.cancel != nil {
		d.cancel()
	}
	d.sched.Stop()
	d.server.Stop()
	d.release()
	if err := d.store.Close(); err != nil {
		d.logger.Warn("close store failed", logging.Error(err))
	}
	d.logger.Info("daemon stopped")
}

// Running reports whether the daemon has started and not yet stopped.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

func (d *Daemon) release() {
	if d.lock != nil {
		_ = d.lock.Unlock()
	}
}
