// -----------------------------------------------------------------------
// Application wiring - constructs and owns every service
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"os"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mediaforge/internal/common"
	"github.com/ternarybob/mediaforge/internal/interfaces"
	"github.com/ternarybob/mediaforge/internal/services/events"
	"github.com/ternarybob/mediaforge/internal/services/orchestrator"
	"github.com/ternarybob/mediaforge/internal/services/resources"
	"github.com/ternarybob/mediaforge/internal/services/runner"
	"github.com/ternarybob/mediaforge/internal/services/scheduler"
	"github.com/ternarybob/mediaforge/internal/services/security"
	"github.com/ternarybob/mediaforge/internal/storage/sqlite"
)

// App holds all application dependencies
type App struct {
	Config       *common.Config
	Logger       arbor.ILogger
	DB           *sqlite.SQLiteDB
	JobStore     interfaces.JobStore
	EventBus     interfaces.EventBus
	Resources    *resources.Manager
	Validator    *security.Validator
	Runner       *runner.Runner
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler
}

// PipelineFactory builds the media backend against the shared resource
// manager so pipeline and orchestrator draw from the same slot pools
type PipelineFactory func(*resources.Manager) interfaces.Pipeline

// New wires the full service graph. The pipeline is injected so the
// orchestrator stays independent of any specific media backend.
func New(config *common.Config, logger arbor.ILogger, newPipeline PipelineFactory) (*App, error) {
	if err := os.MkdirAll(config.Workspace.JobsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create jobs directory: %w", err)
	}

	db, err := sqlite.NewSQLiteDB(logger, &config.Storage.SQLite)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	store := sqlite.NewJobStore(db, logger)
	bus := events.NewBus(config.Events.QueueSize, logger)
	res := resources.NewManager(config.Resources, logger)
	validator := security.NewValidator(config.Workspace.Root, config.Workspace.JobsDir)
	run := runner.NewRunner(store, bus, validator, newPipeline(res), logger)
	orch := orchestrator.New(store, bus, res, run, logger)
	// The sweep must never reconcile a job a live worker still holds
	sched := scheduler.NewScheduler(store, orch.ActiveJobIDs, config.Scheduler, logger)

	return &App{
		Config:       config,
		Logger:       logger,
		DB:           db,
		JobStore:     store,
		EventBus:     bus,
		Resources:    res,
		Validator:    validator,
		Runner:       run,
		Orchestrator: orch,
		Scheduler:    sched,
	}, nil
}

// Start reconciles orphaned rows from a previous process, then brings
// up the worker pool and the maintenance scheduler
func (a *App) Start(ctx context.Context) error {
	count, err := a.JobStore.ReconcileOrphans(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile orphaned jobs: %w", err)
	}
	if count > 0 {
		a.Logger.Warn().Int("count", count).Msg("Reconciled orphaned jobs from previous run")
	}

	a.Orchestrator.Start()
	if err := a.Scheduler.Start(); err != nil {
		return err
	}

	a.Logger.Info().
		Str("workspace", a.Config.Workspace.Root).
		Str("database", a.Config.Storage.SQLite.Path).
		Msg("Application started")
	return nil
}

// Shutdown stops services in reverse dependency order
func (a *App) Shutdown() {
	a.Scheduler.Stop()
	a.Orchestrator.Shutdown() // also closes the store
	a.EventBus.Close()
	a.Logger.Info().Msg("Application shutdown complete")
}
