// -----------------------------------------------------------------------
// Scheduler - periodic background maintenance
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mediaforge/internal/common"
	"github.com/ternarybob/mediaforge/internal/interfaces"
)

// Scheduler runs periodic maintenance against the job store. Today
// that is the orphan sweep: running rows whose worker died are
// reconciled to failed. Rows the orchestrator is actively executing
// are never orphans and are excluded from every sweep.
type Scheduler struct {
	cron   *cron.Cron
	store  interfaces.JobStore
	active func() []string
	config common.SchedulerConfig
	logger arbor.ILogger
}

// NewScheduler creates a scheduler bound to the store. active reports
// the job ids currently held by live workers; nil means none.
func NewScheduler(store interfaces.JobStore, active func() []string, config common.SchedulerConfig, logger arbor.ILogger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		store:  store,
		active: active,
		config: config,
		logger: logger,
	}
}

// Start registers the maintenance jobs and begins the cron loop
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.config.OrphanSweepSchedule, s.sweepOrphans); err != nil {
		return fmt.Errorf("failed to schedule orphan sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info().
		Str("orphan_sweep", s.config.OrphanSweepSchedule).
		Msg("Scheduler started")
	return nil
}

// Stop halts the cron loop and waits for a running sweep to finish
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) sweepOrphans() {
	var exclude []string
	if s.active != nil {
		exclude = s.active()
	}

	count, err := s.store.ReconcileOrphans(context.Background(), exclude...)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Orphan sweep failed")
		return
	}
	if count > 0 {
		s.logger.Warn().Int("count", count).Msg("Reconciled orphaned jobs")
	}
}
