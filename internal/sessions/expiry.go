package sessions

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/finsight-ai/finsight/internal/observability"
)

// Sweeper deletes sessions idle past a retention window on a cron
// schedule. Retention zero disables it.
type Sweeper struct {
	store     Store
	retention time.Duration
	schedule  string
	logger    *observability.Logger
	cron      *cron.Cron
	now       func() time.Time
}

// NewSweeper builds a sweeper. schedule is a standard cron expression;
// empty defaults to hourly.
func NewSweeper(store Store, retention time.Duration, schedule string, logger *observability.Logger) *Sweeper {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if schedule == "" {
		schedule = "0 * * * *"
	}
	return &Sweeper{
		store:     store,
		retention: retention,
		schedule:  schedule,
		logger:    logger,
		now:       time.Now,
	}
}

// Start schedules the sweep. No-op when retention is disabled.
func (s *Sweeper) Start() error {
	if s.retention <= 0 {
		return nil
	}
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.SweepOnce(ctx)
	}); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// SweepOnce purges expired sessions immediately.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	cutoff := s.now().Add(-s.retention)
	purged, err := s.store.PurgeBefore(ctx, cutoff)
	if err != nil {
		s.logger.Warn(ctx, "session sweep failed", "error", err)
		return
	}
	if purged > 0 {
		s.logger.Info(ctx, "purged expired sessions",
			"count", purged, "cutoff", cutoff)
	}
}

// Stop halts the schedule and waits for a running sweep.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}
