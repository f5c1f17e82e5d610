package membership

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/warden/pkg/observability"
)

// Sweeper periodically deletes invitations that were never accepted, so a
// stale invite does not block a fresh one forever.
type Sweeper struct {
	store    *Store
	ttl      time.Duration
	schedule string
	logger   *observability.Logger
	cron     *cron.Cron
	now      func() time.Time
}

// NewSweeper creates an invitation sweeper. ttl is how long an invitation
// stays valid; schedule is a cron expression for how often to sweep.
func NewSweeper(store *Store, ttl time.Duration, schedule string, logger *observability.Logger) *Sweeper {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if schedule == "" {
		schedule = "@hourly"
	}
	return &Sweeper{
		store:    store,
		ttl:      ttl,
		schedule: schedule,
		logger:   logger,
		cron:     cron.New(),
		now:      time.Now,
	}
}

// Start begins the sweep schedule. The returned error reports an invalid
// cron expression only; sweep failures are logged and retried next tick.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		s.SweepOnce(ctx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// SweepOnce deletes all invitations older than the ttl
func (s *Sweeper) SweepOnce(ctx context.Context) {
	cutoff := s.now().UTC().Add(-s.ttl)
	deleted, err := s.store.DeleteExpiredInvites(ctx, cutoff)
	if err != nil {
		s.logger.WithError(err).Error("invitation sweep failed")
		return
	}
	if deleted > 0 {
		s.logger.WithField("deleted", deleted).Info("swept expired invitations")
	}
}
