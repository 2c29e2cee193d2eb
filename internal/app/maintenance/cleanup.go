package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/boardroom/internal/store"
	"github.com/charlesng35/boardroom/pkg/logger"
	"github.com/charlesng35/boardroom/pkg/metrics"
)

const (
	defaultSweepSpec     = "@hourly"
	defaultIdleRetention = 24 * time.Hour
	defaultBatchSize     = 100
)

// SessionTracker reports whether a session is held by the live coordinator.
type SessionTracker interface {
	InUse(sessionID string) bool
}

// Cleaner removes durable sessions that have had no participants for longer
// than the retention window. It catches records orphaned by a restart, whose
// in-memory grace timers were lost.
type Cleaner struct {
	store     store.Store
	tracker   SessionTracker
	cron      *cron.Cron
	now       func() time.Time
	log       *zap.Logger
	retention time.Duration
	batchSize int
	schedule  string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for retention comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithRetention adjusts how long an empty session survives before it is swept.
func WithRetention(d time.Duration) Option {
	return func(cleaner *Cleaner) {
		if d > 0 {
			cleaner.retention = d
		}
	}
}

// WithSchedule overrides the cron specification of the sweep.
func WithSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.schedule = spec
		}
	}
}

// WithBatchSize bounds how many sessions one sweep pass lists at a time.
func WithBatchSize(n int) Option {
	return func(cleaner *Cleaner) {
		if n > 0 {
			cleaner.batchSize = n
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. A nil tracker sweeps
// every idle record.
func NewCleaner(st store.Store, tracker SessionTracker, opts ...Option) (*Cleaner, error) {
	if st == nil {
		return nil, errors.New("maintenance: store is required")
	}

	cleaner := &Cleaner{
		store:     st,
		tracker:   tracker,
		now:       time.Now,
		retention: defaultIdleRetention,
		batchSize: defaultBatchSize,
		schedule:  defaultSweepSpec,
		log:       logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return cleaner, nil
}

// Start registers the sweep with the cron scheduler and launches it.
func (c *Cleaner) Start() error {
	if _, err := c.cron.AddFunc(c.schedule, func() {
		if _, err := c.RunOnce(context.Background()); err != nil {
			c.log.Warn("idle session sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("maintenance: schedule sweep %q: %w", c.schedule, err)
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce sweeps idle sessions until none remain past the retention window. It
// returns how many were deleted; per-session failures are collected and the
// sweep continues with the next record.
func (c *Cleaner) RunOnce(ctx context.Context) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	cutoff := c.now().Add(-c.retention)
	seen := make(map[string]struct{})
	deleted := 0
	var errs error

	for {
		ids, err := c.store.ListIdle(ctx, cutoff, c.batchSize)
		if err != nil {
			return deleted, multierr.Append(errs, err)
		}

		progressed := false
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			progressed = true

			if c.tracker != nil && c.tracker.InUse(id) {
				metrics.CleanupRuns.WithLabelValues("skipped").Inc()
				continue
			}
			if err := c.store.Delete(ctx, id); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("delete idle session %s: %w", id, err))
				continue
			}
			deleted++
			metrics.CleanupRuns.WithLabelValues("swept").Inc()
		}

		if !progressed || len(ids) < c.batchSize {
			break
		}
	}

	if deleted > 0 {
		c.log.Info("swept idle sessions", zap.Int("deleted", deleted), zap.Time("cutoff", cutoff))
	}
	return deleted, errs
}
