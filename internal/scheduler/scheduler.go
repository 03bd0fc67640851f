package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/velinpetkov/eventnotify/internal/services"
	"github.com/velinpetkov/eventnotify/pkg/logger"
	"github.com/velinpetkov/eventnotify/pkg/metrics"
)

const (
	defaultSweepSpec  = "@every 1m"
	defaultDigestSpec = "30 17 * * 5"
	defaultPeriod     = 7 * 24 * time.Hour
)

// Scheduler drives the periodic due-sweep and the weekly digest run.
type Scheduler struct {
	engine *services.NotificationService
	digest *services.DigestService
	cron   *cron.Cron
	now    func() time.Time
	log    *zap.Logger

	sweepSchedule  string
	digestSchedule string
	digestPeriod   time.Duration
}

// Option customises the Scheduler.
type Option func(*Scheduler)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithNow overrides the clock used to derive digest periods.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSweepSchedule overrides the cron specification for the due-sweep.
func WithSweepSchedule(spec string) Option {
	return func(s *Scheduler) {
		if spec != "" {
			s.sweepSchedule = spec
		}
	}
}

// WithDigestSchedule overrides the cron specification for the digest run.
func WithDigestSchedule(spec string) Option {
	return func(s *Scheduler) {
		if spec != "" {
			s.digestSchedule = spec
		}
	}
}

// WithDigestPeriod overrides the trailing period each digest run covers.
func WithDigestPeriod(period time.Duration) Option {
	return func(s *Scheduler) {
		if period > 0 {
			s.digestPeriod = period
		}
	}
}

// New constructs a Scheduler with sensible defaults. A nil engine or digest
// service results in the corresponding job being skipped.
func New(engine *services.NotificationService, digest *services.DigestService, opts ...Option) *Scheduler {
	s := &Scheduler{
		engine:         engine,
		digest:         digest,
		now:            time.Now,
		log:            logger.WithModule("scheduler"),
		sweepSchedule:  defaultSweepSpec,
		digestSchedule: defaultDigestSpec,
		digestPeriod:   defaultPeriod,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.cron == nil {
		s.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return s
}

// Start registers the jobs with the cron scheduler and launches it.
func (s *Scheduler) Start() error {
	if s.engine != nil {
		if _, err := s.cron.AddFunc(s.sweepSchedule, func() {
			if _, err := s.engine.ProcessDue(context.Background()); err != nil {
				s.log.Warn("due-sweep failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if s.digest != nil {
		if _, err := s.cron.AddFunc(s.digestSchedule, func() {
			metrics.DigestRuns.WithLabelValues("cron").Inc()
			if err := s.runDigest(context.Background()); err != nil {
				s.log.Warn("digest run failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (s *Scheduler) Stop() context.Context {
	if s.cron == nil {
		return context.Background()
	}
	return s.cron.Stop()
}

// RunOnce executes both jobs sequentially, outside of any cron schedule.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if s.engine != nil {
		if _, err := s.engine.ProcessDue(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if s.digest != nil {
		if err := s.runDigest(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

// runDigest covers the trailing digest period ending at the fire time.
func (s *Scheduler) runDigest(ctx context.Context) error {
	periodEnd := s.now().UTC()
	periodStart := periodEnd.Add(-s.digestPeriod)
	_, err := s.digest.RunForPeriod(ctx, periodStart, periodEnd)
	return err
}
