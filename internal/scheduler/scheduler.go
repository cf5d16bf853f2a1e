// Package scheduler runs the engine's periodic sweeps on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-re-milestones/internal/service"
)

// Sweeps is the set of periodic engine operations.
type Sweeps interface {
	EvaluateTimeLinkedTriggers(ctx context.Context) (*service.EvaluationResult, error)
	SweepOverdue(ctx context.Context) (*service.EvaluationResult, error)
	RetryPendingNotices(ctx context.Context) (*service.EvaluationResult, error)
}

// Config holds the cron expressions for each sweep. An empty expression
// disables that sweep.
type Config struct {
	TimeLinked  string
	Overdue     string
	NoticeRetry string
	// RunTimeout bounds a single sweep run
	RunTimeout time.Duration
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron    *cron.Cron
	sweeps  Sweeps
	timeout time.Duration
	log     zerolog.Logger
}

// New registers every configured sweep. Overlapping runs of the same sweep
// are skipped.
func New(cfg Config, sweeps Sweeps, log zerolog.Logger) (*Scheduler, error) {
	log = log.With().Str("component", "scheduler").Logger()
	cl := cronLogger{log: log}

	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		sweeps:  sweeps,
		timeout: cfg.RunTimeout,
		log:     log,
	}
	if s.timeout <= 0 {
		s.timeout = 5 * time.Minute
	}

	jobs := []struct {
		name     string
		schedule string
		run      func(context.Context) (*service.EvaluationResult, error)
	}{
		{"time_linked", cfg.TimeLinked, sweeps.EvaluateTimeLinkedTriggers},
		{"overdue", cfg.Overdue, sweeps.SweepOverdue},
		{"notice_retry", cfg.NoticeRetry, sweeps.RetryPendingNotices},
	}
	for _, j := range jobs {
		if j.schedule == "" {
			log.Info().Str("sweep", j.name).Msg("Sweep disabled")
			continue
		}
		if _, err := s.cron.AddFunc(j.schedule, s.job(j.name, j.run)); err != nil {
			return nil, fmt.Errorf("invalid schedule %q for %s sweep: %w", j.schedule, j.name, err)
		}
		log.Info().Str("sweep", j.name).Str("schedule", j.schedule).Msg("Sweep scheduled")
	}
	return s, nil
}

func (s *Scheduler) job(name string, run func(context.Context) (*service.EvaluationResult, error)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		start := time.Now()
		result, err := run(ctx)
		if err != nil {
			s.log.Error().Err(err).Str("sweep", name).Msg("Sweep failed")
			return
		}
		s.log.Info().
			Str("sweep", name).
			Int("plans_scanned", result.PlansScanned).
			Int("triggered", result.Triggered).
			Int("marked_overdue", result.MarkedOverdue).
			Int("notices_sent", result.NoticesSent).
			Int("notices_pending", result.NoticesPending).
			Dur("duration", time.Since(start)).
			Msg("Sweep completed")
	}
}

// Start begins running the schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running sweeps up to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn().Msg("Scheduler stop timed out with sweeps still running")
	}
}

// Entries reports how many sweeps are scheduled.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
