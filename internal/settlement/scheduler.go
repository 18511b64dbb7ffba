package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs the sweep every five seconds.
const DefaultSchedule = "@every 5s"

// Ticker is the sweep the scheduler drives.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) (Report, error)
}

// Scheduler runs sweeps on a cron schedule. Overlapping runs are skipped.
type Scheduler struct {
	cron   *cron.Cron
	ticker Ticker
	ctx    context.Context
	logger *slog.Logger
	now    func() time.Time
}

// NewScheduler registers t on spec. ctx bounds every sweep.
func NewScheduler(ctx context.Context, spec string, t Ticker, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if spec == "" {
		spec = DefaultSchedule
	}
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ticker: t,
		ctx:    ctx,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if _, err := s.cron.AddFunc(spec, s.RunOnce); err != nil {
		return nil, fmt.Errorf("register sweep %q: %w", spec, err)
	}
	return s, nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("settlement scheduler started")
}

// Stop stops scheduling and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("settlement scheduler stopped")
}

// RunOnce runs a single sweep immediately.
func (s *Scheduler) RunOnce() {
	if s.ctx.Err() != nil {
		return
	}
	if _, err := s.ticker.Tick(s.ctx, s.now()); err != nil {
		s.logger.Error("settlement sweep failed", "err", err)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
