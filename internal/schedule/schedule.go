// Package schedule runs background jobs on cron specs.
package schedule

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Scheduler wraps robfig/cron. Runs of the same job never overlap.
type Scheduler struct {
	cron *cron.Cron
}

// New creates a Scheduler that logs through zap.
func New() *Scheduler {
	logger := cronLogger{zap.L().Sugar().With("component", "schedule")}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}

// Add registers job under name. ctx is passed to every run.
func (s *Scheduler) Add(ctx context.Context, name, spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := job(ctx); err != nil {
			zap.L().Error("schedule: job failed", zap.String("job", name), zap.Error(err))
			return
		}
		zap.L().Debug("schedule: job done", zap.String("job", name), zap.Duration("elapsed", time.Since(start)))
	})
	if err != nil {
		return eris.Wrapf(err, "schedule: add %s (%q)", name, spec)
	}
	zap.L().Info("schedule: job registered", zap.String("job", name), zap.String("spec", spec))
	return nil
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		zap.L().Warn("schedule: stop timed out with jobs still running")
	}
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
