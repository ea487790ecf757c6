// Package scheduler runs evaluation cycles on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler fires one job per tick and skips ticks while the previous run is still going.
// Stopping prevents future ticks; a running job keeps its context until it returns.
type Scheduler struct {
	cron    *cron.Cron
	skipped atomic.Int64
}

// New parses spec and registers job.
// Params: cron spec (optional seconds field, descriptors like "@every 1m"), base context, job and logger.
// Returns: unstarted scheduler or parse error.
func New(ctx context.Context, spec string, job func(ctx context.Context), logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	s := &Scheduler{}
	cronLogger := slogCronLogger{logger: logger, skipped: &s.skipped}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	s.cron.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		job(ctx)
	}))
	return s, nil
}

// Start begins firing ticks in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops future ticks.
// Returns: context done once the running job, if any, has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Skipped reports how many ticks were dropped because a run was still in progress.
func (s *Scheduler) Skipped() int64 {
	return s.skipped.Load()
}

// slogCronLogger adapts slog to cron.Logger.
type slogCronLogger struct {
	logger  *slog.Logger
	skipped *atomic.Int64
}

func (l slogCronLogger) Info(msg string, keysAndValues ...any) {
	if msg == "skip" {
		l.skipped.Add(1)
		l.logger.Warn("evaluation tick skipped, previous cycle still running")
		return
	}
	l.logger.Debug("scheduler "+msg, keysAndValues...)
}

func (l slogCronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("scheduler "+msg, append(keysAndValues, "error", err.Error())...)
}
