package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"dqalarm/internal/clock"
	"dqalarm/internal/config"
	"dqalarm/internal/domain"
	"dqalarm/internal/engine"
	"dqalarm/internal/logging"
	"dqalarm/internal/measurements"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitConfig  = 2
	ExitPartial = 3
	ExitFatal   = 4
)

// ErrInvalidConfig wraps config load and monitor selection failures.
var ErrInvalidConfig = errors.New("invalid configuration")

// EvaluateOptions selects what a one-shot run evaluates.
type EvaluateOptions struct {
	// MonitorIDs limits the run; empty evaluates every monitor.
	MonitorIDs []string
	// Endtime is the cycle endtime; zero uses the aligned current time.
	Endtime time.Time
}

// Evaluate loads config, opens the backends, and runs exactly one cycle.
// Console logs go to stderr so stdout stays free for the report.
// Params: context, config source, run options, and clock.
// Returns: batch report, or an error classified by ExitCodeForError.
func Evaluate(ctx context.Context, source config.ConfigSource, opts EvaluateOptions, clk clock.Clock) (engine.BatchReport, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return engine.BatchReport{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	logger, closeLog, err := logging.NewTo(cfg.Log, cfg.Service.Name, os.Stderr)
	if err != nil {
		return engine.BatchReport{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	defer closeLog()

	rt, err := buildRuntime(ctx, cfg, logger, clk)
	if err != nil {
		return engine.BatchReport{}, err
	}
	defer func() { _ = rt.Close() }()

	endtime := opts.Endtime
	if endtime.IsZero() {
		endtime = clock.AlignedNow(clk, time.Duration(cfg.Scheduler.AlignSec)*time.Second)
	}
	report, err := rt.manager.RunCycle(ctx, opts.MonitorIDs, endtime)
	if err != nil {
		return engine.BatchReport{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return report, nil
}

// ExitCode maps a cycle outcome to the process exit code.
func ExitCode(outcome engine.Outcome) int {
	switch outcome {
	case engine.OutcomeOK:
		return ExitOK
	case engine.OutcomePartial:
		return ExitPartial
	case engine.OutcomeFatal:
		return ExitFatal
	case engine.OutcomeFailed:
		return ExitFailure
	default:
		return ExitFailure
	}
}

// ExitCodeForError maps a setup error to the process exit code.
func ExitCodeForError(err error) int {
	var cfgErr *domain.ConfigurationError
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrInvalidConfig), errors.As(err, &cfgErr):
		return ExitConfig
	case errors.Is(err, measurements.ErrUnreachable):
		return ExitFatal
	default:
		return ExitFailure
	}
}
