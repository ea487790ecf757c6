package engine

import (
	"context"
	"errors"
	"time"

	"dqalarm/internal/domain"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Outcome classifies a whole evaluation cycle.
type Outcome int

const (
	// OutcomeOK means every requested monitor completed.
	OutcomeOK Outcome = iota
	// OutcomePartial means at least one monitor failed and others completed.
	OutcomePartial
	// OutcomeFatal means the measurement source could not be reached at all.
	OutcomeFatal
	// OutcomeFailed means every monitor failed while the source stayed reachable.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomePartial:
		return "partial"
	case OutcomeFatal:
		return "fatal"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Pinger is implemented by measurement sources that can check reachability up front.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BatchReport collects all monitor results of one cycle.
type BatchReport struct {
	CycleID   string
	Endtime   time.Time
	Results   []MonitorResult
	SourceErr error
}

// Outcome derives the cycle classification from the monitor results.
func (r BatchReport) Outcome() Outcome {
	if r.SourceErr != nil {
		return OutcomeFatal
	}
	failed, unavailable := 0, 0
	for _, result := range r.Results {
		if !result.Failed() {
			continue
		}
		failed++
		var dataErr *domain.DataUnavailableError
		if errors.As(result.Err, &dataErr) {
			unavailable++
		}
	}
	switch {
	case failed == 0:
		return OutcomeOK
	case unavailable == len(r.Results):
		return OutcomeFatal
	case failed == len(r.Results):
		return OutcomeFailed
	default:
		return OutcomePartial
	}
}

// Failed lists results that errored.
func (r BatchReport) Failed() []MonitorResult {
	out := make([]MonitorResult, 0)
	for _, result := range r.Results {
		if result.Failed() {
			out = append(out, result)
		}
	}
	return out
}

// EvaluateAll evaluates monitors at one shared endtime with bounded concurrency.
// Params: context, monitors, shared endtime, and max concurrent monitors (<=0 means unbounded).
// Returns: report with results in input order; one monitor failing never aborts the others.
func (e *Evaluator) EvaluateAll(ctx context.Context, monitors []*domain.Monitor, endtime time.Time, concurrency int) BatchReport {
	report := BatchReport{
		CycleID: uuid.NewString(),
		Endtime: endtime,
		Results: make([]MonitorResult, len(monitors)),
	}
	logger := e.logger.With("cycle_id", report.CycleID)

	if pinger, ok := e.source.(Pinger); ok && len(monitors) > 0 {
		pingCtx := ctx
		if e.opts.FetchTimeout > 0 {
			var cancel context.CancelFunc
			pingCtx, cancel = context.WithTimeout(ctx, e.opts.FetchTimeout)
			defer cancel()
		}
		if err := pinger.Ping(pingCtx); err != nil {
			logger.Error("measurement source unreachable", "error", err.Error())
			report.SourceErr = err
			for i, monitor := range monitors {
				report.Results[i] = MonitorResult{
					MonitorID: monitor.ID,
					Endtime:   endtime,
					Err:       &domain.DataUnavailableError{MonitorID: monitor.ID, Err: err},
				}
			}
			return report
		}
	}

	var group errgroup.Group
	if concurrency > 0 {
		group.SetLimit(concurrency)
	}
	for i, monitor := range monitors {
		i, monitor := i, monitor
		group.Go(func() error {
			report.Results[i] = e.EvaluateMonitor(ctx, monitor, endtime)
			return nil
		})
	}
	_ = group.Wait()

	outcome := report.Outcome()
	logger.Info("evaluation cycle finished",
		"endtime", endtime.Format(time.RFC3339),
		"monitors", len(monitors),
		"failed", len(report.Failed()),
		"outcome", outcome.String(),
	)
	return report
}
