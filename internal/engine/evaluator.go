package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dqalarm/internal/aggregate"
	"dqalarm/internal/domain"
	"dqalarm/internal/ledger"

	"golang.org/x/sync/errgroup"
)

// Query is one measurement fetch for a monitor window.
// Start is nil for last-N bounds; LimitPerChannel is 0 for wall-clock bounds.
type Query struct {
	MetricID        string
	Channels        []string
	Start           *time.Time
	End             time.Time
	LimitPerChannel int
}

// MeasurementSource is the read-only time-series collaborator.
type MeasurementSource interface {
	Fetch(ctx context.Context, query Query) ([]domain.Measurement, error)
}

// Recorder converts alarm verdicts into edge-triggered alerts.
type Recorder interface {
	Record(ctx context.Context, triggerID string, inAlarm bool, at time.Time, message string) (ledger.Result, error)
}

// AlarmEvent is passed to the notifier for every newly written alert that must be announced.
type AlarmEvent struct {
	Monitor   *domain.Monitor
	Trigger   *domain.Trigger
	Alert     domain.Alert
	Breaching []string
	Total     int
}

// Notifier delivers alarm events to trigger recipients.
type Notifier interface {
	NotifyAlarm(ctx context.Context, event AlarmEvent) error
}

// TriggerResult is the outcome of one trigger inside a monitor evaluation.
type TriggerResult struct {
	TriggerID string
	Breaching []string
	InAlarm   bool
	Alert     *domain.Alert
	Created   bool
	NotifyErr error
	Err       error
}

// MonitorResult is the outcome of one monitor evaluation.
type MonitorResult struct {
	MonitorID  string
	Endtime    time.Time
	Bound      Bound
	Aggregates []domain.ChannelAggregate
	Triggers   []TriggerResult
	Err        error
}

// Failed reports whether the monitor or any of its triggers errored.
func (r MonitorResult) Failed() bool {
	if r.Err != nil {
		return true
	}
	for _, trigger := range r.Triggers {
		if trigger.Err != nil {
			return true
		}
	}
	return false
}

// Options tunes evaluator timeouts.
type Options struct {
	FetchTimeout  time.Duration
	NotifyTimeout time.Duration
}

// Evaluator runs the monitor evaluation cycle.
// Params: measurement source, alert recorder, notifier, logger, and timeouts.
// Returns: per-monitor evaluation entrypoint safe for concurrent use.
type Evaluator struct {
	source   MeasurementSource
	recorder Recorder
	notifier Notifier
	logger   *slog.Logger
	opts     Options
}

// NewEvaluator builds an evaluator. A nil notifier disables delivery.
func NewEvaluator(source MeasurementSource, recorder Recorder, notifier Notifier, logger *slog.Logger, opts Options) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		source:   source,
		recorder: recorder,
		notifier: notifier,
		logger:   logger,
		opts:     opts,
	}
}

// EvaluateMonitor resolves the window, fetches and aggregates measurements,
// then evaluates every trigger over the same aggregate snapshot.
// Params: context, monitor, and shared cycle endtime.
// Returns: result with Err set to *domain.DataUnavailableError when the fetch fails.
func (e *Evaluator) EvaluateMonitor(ctx context.Context, monitor *domain.Monitor, endtime time.Time) MonitorResult {
	result := MonitorResult{MonitorID: monitor.ID, Endtime: endtime}

	bound, err := ResolveInterval(monitor.IntervalType, monitor.IntervalCount, endtime)
	if err != nil {
		result.Err = err
		return result
	}
	result.Bound = bound

	channels := monitor.Group.Channels
	if len(channels) == 0 {
		result.Aggregates = []domain.ChannelAggregate{}
	} else {
		measurements, err := e.fetch(ctx, monitor, bound)
		if err != nil {
			e.logger.Warn("measurement fetch failed", "monitor", monitor.ID, "error", err.Error())
			result.Err = &domain.DataUnavailableError{MonitorID: monitor.ID, Err: err}
			return result
		}
		result.Aggregates = aggregate.Compute(channels, measurements)
	}

	result.Triggers = make([]TriggerResult, len(monitor.Triggers))
	var group errgroup.Group
	for i, trigger := range monitor.Triggers {
		i, trigger := i, trigger
		group.Go(func() error {
			result.Triggers[i] = e.evaluateTrigger(ctx, monitor, trigger, result.Aggregates, endtime)
			return nil
		})
	}
	_ = group.Wait()
	return result
}

func (e *Evaluator) fetch(ctx context.Context, monitor *domain.Monitor, bound Bound) ([]domain.Measurement, error) {
	if e.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.FetchTimeout)
		defer cancel()
	}
	return e.source.Fetch(ctx, Query{
		MetricID:        monitor.Metric.ID,
		Channels:        monitor.Group.Channels,
		Start:           bound.Start,
		End:             bound.End,
		LimitPerChannel: bound.Limit,
	})
}

func (e *Evaluator) evaluateTrigger(ctx context.Context, monitor *domain.Monitor, trigger *domain.Trigger, aggs []domain.ChannelAggregate, endtime time.Time) TriggerResult {
	breaching := trigger.BreachingChannels(aggs, monitor.Stat)
	total := len(aggs)
	inAlarm := trigger.InAlarm(len(breaching), total)
	out := TriggerResult{TriggerID: trigger.ID, Breaching: breaching, InAlarm: inAlarm}

	message := AlertMessage(monitor, trigger, inAlarm, len(breaching), total)
	recorded, err := e.recorder.Record(ctx, trigger.ID, inAlarm, endtime, message)
	if err != nil {
		e.logger.Error("alert ledger write failed", "monitor", monitor.ID, "trigger", trigger.ID, "error", err.Error())
		out.Err = err
		return out
	}
	out.Alert = recorded.Latest
	out.Created = recorded.Created
	if !recorded.Created || recorded.Latest == nil {
		return out
	}

	e.logger.Info("trigger state changed",
		"monitor", monitor.ID,
		"trigger", trigger.ID,
		"in_alarm", recorded.Latest.InAlarm,
		"alert_id", recorded.Latest.ID,
		"breaching", len(breaching),
		"total", total,
	)
	if e.notifier == nil || (!recorded.Latest.InAlarm && !trigger.AlertOnOutOfAlarm) {
		return out
	}

	notifyCtx := ctx
	if e.opts.NotifyTimeout > 0 {
		var cancel context.CancelFunc
		notifyCtx, cancel = context.WithTimeout(ctx, e.opts.NotifyTimeout)
		defer cancel()
	}
	if err := e.notifier.NotifyAlarm(notifyCtx, AlarmEvent{
		Monitor:   monitor,
		Trigger:   trigger,
		Alert:     *recorded.Latest,
		Breaching: breaching,
		Total:     total,
	}); err != nil {
		e.logger.Error("alarm notification failed", "monitor", monitor.ID, "trigger", trigger.ID, "alert_id", recorded.Latest.ID, "error", err.Error())
		out.NotifyErr = err
	}
	return out
}

// AlertMessage renders the human-readable alert message.
func AlertMessage(monitor *domain.Monitor, trigger *domain.Trigger, inAlarm bool, breaching, total int) string {
	name := monitor.Name
	if strings.TrimSpace(name) == "" {
		name = monitor.ID
	}
	state := "exited alarm"
	if inAlarm {
		state = "entered alarm"
	}
	return fmt.Sprintf("%s / %s %s: %d of %d channels breaching %s", name, trigger.Name, state, breaching, total, trigger.Condition(monitor.Stat))
}
