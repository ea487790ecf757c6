package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dqalarm/internal/clock"
	"dqalarm/internal/config"
	"dqalarm/internal/domain"
	"dqalarm/internal/engine"
	"dqalarm/internal/recipients"
)

// AlertHistory reads recorded alerts of one trigger.
type AlertHistory interface {
	History(ctx context.Context, triggerID string, limit int) ([]domain.Alert, error)
}

// ManagerOptions tunes cycle execution.
type ManagerOptions struct {
	// Concurrency caps monitors evaluated in parallel; <=0 is unbounded.
	Concurrency int
	// Align truncates scheduled endtimes to this step.
	Align time.Duration
}

// Manager owns the live monitor catalog and runs evaluation cycles over it.
// Params: initial catalog, evaluator, alert history, clock, logger, and options.
// Returns: cycle entrypoint shared by the scheduler, the CLI, and HTTP handlers.
type Manager struct {
	catalog   atomic.Pointer[domain.Catalog]
	evaluator *engine.Evaluator
	history   AlertHistory
	clock     clock.Clock
	logger    *slog.Logger
	opts      ManagerOptions

	mu         sync.RWMutex
	lastReport *engine.BatchReport
}

// NewManager creates a manager with the initial catalog.
func NewManager(catalog *domain.Catalog, evaluator *engine.Evaluator, history AlertHistory, clk clock.Clock, logger *slog.Logger, opts ManagerOptions) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	m := &Manager{
		evaluator: evaluator,
		history:   history,
		clock:     clk,
		logger:    logger,
		opts:      opts,
	}
	m.catalog.Store(catalog)
	return m
}

// Catalog returns the current catalog snapshot.
func (m *Manager) Catalog() *domain.Catalog {
	return m.catalog.Load()
}

// ApplyConfig rebuilds the catalog from cfg and swaps it in.
// A rejected config leaves the previous catalog in place.
func (m *Manager) ApplyConfig(cfg config.Config) error {
	next, err := config.BuildCatalog(cfg)
	if err != nil {
		return err
	}
	prev := m.catalog.Swap(next)
	added, removed := diffMonitors(prev, next)
	m.logger.Info("monitor catalog applied",
		"monitors", len(next.Monitors()),
		"triggers", len(next.Triggers()),
		"added", strings.Join(added, ","),
		"removed", strings.Join(removed, ","),
	)
	return nil
}

// SelectMonitors resolves monitor ids against the current catalog.
// Params: ids in the requested order; empty selects every monitor.
// Returns: monitors or *domain.ConfigurationError naming unknown ids.
func (m *Manager) SelectMonitors(ids []string) ([]*domain.Monitor, error) {
	catalog := m.Catalog()
	if len(ids) == 0 {
		return catalog.Monitors(), nil
	}
	out := make([]*domain.Monitor, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	var unknown []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		monitor, ok := catalog.Monitor(id)
		if !ok {
			unknown = append(unknown, id)
			continue
		}
		out = append(out, monitor)
	}
	if len(unknown) > 0 {
		return nil, &domain.ConfigurationError{Field: "monitor", Reason: "unknown monitor id", Invalid: unknown}
	}
	return out, nil
}

// RunCycle evaluates the selected monitors at one shared endtime.
// Params: context, monitor ids (empty means all), and cycle endtime.
// Returns: batch report, or selection error before anything is evaluated.
func (m *Manager) RunCycle(ctx context.Context, monitorIDs []string, endtime time.Time) (engine.BatchReport, error) {
	monitors, err := m.SelectMonitors(monitorIDs)
	if err != nil {
		return engine.BatchReport{}, err
	}
	started := time.Now()
	report := m.evaluator.EvaluateAll(ctx, monitors, endtime, m.opts.Concurrency)
	m.logReport(report, time.Since(started))

	m.mu.Lock()
	m.lastReport = &report
	m.mu.Unlock()
	return report, nil
}

// Tick runs one scheduled cycle over every monitor at the aligned current time.
func (m *Manager) Tick(ctx context.Context) {
	endtime := clock.AlignedNow(m.clock, m.opts.Align)
	if _, err := m.RunCycle(ctx, nil, endtime); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("scheduled cycle failed", "endtime", endtime, "error", err.Error())
	}
}

// LastReport returns the report of the most recent cycle, if any ran.
func (m *Manager) LastReport() (engine.BatchReport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastReport == nil {
		return engine.BatchReport{}, false
	}
	return *m.lastReport, true
}

// History returns the newest alerts of a trigger in the current catalog.
func (m *Manager) History(ctx context.Context, triggerID string, limit int) ([]domain.Alert, error) {
	if _, ok := m.Catalog().Trigger(triggerID); !ok {
		return nil, fmt.Errorf("%w: %s", recipients.ErrUnknownTrigger, triggerID)
	}
	return m.history.History(ctx, triggerID, limit)
}

func (m *Manager) logReport(report engine.BatchReport, took time.Duration) {
	outcome := report.Outcome()
	inAlarm, created := 0, 0
	for _, result := range report.Results {
		for _, trigger := range result.Triggers {
			if trigger.InAlarm {
				inAlarm++
			}
			if trigger.Created {
				created++
			}
		}
	}
	attrs := []any{
		"cycle_id", report.CycleID,
		"endtime", report.Endtime,
		"outcome", outcome.String(),
		"monitors", len(report.Results),
		"failed", len(report.Failed()),
		"triggers_in_alarm", inAlarm,
		"alerts_created", created,
		"took", took.String(),
	}
	if outcome == engine.OutcomeOK {
		m.logger.Info("evaluation cycle finished", attrs...)
		return
	}
	for _, result := range report.Failed() {
		m.logger.Warn("monitor evaluation failed", "cycle_id", report.CycleID, "monitor", result.MonitorID, "error", resultError(result))
	}
	m.logger.Error("evaluation cycle finished", attrs...)
}

func resultError(result engine.MonitorResult) string {
	if result.Err != nil {
		return result.Err.Error()
	}
	errs := make([]error, 0, len(result.Triggers))
	for _, trigger := range result.Triggers {
		if trigger.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", trigger.TriggerID, trigger.Err))
		}
	}
	if len(errs) == 0 {
		return ""
	}
	return errors.Join(errs...).Error()
}

func diffMonitors(prev, next *domain.Catalog) (added, removed []string) {
	has := func(c *domain.Catalog, id string) bool {
		if c == nil {
			return false
		}
		_, ok := c.Monitor(id)
		return ok
	}
	for _, monitor := range next.Monitors() {
		if !has(prev, monitor.ID) {
			added = append(added, monitor.ID)
		}
	}
	if prev != nil {
		for _, monitor := range prev.Monitors() {
			if !has(next, monitor.ID) {
				removed = append(removed, monitor.ID)
			}
		}
	}
	return added, removed
}
