// Package ledger converts per-cycle alarm verdicts into edge-triggered alerts.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dqalarm/internal/domain"
)

// maxWriteAttempts bounds read-decide-write rounds before a StaleWriteError.
const maxWriteAttempts = 2

// Result is the outcome of one Record call.
// Latest is nil when the trigger has never alerted and no alert was written.
type Result struct {
	Latest  *domain.Alert
	Created bool
}

// Ledger serialises per-trigger verdicts and appends alerts on state changes.
// Params: alert store, per-trigger locker, and logger.
// Returns: edge-triggered alert writer.
type Ledger struct {
	store  Store
	locker Locker
	logger *slog.Logger
}

// New builds a ledger. A nil locker falls back to an in-process keyed mutex.
func New(store Store, locker Locker, logger *slog.Logger) *Ledger {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, locker: locker, logger: logger}
}

// NeedsTransition reports whether a verdict differs from the prior alert state.
// Params: latest alert (nil when none) and current verdict.
// Returns: true when a new alert must be written.
func NeedsTransition(prior *domain.Alert, inAlarm bool) bool {
	if inAlarm {
		return prior == nil || !prior.InAlarm
	}
	return prior != nil && prior.InAlarm
}

// Record applies one verdict for a trigger.
// Params: trigger id, verdict, evaluation instant, and message used if an alert is written.
// Returns: latest alert and whether it was created here; *domain.StaleWriteError after repeated conflicts.
func (l *Ledger) Record(ctx context.Context, triggerID string, inAlarm bool, at time.Time, message string) (Result, error) {
	unlock, err := l.locker.Lock(ctx, triggerID)
	if err != nil {
		return Result{}, fmt.Errorf("lock trigger %q: %w", triggerID, err)
	}
	defer unlock()

	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		latest, revision, err := l.store.Latest(ctx, triggerID)
		var prior *domain.Alert
		switch {
		case err == nil:
			prior = &latest
		case errors.Is(err, ErrNotFound):
		default:
			return Result{}, fmt.Errorf("read latest alert: %w", err)
		}

		if !NeedsTransition(prior, inAlarm) {
			return Result{Latest: prior}, nil
		}
		if prior != nil && at.Before(prior.Timestamp) {
			l.logger.Warn("verdict older than latest alert ignored",
				"trigger", triggerID,
				"at", at,
				"latest_at", prior.Timestamp,
			)
			return Result{Latest: prior}, nil
		}

		created, _, err := l.store.Append(ctx, domain.Alert{
			TriggerID: triggerID,
			Timestamp: at,
			Message:   message,
			InAlarm:   inAlarm,
		}, revision)
		if err == nil {
			return Result{Latest: &created, Created: true}, nil
		}
		if !errors.Is(err, ErrConflict) {
			return Result{}, fmt.Errorf("append alert: %w", err)
		}
		l.logger.Debug("alert append conflict", "trigger", triggerID, "attempt", attempt)
	}
	return Result{}, &domain.StaleWriteError{TriggerID: triggerID}
}

// History lists a trigger's alerts newest first.
func (l *Ledger) History(ctx context.Context, triggerID string, limit int) ([]domain.Alert, error) {
	return l.store.History(ctx, triggerID, limit)
}
