package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dqalarm/internal/config"
	"dqalarm/internal/permanent"
)

// Dispatcher delivers emails through one sender with the configured retries/backoff.
// Params: sender, retry policy and logger.
// Returns: synchronous Delivery used directly or by the notify queue worker.
type Dispatcher struct {
	sender Sender
	retry  config.NotifyRetry
	logger *slog.Logger
}

// NewDispatcher builds a dispatcher around one sender.
func NewDispatcher(sender Sender, retry config.NotifyRetry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{sender: sender, retry: retry, logger: logger}
}

// Deliver sends one email, retrying transient failures.
// Returns: nil on success, the last error otherwise; permanent errors stay marked.
func (d *Dispatcher) Deliver(ctx context.Context, email Email) error {
	return d.sendWithRetry(ctx, email)
}

// Sender returns the wrapped transport.
func (d *Dispatcher) Sender() Sender {
	return d.sender
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, email Email) error {
	retry := d.retry
	if !retry.Enabled {
		return d.sender.Send(ctx, email)
	}

	attempt := 0
	backoff := time.Duration(retry.InitialMS) * time.Millisecond
	maxBackoff := time.Duration(retry.MaxMS) * time.Millisecond
	var timer *time.Timer
	stopTimer := func() {
		if timer != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}

	for {
		attempt++
		err := d.sender.Send(ctx, email)
		if err == nil {
			stopTimer()
			if retry.LogEachAttempt && attempt > 1 {
				d.logger.Info("notify send recovered after retries", "sender", d.sender.Name(), "trigger", email.TriggerID, "attempt", attempt)
			}
			return nil
		}
		if retry.LogEachAttempt {
			d.logger.Warn("notify send attempt failed", "sender", d.sender.Name(), "trigger", email.TriggerID, "attempt", attempt, "error", err.Error())
		}
		if permanent.Is(err) {
			stopTimer()
			return err
		}
		if retry.MaxAttempts > 0 && attempt >= retry.MaxAttempts {
			stopTimer()
			return fmt.Errorf("sender %s failed after %d attempts: %w", d.sender.Name(), attempt, err)
		}

		if timer == nil {
			timer = time.NewTimer(backoff)
		} else {
			stopTimer()
			timer.Reset(backoff)
		}
		select {
		case <-ctx.Done():
			stopTimer()
			return ctx.Err()
		case <-timer.C:
		}

		if strings.EqualFold(retry.Backoff, "exponential") {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}
