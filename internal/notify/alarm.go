package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"dqalarm/internal/domain"
	"dqalarm/internal/engine"
)

// RecipientSource lists the current recipients of a trigger.
type RecipientSource interface {
	Recipients(ctx context.Context, trigger *domain.Trigger) ([]string, error)
}

// LinkIssuer mints the per-recipient unsubscribe link.
type LinkIssuer interface {
	IssueLink(triggerID, email string) (string, error)
}

// AlarmNotifier fans one alarm event out to every subscribed recipient.
// Params: recipient source, link issuer, renderer, delivery and logger.
// Returns: engine.Notifier implementation.
type AlarmNotifier struct {
	recipients RecipientSource
	links      LinkIssuer
	renderer   *Renderer
	delivery   Delivery
	logger     *slog.Logger
}

// NewAlarmNotifier wires the notifier.
func NewAlarmNotifier(recipients RecipientSource, links LinkIssuer, renderer *Renderer, delivery Delivery, logger *slog.Logger) *AlarmNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &AlarmNotifier{
		recipients: recipients,
		links:      links,
		renderer:   renderer,
		delivery:   delivery,
		logger:     logger,
	}
}

// NotifyAlarm renders and delivers one email per recipient that has not unsubscribed.
// A failed recipient does not stop delivery to the others.
// Returns: joined per-recipient errors, or nil.
func (n *AlarmNotifier) NotifyAlarm(ctx context.Context, event engine.AlarmEvent) error {
	recipients, err := n.recipients.Recipients(ctx, event.Trigger)
	if err != nil {
		return fmt.Errorf("list recipients of %s: %w", event.Trigger.ID, err)
	}
	if len(recipients) == 0 {
		n.logger.Debug("no recipients for alert", "trigger", event.Trigger.ID, "alert_id", event.Alert.ID)
		return nil
	}

	var errs []error
	for _, recipient := range recipients {
		if err := n.notifyOne(ctx, event, recipient); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", recipient, err))
		}
	}
	return errors.Join(errs...)
}

func (n *AlarmNotifier) notifyOne(ctx context.Context, event engine.AlarmEvent, recipient string) error {
	link, err := n.links.IssueLink(event.Trigger.ID, recipient)
	if err != nil {
		return fmt.Errorf("issue unsubscribe link: %w", err)
	}
	email, err := n.renderer.Render(BuildNotification(event, recipient, link))
	if err != nil {
		return err
	}
	if err := n.delivery.Deliver(ctx, email); err != nil {
		return err
	}
	return nil
}

// BuildNotification assembles template data for one recipient.
func BuildNotification(event engine.AlarmEvent, recipient, link string) domain.Notification {
	monitor, trigger := event.Monitor, event.Trigger
	name := monitor.Name
	if name == "" {
		name = monitor.ID
	}
	metric := monitor.Metric.Name
	if metric == "" {
		metric = monitor.Metric.ID
	}
	return domain.Notification{
		MonitorID:         monitor.ID,
		MonitorName:       name,
		TriggerID:         trigger.ID,
		TriggerName:       trigger.Name,
		Level:             trigger.Level,
		Metric:            metric,
		Condition:         trigger.Condition(monitor.Stat),
		InAlarm:           event.Alert.InAlarm,
		Message:           event.Alert.Message,
		AlertID:           event.Alert.ID,
		Timestamp:         event.Alert.Timestamp,
		BreachingChannels: append([]string(nil), event.Breaching...),
		TotalChannels:     event.Total,
		Recipient:         recipient,
		UnsubscribeLink:   link,
	}
}
