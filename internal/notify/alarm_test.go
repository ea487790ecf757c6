package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"dqalarm/internal/config"
	"dqalarm/internal/domain"
	"dqalarm/internal/engine"
	"dqalarm/internal/recipients"
	"dqalarm/internal/unsubscribe"
)

type failingDelivery struct {
	failFor string
	inner   Delivery
}

func (d failingDelivery) Deliver(ctx context.Context, email Email) error {
	if email.To == d.failFor {
		return errors.New("relay down")
	}
	return d.inner.Deliver(ctx, email)
}

func alarmEvent() engine.AlarmEvent {
	monitor := &domain.Monitor{
		ID:     "lat",
		Name:   "Latency AK",
		Metric: domain.Metric{ID: "latency", Name: "Latency"},
		Stat:   domain.StatP95,
	}
	val2 := 5.0
	trigger := &domain.Trigger{
		ID:            "lat.band",
		MonitorID:     "lat",
		Name:          "band",
		Val1:          2,
		Val2:          &val2,
		ValueOperator: domain.ValueOutsideOf,
		Level:         2,
		Emails:        []string{"a@example.org", "b@example.org", "c@example.org"},
	}
	monitor.Triggers = []*domain.Trigger{trigger}
	return engine.AlarmEvent{
		Monitor: monitor,
		Trigger: trigger,
		Alert: domain.Alert{
			ID:        11,
			TriggerID: trigger.ID,
			Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
			Message:   "Latency AK / band entered alarm: 1 of 2 channels breaching p95 outside_of (2, 5)",
			InAlarm:   true,
		},
		Breaching: []string{"AK.A.00.BHZ"},
		Total:     2,
	}
}

func newTestNotifier(t *testing.T, store recipients.Store, delivery Delivery) (*AlarmNotifier, *unsubscribe.TokenService) {
	t.Helper()
	tokens, err := unsubscribe.NewTokenService("secret", "https://dq.example.org/unsubscribe")
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	renderer, err := NewRenderer(config.DefaultSubjectTemplate, config.DefaultBodyTemplate)
	if err != nil {
		t.Fatalf("renderer: %v", err)
	}
	return NewAlarmNotifier(recipients.NewDirectory(store), tokens, renderer, delivery, discardLogger()), tokens
}

func TestAlarmNotifierSkipsUnsubscribedRecipients(t *testing.T) {
	t.Parallel()

	store := recipients.NewMemoryStore()
	if err := store.Remove(context.Background(), "b@example.org", "lat.band"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	sender := &captureSender{}
	notifier, tokens := newTestNotifier(t, store, NewDispatcher(sender, config.NotifyRetry{}, discardLogger()))

	if err := notifier.NotifyAlarm(context.Background(), alarmEvent()); err != nil {
		t.Fatalf("notify: %v", err)
	}

	emails := sender.emails()
	if len(emails) != 2 || emails[0].To != "a@example.org" || emails[1].To != "c@example.org" {
		t.Fatalf("unexpected recipients %+v", emails)
	}
	first := emails[0]
	if first.Subject != "[DQ L2] ALARM: Latency AK / band" {
		t.Fatalf("unexpected subject %q", first.Subject)
	}
	link, err := tokens.IssueLink("lat.band", "a@example.org")
	if err != nil {
		t.Fatalf("issue link: %v", err)
	}
	for _, want := range []string{"Breaching: 1 of 2 (AK.A.00.BHZ)", "Time:      2024-03-01T12:00:00Z", link} {
		if !strings.Contains(first.Body, want) {
			t.Fatalf("expected %q in body:\n%s", want, first.Body)
		}
	}
	if first.TriggerID != "lat.band" || first.AlertID != 11 || !first.InAlarm {
		t.Fatalf("unexpected email metadata %+v", first)
	}
}

func TestAlarmNotifierContinuesAfterRecipientFailure(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	delivery := failingDelivery{failFor: "a@example.org", inner: NewDispatcher(sender, config.NotifyRetry{}, discardLogger())}
	notifier, _ := newTestNotifier(t, recipients.NewMemoryStore(), delivery)

	err := notifier.NotifyAlarm(context.Background(), alarmEvent())
	if err == nil || !strings.Contains(err.Error(), "a@example.org: relay down") {
		t.Fatalf("expected joined recipient error, got %v", err)
	}
	if got := len(sender.emails()); got != 2 {
		t.Fatalf("expected remaining recipients delivered, got %d", got)
	}
}

func TestAlarmNotifierNoRecipients(t *testing.T) {
	t.Parallel()

	store := recipients.NewMemoryStore()
	for _, email := range []string{"a@example.org", "b@example.org", "c@example.org"} {
		if err := store.Remove(context.Background(), email, "lat.band"); err != nil {
			t.Fatalf("remove: %v", err)
		}
	}
	sender := &captureSender{}
	notifier, _ := newTestNotifier(t, store, NewDispatcher(sender, config.NotifyRetry{}, discardLogger()))
	if err := notifier.NotifyAlarm(context.Background(), alarmEvent()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(sender.emails()) != 0 {
		t.Fatalf("expected no deliveries")
	}
}

func TestRendererRejectsUnknownField(t *testing.T) {
	t.Parallel()

	renderer, err := NewRenderer("{{ .Nope }}", "body")
	if err != nil {
		t.Fatalf("renderer: %v", err)
	}
	if _, err := renderer.Render(domain.Notification{}); err == nil {
		t.Fatalf("expected render error for unknown field")
	}
}
