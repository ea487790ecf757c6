package notify

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"dqalarm/internal/domain"
	"dqalarm/internal/templatefmt"
)

// Email is one rendered message for one recipient.
type Email struct {
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	TriggerID string `json:"trigger_id"`
	AlertID   uint64 `json:"alert_id"`
	InAlarm   bool   `json:"in_alarm"`
}

// Sender delivers one email over one transport.
type Sender interface {
	Name() string
	Send(ctx context.Context, email Email) error
}

// Delivery hands a rendered email to a sender, directly or through a queue.
type Delivery interface {
	Deliver(ctx context.Context, email Email) error
}

// Renderer turns notifications into emails with the configured templates.
// Params: compiled subject and body templates.
// Returns: per-recipient rendering helper.
type Renderer struct {
	subject *template.Template
	body    *template.Template
}

// NewRenderer compiles subject and body templates with the shared helpers.
func NewRenderer(subject, body string) (*Renderer, error) {
	subjectTmpl, err := templatefmt.ParseNotificationTemplate("subject", strings.TrimSpace(subject))
	if err != nil {
		return nil, fmt.Errorf("parse subject template: %w", err)
	}
	bodyTmpl, err := templatefmt.ParseNotificationTemplate("body", body)
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	return &Renderer{subject: subjectTmpl, body: bodyTmpl}, nil
}

// Render executes both templates for one recipient.
// Returns: email with a single-line subject or the template error.
func (r *Renderer) Render(notification domain.Notification) (Email, error) {
	subject, err := execute(r.subject, notification)
	if err != nil {
		return Email{}, fmt.Errorf("render subject: %w", err)
	}
	body, err := execute(r.body, notification)
	if err != nil {
		return Email{}, fmt.Errorf("render body: %w", err)
	}
	return Email{
		To:        notification.Recipient,
		Subject:   strings.Join(strings.Fields(subject), " "),
		Body:      body,
		TriggerID: notification.TriggerID,
		AlertID:   notification.AlertID,
		InAlarm:   notification.InAlarm,
	}, nil
}

func execute(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
