package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"dqalarm/internal/domain"
	"dqalarm/internal/templatefmt"

	"github.com/robfig/cron/v3"
)

// validateConfig validates full runtime configuration.
// Params: cfg snapshot to validate.
// Returns: first failing field as error; monitor definitions fail as *domain.ConfigurationError.
func validateConfig(cfg Config) error {
	if cfg.Service.Concurrency <= 0 {
		return errors.New("service.concurrency must be >0")
	}
	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}
	for _, path := range []struct{ field, value string }{
		{"http.health_path", cfg.HTTP.HealthPath},
		{"http.ready_path", cfg.HTTP.ReadyPath},
		{"http.measurements_path", cfg.HTTP.MeasurementsPath},
	} {
		if !strings.HasPrefix(path.value, "/") {
			return fmt.Errorf("%s must start with /", path.field)
		}
	}
	if cfg.Scheduler.Enabled {
		if _, err := cron.ParseStandard(cfg.Scheduler.Schedule); err != nil {
			return fmt.Errorf("scheduler.schedule is invalid: %w", err)
		}
	}
	for i, u := range cfg.NATS.URL {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("nats.url[%d] is empty", i)
		}
	}

	switch cfg.Measurements.Driver {
	case MeasurementsDriverMemory:
		if cfg.Measurements.RetentionSec < 0 {
			return errors.New("measurements.retention_sec must be >=0")
		}
	case MeasurementsDriverPostgres, MeasurementsDriverPGX:
		if strings.TrimSpace(cfg.Measurements.DSN) == "" {
			return fmt.Errorf("measurements.dsn is required when measurements.driver=%s", cfg.Measurements.Driver)
		}
	default:
		return fmt.Errorf("measurements.driver has unsupported value %q", cfg.Measurements.Driver)
	}

	switch cfg.Ledger.Backend {
	case LedgerBackendMemory:
	case LedgerBackendNATS:
		if cfg.Ledger.NATS.History > 64 {
			return errors.New("ledger.nats.history must be <=64")
		}
	case LedgerBackendPostgres:
		if strings.TrimSpace(cfg.Ledger.Postgres.DSN) == "" {
			return errors.New("ledger.postgres.dsn is required when ledger.backend=postgres")
		}
	default:
		return fmt.Errorf("ledger.backend has unsupported value %q", cfg.Ledger.Backend)
	}
	switch cfg.Ledger.Lock {
	case LockLocal, LockRedis:
	default:
		return fmt.Errorf("ledger.lock has unsupported value %q", cfg.Ledger.Lock)
	}
	switch cfg.Recipients.Store {
	case RecipientsStoreMemory, RecipientsStoreRedis:
	default:
		return fmt.Errorf("recipients.store has unsupported value %q", cfg.Recipients.Store)
	}
	if cfg.UsesRedis() && len(cfg.Redis.Addrs) == 0 {
		return errors.New("redis.addrs is required when ledger.lock=redis or recipients.store=redis")
	}

	if strings.TrimSpace(cfg.Unsubscribe.Secret) == "" {
		return errors.New("unsubscribe.secret is required")
	}
	if parsed, err := url.Parse(cfg.Unsubscribe.BaseURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("unsubscribe.base_url must be an absolute URL, got %q", cfg.Unsubscribe.BaseURL)
	}

	if err := validateNotify(cfg.Notify); err != nil {
		return err
	}
	if err := validateNATSConsumer("ingest.nats", cfg.Ingest.NATS.Enabled, cfg.Ingest.NATS.NackDelayMS, cfg.Ingest.NATS.MaxDeliver); err != nil {
		return err
	}

	if len(cfg.Monitor) == 0 {
		return errors.New("at least one monitor is required")
	}
	if _, err := BuildCatalog(cfg); err != nil {
		return err
	}
	return nil
}

// validateNotify checks sender settings, retry policy, queue and templates.
func validateNotify(cfg NotifyConfig) error {
	switch cfg.Sender {
	case SenderLog:
	case SenderHTTP:
		if strings.TrimSpace(cfg.HTTP.URL) == "" {
			return errors.New("notify.http.url is required when notify.sender=http")
		}
	case SenderSMTP:
		if strings.TrimSpace(cfg.SMTP.Host) == "" {
			return errors.New("notify.smtp.host is required when notify.sender=smtp")
		}
		if _, err := domain.ValidateEmails("notify.smtp.from", []string{cfg.SMTP.From}); err != nil {
			return err
		}
	default:
		return fmt.Errorf("notify.sender has unsupported value %q", cfg.Sender)
	}
	switch cfg.Retry.Backoff {
	case "exponential", "constant":
	default:
		return fmt.Errorf("notify.retry.backoff has unsupported value %q", cfg.Retry.Backoff)
	}
	if cfg.Retry.MaxAttempts < 0 {
		return errors.New("notify.retry.max_attempts must be >=0")
	}
	if cfg.Retry.MaxMS < cfg.Retry.InitialMS {
		return errors.New("notify.retry.max_ms must be >= notify.retry.initial_ms")
	}
	if err := validateNATSConsumer("notify.queue", cfg.Queue.Enabled, cfg.Queue.NackDelayMS, cfg.Queue.MaxDeliver); err != nil {
		return err
	}
	if cfg.Queue.DLQ && !cfg.Queue.Enabled {
		return errors.New("notify.queue.dlq requires notify.queue.enabled=true")
	}
	if err := validateMessageTemplate("notify.subject_template", cfg.SubjectTemplate); err != nil {
		return err
	}
	return validateMessageTemplate("notify.body_template", cfg.BodyTemplate)
}

func validateNATSConsumer(path string, enabled bool, nackDelayMS, maxDeliver int) error {
	if !enabled {
		return nil
	}
	if nackDelayMS < 0 {
		return fmt.Errorf("%s.nack_delay_ms must be >=0", path)
	}
	if maxDeliver == 0 || maxDeliver < -1 {
		return fmt.Errorf("%s.max_deliver must be -1 or >0", path)
	}
	return nil
}

// validateMessageTemplate checks one notification template body by rendering a sample.
// Params: field path and template body.
// Returns: parse/render error.
func validateMessageTemplate(path, body string) error {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return fmt.Errorf("%s is required", path)
	}
	tmpl, err := templatefmt.ParseNotificationTemplate(path, trimmed)
	if err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	sample := domain.Notification{
		MonitorID:         "m",
		MonitorName:       "m",
		TriggerID:         "m.t",
		TriggerName:       "t",
		Level:             1,
		InAlarm:           true,
		Timestamp:         time.Unix(0, 0).UTC(),
		BreachingChannels: []string{"c"},
		TotalChannels:     1,
	}
	if err := tmpl.Execute(io.Discard, sample); err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	return nil
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}

	return nil
}
