package config

import "strings"

// applyDefaults fills omitted values and fixed runtime names.
// Params: cfg pointer to decoded snapshot.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	if cfg.Service.ReloadIntervalSec <= 0 {
		cfg.Service.ReloadIntervalSec = defaultReloadSeconds
	}
	if cfg.Service.Concurrency <= 0 {
		cfg.Service.Concurrency = defaultConcurrency
	}
	if cfg.Service.FetchTimeoutSec <= 0 {
		cfg.Service.FetchTimeoutSec = defaultFetchTimeoutSec
	}
	if cfg.Service.NotifyTimeoutSec <= 0 {
		cfg.Service.NotifyTimeoutSec = defaultNotifyTimeoutSec
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		cfg.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.HTTP.HealthPath) == "" {
		cfg.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.HTTP.ReadyPath) == "" {
		cfg.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.HTTP.MeasurementsPath) == "" {
		cfg.HTTP.MeasurementsPath = defaultMeasurementsPath
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		cfg.HTTP.MaxBodyBytes = defaultMaxBodyBytes
	}

	if strings.TrimSpace(cfg.Scheduler.Schedule) == "" {
		cfg.Scheduler.Schedule = defaultSchedule
	}
	if cfg.Scheduler.AlignSec <= 0 {
		cfg.Scheduler.AlignSec = defaultAlignSec
	}

	cfg.NATS.URL = normalizeNATSURLs(cfg.NATS.URL)
	if len(cfg.NATS.URL) == 0 {
		cfg.NATS.URL = []string{defaultNATSURL}
	}

	cfg.Measurements.Driver = strings.ToLower(strings.TrimSpace(cfg.Measurements.Driver))
	if cfg.Measurements.Driver == "" {
		cfg.Measurements.Driver = MeasurementsDriverMemory
	}
	if strings.TrimSpace(cfg.Measurements.Table) == "" {
		cfg.Measurements.Table = defaultMeasurementsTable
	}

	cfg.Ledger.Backend = strings.ToLower(strings.TrimSpace(cfg.Ledger.Backend))
	if cfg.Ledger.Backend == "" {
		cfg.Ledger.Backend = LedgerBackendMemory
	}
	cfg.Ledger.Lock = strings.ToLower(strings.TrimSpace(cfg.Ledger.Lock))
	if cfg.Ledger.Lock == "" {
		cfg.Ledger.Lock = LockLocal
	}
	if cfg.Ledger.LockTTLMS <= 0 {
		cfg.Ledger.LockTTLMS = defaultLockTTLMS
	}
	if cfg.Ledger.LockBackoffMS <= 0 {
		cfg.Ledger.LockBackoffMS = defaultLockBackoffMS
	}
	if strings.TrimSpace(cfg.Ledger.NATS.Bucket) == "" {
		cfg.Ledger.NATS.Bucket = defaultLedgerBucket
	}
	if cfg.Ledger.NATS.History <= 0 {
		cfg.Ledger.NATS.History = defaultLedgerHistory
	}

	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = defaultRedisPrefix
	}
	cfg.Recipients.Store = strings.ToLower(strings.TrimSpace(cfg.Recipients.Store))
	if cfg.Recipients.Store == "" {
		cfg.Recipients.Store = RecipientsStoreMemory
	}

	cfg.Unsubscribe.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Unsubscribe.BaseURL), "/")
	if cfg.Unsubscribe.BaseURL == "" {
		cfg.Unsubscribe.BaseURL = defaultUnsubscribeBaseURL
	}
	if cfg.Unsubscribe.MaxBodyBytes <= 0 {
		cfg.Unsubscribe.MaxBodyBytes = 64 << 10
	}

	cfg.Notify.Sender = strings.ToLower(strings.TrimSpace(cfg.Notify.Sender))
	if cfg.Notify.Sender == "" {
		cfg.Notify.Sender = SenderLog
	}
	if strings.TrimSpace(cfg.Notify.SubjectTemplate) == "" {
		cfg.Notify.SubjectTemplate = DefaultSubjectTemplate
	}
	if strings.TrimSpace(cfg.Notify.BodyTemplate) == "" {
		cfg.Notify.BodyTemplate = DefaultBodyTemplate
	}
	fillNotifyRetryDefaults(&cfg.Notify.Retry)
	if cfg.Notify.HTTP.Method == "" {
		cfg.Notify.HTTP.Method = "POST"
	}
	if cfg.Notify.HTTP.TimeoutSec <= 0 {
		cfg.Notify.HTTP.TimeoutSec = defaultHTTPNotifierTimeout
	}
	if cfg.Notify.SMTP.Port <= 0 {
		cfg.Notify.SMTP.Port = defaultSMTPPort
	}

	queue := &cfg.Notify.Queue
	queue.Subject = defaultNotifySubject
	queue.Stream = defaultNotifyStream
	queue.ConsumerName = defaultNotifyConsumer
	queue.DeliverGroup = defaultNotifyGroup
	queue.DLQSubject = defaultNotifyDLQSubject
	queue.DLQStream = defaultNotifyDLQStream
	if queue.AckWaitSec <= 0 {
		queue.AckWaitSec = defaultNATSAckWaitSec
	}
	if queue.NackDelayMS == 0 {
		queue.NackDelayMS = defaultNATSNackDelayMS
	}
	if queue.MaxDeliver == 0 {
		queue.MaxDeliver = defaultNATSMaxDeliver
	}
	if queue.MaxAckPending <= 0 {
		queue.MaxAckPending = defaultNATSMaxAckPending
	}

	ingest := &cfg.Ingest.NATS
	ingest.Subject = defaultIngestSubject
	ingest.Stream = defaultIngestStream
	ingest.ConsumerName = defaultIngestConsumer
	ingest.DeliverGroup = defaultIngestGroup
	if ingest.AckWaitSec <= 0 {
		ingest.AckWaitSec = defaultNATSAckWaitSec
	}
	if ingest.NackDelayMS == 0 {
		ingest.NackDelayMS = defaultNATSNackDelayMS
	}
	if ingest.MaxDeliver == 0 {
		ingest.MaxDeliver = defaultNATSMaxDeliver
	}
	if ingest.MaxAckPending <= 0 {
		ingest.MaxAckPending = defaultNATSMaxAckPending
	}

	for i := range cfg.Monitor {
		for j := range cfg.Monitor[i].Trigger {
			trigger := &cfg.Monitor[i].Trigger[j]
			if trigger.Level == 0 {
				trigger.Level = 1
			}
		}
	}
}

// fillNotifyRetryDefaults normalizes retry policy fields.
// Params: retry policy pointer.
// Returns: policy defaults applied in place.
func fillNotifyRetryDefaults(retry *NotifyRetry) {
	if retry == nil {
		return
	}
	if retry.Backoff == "" {
		retry.Backoff = "exponential"
	}
	if retry.InitialMS <= 0 {
		retry.InitialMS = 500
	}
	if retry.MaxMS <= 0 {
		retry.MaxMS = 60000
	}
}

// DefaultSubjectTemplate renders the notification subject.
const DefaultSubjectTemplate = `[DQ L{{ .Level }}] {{ if .InAlarm }}ALARM{{ else }}OK{{ end }}: {{ .MonitorName }} / {{ .TriggerName }}`

// DefaultBodyTemplate renders the notification body.
const DefaultBodyTemplate = `{{ .Message }}

Monitor:   {{ .MonitorName }} ({{ .MonitorID }})
Metric:    {{ .Metric }}
Condition: {{ .Condition }}
Time:      {{ fmtTime .Timestamp }}
Breaching: {{ len .BreachingChannels }} of {{ .TotalChannels }}{{ if .BreachingChannels }} ({{ join .BreachingChannels ", " }}){{ end }}

To stop receiving alerts for this trigger: {{ .UnsubscribeLink }}
`
