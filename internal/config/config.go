package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName         = "dqalarm"
	defaultHTTPListen          = ":8080"
	defaultHealthPath          = "/healthz"
	defaultReadyPath           = "/readyz"
	defaultMeasurementsPath    = "/measurements"
	defaultMaxBodyBytes        = 2 << 20
	defaultReloadSeconds       = 30
	defaultConcurrency         = 8
	defaultFetchTimeoutSec     = 30
	defaultNotifyTimeoutSec    = 30
	defaultSchedule            = "@every 1m"
	defaultAlignSec            = 60
	defaultMeasurementsTable   = "measurements"
	defaultNATSURL             = "nats://127.0.0.1:4222"
	defaultLedgerBucket        = "dqalarm_alerts"
	defaultLedgerHistory       = 64
	defaultLockTTLMS           = 10000
	defaultLockBackoffMS       = 50
	defaultRedisPrefix         = "dqalarm:"
	defaultUnsubscribeBaseURL  = "http://localhost:8080/unsubscribe"
	defaultNATSAckWaitSec      = 30
	defaultNATSNackDelayMS     = 1000
	defaultNATSMaxDeliver      = -1
	defaultNATSMaxAckPending   = 2048
	defaultIngestSubject       = "dqalarm.measurements"
	defaultIngestStream        = "DQALARM_MEASUREMENTS"
	defaultIngestConsumer      = "dqalarm-ingest"
	defaultIngestGroup         = "dqalarm-ingest-workers"
	defaultNotifySubject       = "dqalarm.notify"
	defaultNotifyStream        = "DQALARM_NOTIFY"
	defaultNotifyConsumer      = "dqalarm-notify"
	defaultNotifyGroup         = "dqalarm-notify-workers"
	defaultNotifyDLQSubject    = "dqalarm.notify.dlq"
	defaultNotifyDLQStream     = "DQALARM_NOTIFY_DLQ"
	defaultHTTPNotifierTimeout = 10
	defaultSMTPPort            = 25

	// MeasurementsDriverMemory keeps measurements in process, fed by ingest.
	MeasurementsDriverMemory = "memory"
	// MeasurementsDriverPostgres reads through database/sql with lib/pq.
	MeasurementsDriverPostgres = "postgres"
	// MeasurementsDriverPGX reads through database/sql with the pgx stdlib driver.
	MeasurementsDriverPGX = "pgx"

	// LedgerBackendMemory keeps alerts in process.
	LedgerBackendMemory = "memory"
	// LedgerBackendNATS keeps alerts in a JetStream KV bucket.
	LedgerBackendNATS = "nats"
	// LedgerBackendPostgres keeps alerts in a Postgres table.
	LedgerBackendPostgres = "postgres"

	// LockLocal serialises trigger writes inside one process.
	LockLocal = "local"
	// LockRedis serialises trigger writes across instances.
	LockRedis = "redis"

	// RecipientsStoreMemory keeps unsubscribe removals in process.
	RecipientsStoreMemory = "memory"
	// RecipientsStoreRedis keeps unsubscribe removals in Redis sets.
	RecipientsStoreRedis = "redis"

	// SenderLog writes rendered emails to the logger.
	SenderLog = "log"
	// SenderHTTP posts rendered emails to a relay as JSON.
	SenderHTTP = "http"
	// SenderSMTP delivers rendered emails over SMTP.
	SenderSMTP = "smtp"
)

// Config holds service runtime settings and monitor definitions.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service      ServiceConfig      `toml:"service"`
	Log          LogConfig          `toml:"log"`
	HTTP         HTTPConfig         `toml:"http"`
	Scheduler    SchedulerConfig    `toml:"scheduler"`
	NATS         NATSConfig         `toml:"nats"`
	Measurements MeasurementsConfig `toml:"measurements"`
	Ledger       LedgerConfig       `toml:"ledger"`
	Redis        RedisConfig        `toml:"redis"`
	Recipients   RecipientsConfig   `toml:"recipients"`
	Unsubscribe  UnsubscribeConfig  `toml:"unsubscribe"`
	Notify       NotifyConfig       `toml:"notify"`
	Ingest       IngestConfig       `toml:"ingest"`

	Metric       []MetricConfig       `toml:"-"`
	ChannelGroup []ChannelGroupConfig `toml:"-"`
	Monitor      []MonitorConfig      `toml:"-"`
}

// rawConfig mirrors the TOML model before named tables are flattened.
type rawConfig struct {
	Service      ServiceConfig      `toml:"service"`
	Log          LogConfig          `toml:"log"`
	HTTP         HTTPConfig         `toml:"http"`
	Scheduler    SchedulerConfig    `toml:"scheduler"`
	NATS         NATSConfig         `toml:"nats"`
	Measurements MeasurementsConfig `toml:"measurements"`
	Ledger       LedgerConfig       `toml:"ledger"`
	Redis        RedisConfig        `toml:"redis"`
	Recipients   RecipientsConfig   `toml:"recipients"`
	Unsubscribe  UnsubscribeConfig  `toml:"unsubscribe"`
	Notify       NotifyConfig       `toml:"notify"`
	Ingest       IngestConfig       `toml:"ingest"`

	Metric       map[string]MetricConfig       `toml:"metric"`
	ChannelGroup map[string]ChannelGroupConfig `toml:"channel_group"`
	Monitor      map[string]rawMonitorConfig   `toml:"monitor"`
}

// rawMonitorConfig stores one `[monitor.<id>]` body with its trigger tables.
type rawMonitorConfig struct {
	Name          string                   `toml:"name"`
	Metric        string                   `toml:"metric"`
	ChannelGroup  string                   `toml:"channel_group"`
	IntervalType  string                   `toml:"interval_type"`
	IntervalCount int                      `toml:"interval_count"`
	Stat          string                   `toml:"stat"`
	Trigger       map[string]TriggerConfig `toml:"trigger"`
}

// ServiceConfig contains process-level settings.
// Params: name, reload policy, monitor fan-out and collaborator timeouts.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name              string `toml:"name"`
	ReloadEnabled     bool   `toml:"reload_enabled"`
	ReloadIntervalSec int    `toml:"reload_interval_sec"`
	Concurrency       int    `toml:"concurrency"`
	FetchTimeoutSec   int    `toml:"fetch_timeout_sec"`
	NotifyTimeoutSec  int    `toml:"notify_timeout_sec"`
}

// LogConfig contains console/file logging sinks.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// HTTPConfig configures the service HTTP listener.
// Params: listen address, probe paths, measurement ingest path and body limit.
// Returns: HTTP surface behavior.
type HTTPConfig struct {
	Enabled          bool   `toml:"enabled"`
	Listen           string `toml:"listen"`
	HealthPath       string `toml:"health_path"`
	ReadyPath        string `toml:"ready_path"`
	MeasurementsPath string `toml:"measurements_path"`
	MaxBodyBytes     int64  `toml:"max_body_bytes"`
}

// SchedulerConfig configures the periodic evaluation tick.
// Params: cron spec and endtime alignment in seconds.
// Returns: scheduler behavior.
type SchedulerConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"`
	AlignSec int    `toml:"align_sec"`
}

// NATSConfig is the connection shared by the NATS ledger, notify queue and measurement ingest.
type NATSConfig struct {
	URL []string `toml:"url"`
}

// MeasurementsConfig selects the measurement source.
type MeasurementsConfig struct {
	Driver       string `toml:"driver"`
	DSN          string `toml:"dsn"`
	Table        string `toml:"table"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
	RetentionSec int    `toml:"retention_sec"`
}

// LedgerConfig selects the alert store and the per-trigger lock.
// Params: backend name, backend settings, lock kind and timings.
// Returns: alert ledger wiring.
type LedgerConfig struct {
	Backend       string               `toml:"backend"`
	Lock          string               `toml:"lock"`
	LockTTLMS     int                  `toml:"lock_ttl_ms"`
	LockBackoffMS int                  `toml:"lock_backoff_ms"`
	NATS          LedgerNATSConfig     `toml:"nats"`
	Postgres      LedgerPostgresConfig `toml:"postgres"`
}

// LedgerNATSConfig configures the JetStream KV ledger bucket.
type LedgerNATSConfig struct {
	Bucket            string `toml:"bucket"`
	History           int    `toml:"history"`
	AllowCreateBucket bool   `toml:"allow_create_bucket"`
}

// LedgerPostgresConfig configures the Postgres ledger table.
type LedgerPostgresConfig struct {
	DSN          string `toml:"dsn"`
	EnsureSchema bool   `toml:"ensure_schema"`
}

// RedisConfig is the client shared by the recipients store and the Redis lock.
type RedisConfig struct {
	Addrs    []string `toml:"addrs"`
	Username string   `toml:"username"`
	Password string   `toml:"password"`
	DB       int      `toml:"db"`
	Prefix   string   `toml:"prefix"`
}

// RecipientsConfig selects where unsubscribe removals are kept.
type RecipientsConfig struct {
	Store string `toml:"store"`
}

// UnsubscribeConfig configures token signing and link building.
type UnsubscribeConfig struct {
	Secret       string `toml:"secret"`
	BaseURL      string `toml:"base_url"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// NotifyConfig defines outbound notification behavior.
// Params: sender kind, templates, retry policy, transport settings, and async queue.
// Returns: notification controls.
type NotifyConfig struct {
	Enabled         bool         `toml:"enabled"`
	Sender          string       `toml:"sender"`
	SubjectTemplate string       `toml:"subject_template"`
	BodyTemplate    string       `toml:"body_template"`
	Retry           NotifyRetry  `toml:"retry"`
	HTTP            HTTPNotifier `toml:"http"`
	SMTP            SMTPNotifier `toml:"smtp"`
	Queue           NotifyQueue  `toml:"queue"`
}

// NotifyRetry configures outbound delivery retries.
// Params: retry toggle, backoff, attempt limits, and logging.
// Returns: retry policy for notifications.
type NotifyRetry struct {
	Enabled        bool   `toml:"enabled"`
	Backoff        string `toml:"backoff"`
	InitialMS      int    `toml:"initial_ms"`
	MaxMS          int    `toml:"max_ms"`
	MaxAttempts    int    `toml:"max_attempts"`
	LogEachAttempt bool   `toml:"log_each_attempt"`
}

// HTTPNotifier configures the JSON mail relay sender.
type HTTPNotifier struct {
	URL        string            `toml:"url"`
	Method     string            `toml:"method"`
	Headers    map[string]string `toml:"headers"`
	TimeoutSec int               `toml:"timeout_sec"`
}

// SMTPNotifier configures the SMTP sender.
type SMTPNotifier struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	From     string `toml:"from"`
}

// NotifyQueue defines asynchronous delivery queue settings.
// Params: enable flag, worker/ack policy, and DLQ toggle; stream names are fixed.
// Returns: async notify pipeline controls.
type NotifyQueue struct {
	Enabled       bool   `toml:"enabled"`
	Subject       string `toml:"-"`
	Stream        string `toml:"-"`
	ConsumerName  string `toml:"-"`
	DeliverGroup  string `toml:"-"`
	DLQSubject    string `toml:"-"`
	DLQStream     string `toml:"-"`
	AckWaitSec    int    `toml:"ack_wait_sec"`
	NackDelayMS   int    `toml:"nack_delay_ms"`
	MaxDeliver    int    `toml:"max_deliver"`
	MaxAckPending int    `toml:"max_ack_pending"`
	DLQ           bool   `toml:"dlq"`
}

// IngestConfig defines inbound measurement interfaces besides HTTP.
type IngestConfig struct {
	NATS NATSIngestConfig `toml:"nats"`
}

// NATSIngestConfig configures JetStream queue-consumer ingestion of measurements.
// Params: enable flag and ack/redelivery policy; stream routing keys are runtime-fixed.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool   `toml:"enabled"`
	Subject       string `toml:"-"`
	Stream        string `toml:"-"`
	ConsumerName  string `toml:"-"`
	DeliverGroup  string `toml:"-"`
	AckWaitSec    int    `toml:"ack_wait_sec"`
	NackDelayMS   int    `toml:"nack_delay_ms"`
	MaxDeliver    int    `toml:"max_deliver"`
	MaxAckPending int    `toml:"max_ack_pending"`
}

// MetricConfig describes one `[metric.<id>]` table.
type MetricConfig struct {
	ID          string `toml:"-"`
	Name        string `toml:"name"`
	Unit        string `toml:"unit"`
	Code        string `toml:"code"`
	Description string `toml:"description"`
}

// ChannelGroupConfig describes one `[channel_group.<id>]` table.
type ChannelGroupConfig struct {
	ID       string   `toml:"-"`
	Name     string   `toml:"name"`
	Channels []string `toml:"channels"`
}

// MonitorConfig describes one monitor and its triggers.
// Params: metric and channel group references, interval, stat, triggers.
// Returns: monitor definition resolved by BuildCatalog.
type MonitorConfig struct {
	ID            string
	Name          string
	Metric        string
	ChannelGroup  string
	IntervalType  string
	IntervalCount int
	Stat          string
	Trigger       []TriggerConfig
}

// TriggerConfig describes one `[monitor.<id>.trigger.<name>]` table.
type TriggerConfig struct {
	Name                string   `toml:"-"`
	Val1                float64  `toml:"val1"`
	Val2                *float64 `toml:"val2"`
	ValueOperator       string   `toml:"value_operator"`
	NumChannels         *int     `toml:"num_channels"`
	NumChannelsOperator string   `toml:"num_channels_operator"`
	BandInclusive       bool     `toml:"band_inclusive"`
	Level               int      `toml:"level"`
	Emails              []string `toml:"emails"`
	AlertOnOutOfAlarm   bool     `toml:"alert_on_out_of_alarm"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes, defaults and validates one in-memory TOML document.
func Parse(body []byte) (Config, error) {
	raw, _, err := decodeRaw(body)
	if err != nil {
		return Config{}, err
	}
	cfg := normalizeRawConfig(raw)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeRaw decodes one TOML body and reports which top-level tables it sets.
func decodeRaw(body []byte) (rawConfig, map[string]struct{}, error) {
	var raw rawConfig
	if err := toml.Unmarshal(body, &raw); err != nil {
		return rawConfig{}, nil, err
	}
	var keys map[string]any
	if err := toml.Unmarshal(body, &keys); err != nil {
		return rawConfig{}, nil, err
	}
	present := make(map[string]struct{}, len(keys))
	for key := range keys {
		present[key] = struct{}{}
	}
	return raw, present, nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	raw, _, err := decodeRaw(body)
	if err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	return normalizeRawConfig(raw), nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged rawConfig
	for _, file := range files {
		body, err := os.ReadFile(file)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", file, err)
		}
		fragment, present, err := decodeRaw(body)
		if err != nil {
			return Config{}, fmt.Errorf("decode config file %q: %w", file, err)
		}
		if err := mergeRawConfig(&merged, fragment, present); err != nil {
			return Config{}, fmt.Errorf("merge config file %q: %w", file, err)
		}
	}
	return normalizeRawConfig(merged), nil
}

// mergeRawConfig overlays one fragment onto dst.
// Service tables present in the fragment replace earlier ones as a whole;
// named tables accumulate and must not repeat an id.
func mergeRawConfig(dst *rawConfig, src rawConfig, present map[string]struct{}) error {
	has := func(key string) bool {
		_, ok := present[key]
		return ok
	}
	if has("service") {
		dst.Service = src.Service
	}
	if has("log") {
		dst.Log = src.Log
	}
	if has("http") {
		dst.HTTP = src.HTTP
	}
	if has("scheduler") {
		dst.Scheduler = src.Scheduler
	}
	if has("nats") {
		dst.NATS = src.NATS
	}
	if has("measurements") {
		dst.Measurements = src.Measurements
	}
	if has("ledger") {
		dst.Ledger = src.Ledger
	}
	if has("redis") {
		dst.Redis = src.Redis
	}
	if has("recipients") {
		dst.Recipients = src.Recipients
	}
	if has("unsubscribe") {
		dst.Unsubscribe = src.Unsubscribe
	}
	if has("notify") {
		dst.Notify = src.Notify
	}
	if has("ingest") {
		dst.Ingest = src.Ingest
	}

	if err := mergeNamed("metric", &dst.Metric, src.Metric); err != nil {
		return err
	}
	if err := mergeNamed("channel_group", &dst.ChannelGroup, src.ChannelGroup); err != nil {
		return err
	}
	return mergeNamed("monitor", &dst.Monitor, src.Monitor)
}

func mergeNamed[T any](table string, dst *map[string]T, src map[string]T) error {
	if len(src) == 0 {
		return nil
	}
	if *dst == nil {
		*dst = make(map[string]T, len(src))
	}
	for id, body := range src {
		if _, exists := (*dst)[id]; exists {
			return fmt.Errorf("duplicate [%s.%s] table", table, id)
		}
		(*dst)[id] = body
	}
	return nil
}

// normalizeRawConfig flattens named tables into id-sorted slices.
func normalizeRawConfig(raw rawConfig) Config {
	cfg := Config{
		Service:      raw.Service,
		Log:          raw.Log,
		HTTP:         raw.HTTP,
		Scheduler:    raw.Scheduler,
		NATS:         raw.NATS,
		Measurements: raw.Measurements,
		Ledger:       raw.Ledger,
		Redis:        raw.Redis,
		Recipients:   raw.Recipients,
		Unsubscribe:  raw.Unsubscribe,
		Notify:       raw.Notify,
		Ingest:       raw.Ingest,
	}

	for _, id := range sortedKeys(raw.Metric) {
		metric := raw.Metric[id]
		metric.ID = id
		cfg.Metric = append(cfg.Metric, metric)
	}
	for _, id := range sortedKeys(raw.ChannelGroup) {
		group := raw.ChannelGroup[id]
		group.ID = id
		cfg.ChannelGroup = append(cfg.ChannelGroup, group)
	}
	for _, id := range sortedKeys(raw.Monitor) {
		body := raw.Monitor[id]
		monitor := MonitorConfig{
			ID:            id,
			Name:          body.Name,
			Metric:        body.Metric,
			ChannelGroup:  body.ChannelGroup,
			IntervalType:  body.IntervalType,
			IntervalCount: body.IntervalCount,
			Stat:          body.Stat,
		}
		for _, name := range sortedKeys(body.Trigger) {
			trigger := body.Trigger[name]
			trigger.Name = name
			monitor.Trigger = append(monitor.Trigger, trigger)
		}
		cfg.Monitor = append(cfg.Monitor, monitor)
	}
	return cfg
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// normalizeNATSURLs trims spaces around each configured NATS URL.
// Params: raw URL list from config.
// Returns: normalized URL list preserving element count for validation.
func normalizeNATSURLs(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	out := make([]string, len(urls))
	for i := range urls {
		out[i] = strings.TrimSpace(urls[i])
	}
	return out
}

// UsesNATS reports whether any component needs the shared NATS connection.
func (c Config) UsesNATS() bool {
	return c.Ledger.Backend == LedgerBackendNATS || c.Notify.Queue.Enabled || c.Ingest.NATS.Enabled
}

// UsesRedis reports whether any component needs the shared Redis client.
func (c Config) UsesRedis() bool {
	return c.Ledger.Lock == LockRedis || c.Recipients.Store == RecipientsStoreRedis
}
