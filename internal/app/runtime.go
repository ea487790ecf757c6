package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dqalarm/internal/clock"
	"dqalarm/internal/config"
	"dqalarm/internal/engine"
	"dqalarm/internal/ingest"
	"dqalarm/internal/ledger"
	"dqalarm/internal/measurements"
	"dqalarm/internal/notify"
	"dqalarm/internal/notifyqueue"
	"dqalarm/internal/recipients"
	"dqalarm/internal/unsubscribe"

	"github.com/redis/go-redis/v9"
)

// measurementStore is both the evaluation source and the ingest sink.
type measurementStore interface {
	engine.MeasurementSource
	ingest.Sink
}

type namedCloser struct {
	name  string
	close func() error
}

// runtime holds the backends shared by the long-running service and one-shot evaluation.
type runtime struct {
	cfg    config.Config
	logger *slog.Logger

	measurements measurementStore
	ledger       *ledger.Ledger
	directory    *recipients.Directory
	tokens       *unsubscribe.TokenService
	dispatcher   *notify.Dispatcher
	producer     *notifyqueue.NATSProducer
	manager      *Manager

	closers []namedCloser
}

// buildRuntime opens every backend selected by cfg.
// Params: context for connection setup, validated config, logger, and clock.
// Returns: runtime or the first setup error with everything opened so far closed.
func buildRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger, clk clock.Clock) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}
	if err := rt.open(ctx, clk); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) open(ctx context.Context, clk clock.Clock) error {
	cfg, logger := rt.cfg, rt.logger
	catalog, err := config.BuildCatalog(cfg)
	if err != nil {
		return err
	}
	if err := rt.openMeasurements(ctx); err != nil {
		return err
	}

	var rdb redis.UniversalClient
	if cfg.UsesRedis() {
		rdb, err = recipients.DialRedis(ctx, &redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		rt.addCloser("redis", rdb.Close)
	}

	store, err := openLedgerStore(ctx, cfg)
	if err != nil {
		return err
	}
	rt.addCloser("ledger store", store.Close)
	var locker ledger.Locker = ledger.NewLocalLocker()
	if cfg.Ledger.Lock == config.LockRedis {
		locker = ledger.NewRedisLocker(
			rdb,
			cfg.Redis.Prefix+"lock:",
			time.Duration(cfg.Ledger.LockTTLMS)*time.Millisecond,
			time.Duration(cfg.Ledger.LockBackoffMS)*time.Millisecond,
			logger,
		)
	}
	rt.ledger = ledger.New(store, locker, logger)

	var removals recipients.Store = recipients.NewMemoryStore()
	if cfg.Recipients.Store == config.RecipientsStoreRedis {
		removals = recipients.NewRedisStore(rdb, cfg.Redis.Prefix)
	}
	rt.addCloser("recipients store", removals.Close)
	rt.directory = recipients.NewDirectory(removals)

	rt.tokens, err = unsubscribe.NewTokenService(cfg.Unsubscribe.Secret, cfg.Unsubscribe.BaseURL)
	if err != nil {
		return err
	}

	notifier, err := rt.buildNotifier()
	if err != nil {
		return err
	}

	evaluator := engine.NewEvaluator(rt.measurements, rt.ledger, notifier, logger, engine.Options{
		FetchTimeout:  time.Duration(cfg.Service.FetchTimeoutSec) * time.Second,
		NotifyTimeout: time.Duration(cfg.Service.NotifyTimeoutSec) * time.Second,
	})
	rt.manager = NewManager(catalog, evaluator, rt.ledger, clk, logger, ManagerOptions{
		Concurrency: cfg.Service.Concurrency,
		Align:       time.Duration(cfg.Scheduler.AlignSec) * time.Second,
	})
	return nil
}

func (rt *runtime) openMeasurements(ctx context.Context) error {
	cfg := rt.cfg.Measurements
	if cfg.Driver == config.MeasurementsDriverMemory {
		rt.measurements = measurements.NewMemorySource(time.Duration(cfg.RetentionSec) * time.Second)
		return nil
	}
	source, err := measurements.OpenSQLSource(ctx, measurements.SQLSettings{
		Driver:       cfg.Driver,
		DSN:          cfg.DSN,
		Table:        cfg.Table,
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	})
	if err != nil {
		return err
	}
	rt.measurements = source
	rt.addCloser("measurements", source.Close)
	return nil
}

func openLedgerStore(ctx context.Context, cfg config.Config) (ledger.Store, error) {
	switch cfg.Ledger.Backend {
	case config.LedgerBackendNATS:
		return ledger.NewNATSStore(ledger.NATSSettings{
			URL:               cfg.NATS.URL,
			Bucket:            cfg.Ledger.NATS.Bucket,
			History:           uint8(cfg.Ledger.NATS.History),
			AllowCreateBucket: cfg.Ledger.NATS.AllowCreateBucket,
		})
	case config.LedgerBackendPostgres:
		return ledger.NewPostgresStore(ctx, cfg.Ledger.Postgres.DSN, cfg.Ledger.Postgres.EnsureSchema)
	default:
		return ledger.NewMemoryStore(), nil
	}
}

// buildNotifier wires rendering and delivery.
// Returns: nil notifier when notifications are disabled.
func (rt *runtime) buildNotifier() (engine.Notifier, error) {
	cfg := rt.cfg.Notify
	if !cfg.Enabled {
		return nil, nil
	}
	renderer, err := notify.NewRenderer(cfg.SubjectTemplate, cfg.BodyTemplate)
	if err != nil {
		return nil, err
	}
	sender, err := notify.NewSender(cfg, rt.logger)
	if err != nil {
		return nil, err
	}
	rt.dispatcher = notify.NewDispatcher(sender, cfg.Retry, rt.logger)

	var delivery notify.Delivery = rt.dispatcher
	if cfg.Queue.Enabled {
		producer, err := notifyqueue.NewNATSProducer(rt.cfg.NATS.URL, cfg.Queue)
		if err != nil {
			return nil, err
		}
		rt.producer = producer
		rt.addCloser("notify queue producer", producer.Close)
		delivery = producer
	}
	return notify.NewAlarmNotifier(rt.directory, rt.tokens, renderer, delivery, rt.logger), nil
}

func (rt *runtime) addCloser(name string, fn func() error) {
	rt.closers = append(rt.closers, namedCloser{name: name, close: fn})
}

// Close releases backends in reverse opening order.
// Returns: first close error.
func (rt *runtime) Close() error {
	var firstErr error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		c := rt.closers[i]
		if err := c.close(); err != nil {
			if rt.logger != nil {
				rt.logger.Error(c.name+" close failed", "error", err.Error())
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("%s close: %w", c.name, err)
			}
		}
	}
	rt.closers = nil
	return firstErr
}
