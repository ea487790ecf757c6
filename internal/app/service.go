package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"sync/atomic"
	"syscall"
	"time"

	"dqalarm/internal/clock"
	"dqalarm/internal/config"
	"dqalarm/internal/ingest"
	"dqalarm/internal/logging"
	"dqalarm/internal/notifyqueue"
	"dqalarm/internal/scheduler"
	"dqalarm/internal/unsubscribe"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable monitoring service.
type Service struct {
	source    config.ConfigSource
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	rt        *runtime
	httpSrv   *http.Server
	natsSub   interface{ Close() error }
	notifyQ   interface{ Close() error }
	readyFlag atomic.Bool
	clock     clock.Clock
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return newServiceFromConfig(source, cfg, clk)
}

func newServiceFromConfig(source config.ConfigSource, cfg config.Config, clk clock.Clock) (*Service, error) {
	logger, closeLog, err := logging.New(cfg.Log, cfg.Service.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	rt, err := buildRuntime(context.Background(), cfg, logger, clk)
	if err != nil {
		closeLog()
		return nil, err
	}

	service := &Service{
		source:   source,
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		rt:       rt,
		clock:    clk,
	}

	service.buildHTTPServer()
	if err := service.buildNATSSubscriber(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildNotifyWorker(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	return service, nil
}

// Manager exposes the cycle runner.
func (s *Service) Manager() *Manager {
	return s.rt.manager
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	shutdownCtx, shutdownCancel := context.WithCancel(ctx)
	defer shutdownCancel()

	errChan := make(chan error, 1)
	if s.httpSrv != nil {
		go func() {
			s.logger.Info("http server starting", "listen", s.cfg.HTTP.Listen)
			err := s.httpSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
	}

	var sched *scheduler.Scheduler
	if s.cfg.Scheduler.Enabled {
		var err error
		sched, err = scheduler.New(shutdownCtx, s.cfg.Scheduler.Schedule, s.rt.manager.Tick, s.logger)
		if err != nil {
			_ = s.shutdown(nil)
			return err
		}
		sched.Start()
		s.logger.Info("scheduler started", "schedule", s.cfg.Scheduler.Schedule)
	}

	if s.cfg.Service.ReloadEnabled {
		reloadInterval := time.Duration(s.cfg.Service.ReloadIntervalSec) * time.Second
		reloadTicker := time.NewTicker(reloadInterval)
		defer reloadTicker.Stop()
		go func() {
			for {
				select {
				case <-shutdownCtx.Done():
					return
				case <-reloadTicker.C:
					if err := s.reloadConfig(); err != nil {
						s.logger.Error("reload failed", "error", err.Error())
					}
				}
			}
		}()
	}

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown(sched)
	case err := <-errChan:
		_ = s.shutdown(sched)
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		shutdownCancel()
		return s.shutdown(sched)
	}
}

// shutdown closes runtime resources in dependency order.
// Params: running scheduler, if any.
// Returns: first close error.
func (s *Service) shutdown(sched *scheduler.Scheduler) error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown failed", "error", err.Error())
			markErr(fmt.Errorf("http shutdown: %w", err))
		}
	}
	if sched != nil {
		select {
		case <-sched.Stop().Done():
		case <-ctx.Done():
			s.logger.Warn("evaluation cycle still running at shutdown")
		}
	}
	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("nats subscriber close failed", "error", err.Error())
			markErr(fmt.Errorf("nats subscriber close: %w", err))
		}
	}
	if s.notifyQ != nil {
		if err := s.notifyQ.Close(); err != nil {
			s.logger.Error("notify queue worker close failed", "error", err.Error())
			markErr(fmt.Errorf("notify queue worker close: %w", err))
		}
	}
	markErr(s.rt.Close())
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
func (s *Service) cleanupInitResources() {
	if s.notifyQ != nil {
		_ = s.notifyQ.Close()
		s.notifyQ = nil
	}
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.rt != nil {
		_ = s.rt.Close()
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildHTTPServer wires health, ingest, unsubscribe, and API routes.
func (s *Service) buildHTTPServer() {
	if !s.cfg.HTTP.Enabled {
		return
	}
	unsub := unsubscribe.NewService(s.rt.tokens, s.rt.manager, s.rt.directory, s.logger)
	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTP.Listen,
		Handler:           newRouter(s.cfg, s.rt.manager, s.rt.measurements, unsub, &s.readyFlag, s.logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// buildNATSSubscriber starts NATS ingest when enabled.
func (s *Service) buildNATSSubscriber() error {
	cfg := s.cfg.Ingest.NATS
	if !cfg.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(ingest.NATSSettings{
		URL:               s.cfg.NATS.URL,
		Stream:            cfg.Stream,
		Subject:           cfg.Subject,
		ConsumerName:      cfg.ConsumerName,
		DeliverGroup:      cfg.DeliverGroup,
		AckWait:           time.Duration(cfg.AckWaitSec) * time.Second,
		NackDelay:         time.Duration(cfg.NackDelayMS) * time.Millisecond,
		MaxDeliver:        cfg.MaxDeliver,
		MaxAckPending:     cfg.MaxAckPending,
		AllowCreateStream: true,
	}, s.rt.measurements, s.logger)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

// buildNotifyWorker consumes queued emails and sends them through the dispatcher.
func (s *Service) buildNotifyWorker() error {
	if s.rt.producer == nil || s.rt.dispatcher == nil {
		return nil
	}
	dispatcher := s.rt.dispatcher
	worker, err := notifyqueue.NewNATSWorker(s.cfg.NATS.URL, s.cfg.Notify.Queue, s.logger, func(ctx context.Context, job notifyqueue.Job) error {
		return dispatcher.Deliver(ctx, job.Email)
	})
	if err != nil {
		return err
	}
	s.notifyQ = worker
	return nil
}

// reloadConfig applies monitor definitions from a fresh snapshot.
// Backend and delivery settings are fixed for the process lifetime.
// Returns: load, restart-required, or catalog error; the live catalog is kept on error.
func (s *Service) reloadConfig() error {
	nextCfg, err := config.LoadSnapshot(s.source)
	if err != nil {
		return err
	}
	if restartRequired(s.cfg, nextCfg) {
		return errors.New("non-catalog settings changed, restart required")
	}
	if err := s.rt.manager.ApplyConfig(nextCfg); err != nil {
		return err
	}
	s.cfg = nextCfg
	s.logger.Info("configuration reloaded")
	return nil
}

func restartRequired(current, next config.Config) bool {
	strip := func(cfg config.Config) config.Config {
		cfg.Metric = nil
		cfg.ChannelGroup = nil
		cfg.Monitor = nil
		return cfg
	}
	return !reflect.DeepEqual(strip(current), strip(next))
}
