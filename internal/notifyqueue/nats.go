package notifyqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dqalarm/internal/config"
	"dqalarm/internal/notify"
	"dqalarm/internal/permanent"

	"github.com/nats-io/nats.go"
)

const (
	notifyStreamMaxAge    = 24 * time.Hour
	notifyDLQStreamMaxAge = 7 * 24 * time.Hour
)

// NATSProducer publishes jobs into the notify work-queue stream.
// Params: NATS connection and publish subject.
// Returns: Producer that also satisfies notify.Delivery.
type NATSProducer struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
	now     func() time.Time
}

// NewNATSProducer connects and ensures the notify streams exist.
// Params: NATS URLs and queue config.
// Returns: initialized producer or setup error.
func NewNATSProducer(urls []string, cfg config.NotifyQueue) (*NATSProducer, error) {
	nc, js, err := openNotifyQueueJetStream(urls, cfg)
	if err != nil {
		return nil, err
	}
	return &NATSProducer{nc: nc, js: js, subject: cfg.Subject, now: time.Now}, nil
}

// Enqueue publishes one job with its id as the JetStream dedup key.
func (p *NATSProducer) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal notify queue job: %w", err)
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = body
	if id := strings.TrimSpace(job.ID); id != "" {
		msg.Header.Set(nats.MsgIdHdr, id)
	}
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish notify queue job: %w", err)
	}
	return nil
}

// Deliver wraps the email in a job and enqueues it.
func (p *NATSProducer) Deliver(ctx context.Context, email notify.Email) error {
	return p.Enqueue(ctx, Job{ID: BuildJobID(email), Email: email, CreatedAt: p.now().UTC()})
}

// Close closes the producer connection.
func (p *NATSProducer) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	p.nc.Close()
	return nil
}

// NATSWorker consumes notify jobs through a durable queue consumer.
// Params: NATS connection, subscription, and DLQ routing.
// Returns: worker lifecycle handle.
type NATSWorker struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	sub        *nats.Subscription
	logger     *slog.Logger
	dlq        bool
	dlqSubject string
	maxDeliver int
	nackDelay  time.Duration
	handler    Handler
}

// NewNATSWorker starts the queue consumer.
// Params: NATS URLs, queue config, logger, and per-job handler.
// Returns: running worker or setup error.
func NewNATSWorker(urls []string, cfg config.NotifyQueue, logger *slog.Logger, handler Handler) (*NATSWorker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, js, err := openNotifyQueueJetStream(urls, cfg)
	if err != nil {
		return nil, err
	}

	worker := &NATSWorker{
		nc:         nc,
		js:         js,
		logger:     logger,
		dlq:        cfg.DLQ,
		dlqSubject: cfg.DLQSubject,
		maxDeliver: cfg.MaxDeliver,
		nackDelay:  time.Duration(cfg.NackDelayMS) * time.Millisecond,
		handler:    handler,
	}
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(time.Duration(cfg.AckWaitSec) * time.Second),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, worker.handleMessage, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe notify %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}
	worker.sub = sub
	return worker, nil
}

func (w *NATSWorker) handleMessage(message *nats.Msg) {
	if message == nil {
		return
	}
	var job Job
	if err := json.Unmarshal(message.Data, &job); err != nil {
		w.logger.Warn("notify queue decode failed", "subject", message.Subject, "error", err.Error())
		_ = message.Ack()
		return
	}
	err := w.handler(context.Background(), job)
	if err == nil {
		_ = message.Ack()
		return
	}
	w.logger.Error("notify queue handle failed", "job_id", job.ID, "trigger", job.Email.TriggerID, "error", err.Error())

	attempts := deliveryAttempts(message)
	var reason DLQReason
	switch {
	case permanent.Is(err):
		reason = DLQReasonPermanentError
	case isMaxDeliverExceeded(attempts, w.maxDeliver):
		reason = DLQReasonMaxDeliverExceeded
	}
	if reason == "" {
		w.nak(message)
		return
	}
	if w.dlq {
		if dlqErr := w.publishDLQ(context.Background(), message, job, reason, err, attempts); dlqErr != nil {
			w.logger.Error("notify queue dlq publish failed", "job_id", job.ID, "reason", string(reason), "error", dlqErr.Error())
			w.nak(message)
			return
		}
	}
	_ = message.Ack()
}

func (w *NATSWorker) nak(message *nats.Msg) {
	if w.nackDelay > 0 {
		_ = message.NakWithDelay(w.nackDelay)
		return
	}
	_ = message.Nak()
}

// Close drains the subscription and closes the connection.
func (w *NATSWorker) Close() error {
	if w == nil || w.nc == nil {
		return nil
	}
	if w.sub != nil {
		if err := w.sub.Drain(); err != nil {
			w.nc.Close()
			return err
		}
	}
	w.nc.Close()
	return nil
}

// ensureStream creates the stream when it does not exist yet.
func ensureStream(js nats.JetStreamContext, streamName, subject string, retention nats.RetentionPolicy, maxAge time.Duration) error {
	_, err := js.StreamInfo(streamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", streamName, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subject},
		Retention:  retention,
		Storage:    nats.FileStorage,
		MaxAge:     maxAge,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", streamName, err)
	}
	return nil
}

func openNotifyQueueJetStream(urls []string, cfg config.NotifyQueue) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(strings.Join(urls, ","), nats.Name("dqalarm-notify-queue"))
	if err != nil {
		return nil, nil, fmt.Errorf("connect notify queue nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init for notify queue: %w", err)
	}
	if err := ensureStream(js, cfg.Stream, cfg.Subject, nats.WorkQueuePolicy, notifyStreamMaxAge); err != nil {
		nc.Close()
		return nil, nil, err
	}
	if cfg.DLQ {
		if err := ensureStream(js, cfg.DLQStream, cfg.DLQSubject, nats.LimitsPolicy, notifyDLQStreamMaxAge); err != nil {
			nc.Close()
			return nil, nil, err
		}
	}
	return nc, js, nil
}

// deliveryAttempts returns the JetStream delivery count, at least 1.
func deliveryAttempts(message *nats.Msg) uint64 {
	metadata, err := message.Metadata()
	if err != nil || metadata == nil || metadata.NumDelivered == 0 {
		return 1
	}
	return metadata.NumDelivered
}

// isMaxDeliverExceeded reports whether this attempt is the last one allowed.
func isMaxDeliverExceeded(attempts uint64, maxDeliver int) bool {
	if maxDeliver <= 0 {
		return false
	}
	return attempts >= uint64(maxDeliver)
}

func (w *NATSWorker) publishDLQ(ctx context.Context, message *nats.Msg, job Job, reason DLQReason, cause error, attempts uint64) error {
	entry := DLQEntry{
		Job:           job,
		Reason:        reason,
		Error:         strings.TrimSpace(cause.Error()),
		Attempts:      attempts,
		MaxDeliver:    w.maxDeliver,
		Subject:       message.Subject,
		FailedAt:      time.Now().UTC(),
		OriginalMsgID: strings.TrimSpace(message.Header.Get(nats.MsgIdHdr)),
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal notify dlq entry: %w", err)
	}
	msg := nats.NewMsg(w.dlqSubject)
	msg.Data = body
	if id := strings.TrimSpace(job.ID); id != "" {
		msg.Header.Set(nats.MsgIdHdr, fmt.Sprintf("%s:dlq:%s:%d", id, reason, attempts))
	}
	if _, err := w.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish notify dlq entry: %w", err)
	}
	return nil
}
