package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSSettings configures the JetStream measurement consumer.
type NATSSettings struct {
	URL           []string
	Stream        string
	Subject       string
	ConsumerName  string
	DeliverGroup  string
	AckWait       time.Duration
	NackDelay     time.Duration
	MaxDeliver    int
	MaxAckPending int
	// AllowCreateStream creates the stream when it does not exist.
	AllowCreateStream bool
}

// NATSSubscriber consumes measurements via a JetStream queue consumer and forwards them to sink.
// Params: NATS connection, JetStream queue subscription, and sink.
// Returns: NATS ingest lifecycle handle.
type NATSSubscriber struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	logger *slog.Logger
}

// NewNATSSubscriber creates the JetStream queue consumer.
// Params: settings, sink, and logger.
// Returns: started subscriber or initialization error.
func NewNATSSubscriber(settings NATSSettings, sink Sink, logger *slog.Logger) (*NATSSubscriber, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for ingest: %w", err)
	}
	if settings.AllowCreateStream {
		if _, err := js.StreamInfo(settings.Stream); err != nil {
			if _, err := js.AddStream(&nats.StreamConfig{
				Name:     settings.Stream,
				Subjects: []string{settings.Subject},
				Storage:  nats.FileStorage,
			}); err != nil {
				nc.Close()
				return nil, fmt.Errorf("create ingest stream %q: %w", settings.Stream, err)
			}
		}
	}

	subscriber := &NATSSubscriber{nc: nc, logger: logger}
	subOpts := []nats.SubOpt{
		nats.BindStream(settings.Stream),
		nats.Durable(settings.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(settings.AckWait),
		nats.MaxDeliver(settings.MaxDeliver),
		nats.MaxAckPending(settings.MaxAckPending),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(settings.Subject, settings.DeliverGroup, func(message *nats.Msg) {
		items, decodeErr := DecodeMeasurements(message.Data)
		if decodeErr != nil {
			logger.Warn("nats ingest decode failed", "subject", message.Subject, "error", decodeErr.Error())
			subscriber.ackMessage(message, "decode")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), settings.AckWait)
		defer cancel()
		if appendErr := sink.Append(ctx, items); appendErr != nil {
			logger.Error("nats ingest append failed", "subject", message.Subject, "error", appendErr.Error())
			subscriber.nackMessage(message, settings.NackDelay)
			return
		}
		subscriber.ackMessage(message, "processed")
	}, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe %q/%q: %w", settings.Subject, settings.DeliverGroup, err)
	}
	subscriber.sub = sub
	return subscriber, nil
}

func (s *NATSSubscriber) ackMessage(message *nats.Msg, reason string) {
	if err := message.Ack(); err != nil {
		s.logger.Warn("nats ingest ack failed", "subject", message.Subject, "reason", reason, "error", err.Error())
	}
}

func (s *NATSSubscriber) nackMessage(message *nats.Msg, delay time.Duration) {
	var err error
	if delay > 0 {
		err = message.NakWithDelay(delay)
	} else {
		err = message.Nak()
	}
	if err != nil {
		s.logger.Warn("nats ingest nack failed", "subject", message.Subject, "error", err.Error())
	}
}

// Close drains the subscription and closes the connection.
func (s *NATSSubscriber) Close() error {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.nc.Close()
			return err
		}
	}
	s.nc.Close()
	return nil
}
