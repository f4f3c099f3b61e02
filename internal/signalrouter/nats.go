package signalrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"git.home.luguber.info/inful/forgeflow/internal/logfields"
)

// NATSBusConfig configures the JetStream-backed termination channel.
type NATSBusConfig struct {
	URL     string
	Subject string
	Stream  string
	Durable string
}

// NATSBus is a Source and Publisher backed by a JetStream stream with a
// durable consumer, so termination signals survive controller restarts.
type NATSBus struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	cfg     NATSBusConfig
	consume jetstream.ConsumeContext
}

// NewNATSBus connects to NATS and ensures the termination stream exists.
func NewNATSBus(ctx context.Context, cfg NATSBusConfig) (*NATSBus, error) {
	conn, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ensure termination stream: %w", err)
	}

	slog.Info("Termination signal bus connected",
		"url", cfg.URL, "stream", cfg.Stream, "subject", cfg.Subject)

	return &NATSBus{conn: conn, js: js, cfg: cfg}, nil
}

// PublishTermination publishes one termination event to the stream.
func (b *NATSBus) PublishTermination(ctx context.Context, event TerminationEvent) error {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal termination event: %w", err)
	}
	if _, err := b.js.Publish(ctx, b.cfg.Subject, data); err != nil {
		return fmt.Errorf("failed to publish termination event: %w", err)
	}
	return nil
}

// Subscribe attaches a durable consumer and delivers events until Close.
// Messages are acked after the handler returns; a crash before the ack
// redelivers the event, which the ledger dedupe absorbs.
func (b *NATSBus) Subscribe(ctx context.Context, handler Handler) error {
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       b.cfg.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: b.cfg.Subject,
	})
	if err != nil {
		return fmt.Errorf("failed to create durable consumer: %w", err)
	}

	consume, err := consumer.Consume(func(msg jetstream.Msg) {
		var event TerminationEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			slog.Warn("Dropping malformed termination signal", logfields.Error(err))
			_ = msg.Term()
			return
		}
		handler(ctx, event)
		if err := msg.Ack(); err != nil {
			slog.Warn("Failed to ack termination signal", logfields.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming termination signals: %w", err)
	}
	b.consume = consume
	return nil
}

// Close stops consumption and drops the connection.
func (b *NATSBus) Close() error {
	if b.consume != nil {
		b.consume.Stop()
	}
	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}
