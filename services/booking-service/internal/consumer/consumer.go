package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agendahub/agendahub/libs/kafkax"
	"github.com/agendahub/agendahub/services/booking-service/internal/inbox"
)

type Handler func(ctx context.Context, msg kafka.Message) error

// Dedupe is the inbox surface the consumer needs.
type Dedupe interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Record(ctx context.Context, eventID, eventType string) (bool, error)
}

// Consumer reads payment outcome events and feeds them to the handler,
// deduplicated through the inbox so redeliveries are no-ops.
type Consumer struct {
	reader  *kafka.Reader
	logger  *slog.Logger
	inbox   Dedupe
	handler Handler
}

type Config struct {
	Brokers string
	GroupID string
	Topics  []string
}

func New(logger *slog.Logger, inboxRepo *inbox.Repository, cfg Config, handler Handler) *Consumer {
	brokers := kafkax.SplitBrokers(cfg.Brokers)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: cfg.Topics,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return &Consumer{
		reader:  reader,
		logger:  logger,
		inbox:   inboxRepo,
		handler: handler,
	}
}

func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka read error", "err", err)
			time.Sleep(1 * time.Second)
			continue
		}

		c.process(ctx, msg)
	}
}

// process runs one delivery through dedupe and the handler. Split from the
// read loop so the failure ordering is testable without a broker.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
	ctxSpan, span := otel.Tracer("kafka").Start(ctxMsg, "kafka.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		),
	)
	defer span.End()

	meta := kafkax.ExtractEventMeta(msg)

	seen, err := c.inbox.Seen(ctxSpan, meta.EventID)
	if err != nil {
		c.logger.Error("inbox lookup failed", "err", err)
		span.RecordError(err)
		return
	}
	if seen {
		c.logger.Info("duplicate event ignored", "event_id", meta.EventID, "event_type", meta.EventType)
		return
	}

	// The inbox row is written only after the handler succeeds. The group
	// offset is already committed, so a row written before a failed handler
	// would make the redelivery look like a duplicate and drop the event
	// for good.
	if err := c.handler(ctxSpan, msg); err != nil {
		c.logger.Error("handler error", "err", err, "event_id", meta.EventID)
		span.RecordError(err)
		return
	}

	if _, err := c.inbox.Record(ctxSpan, meta.EventID, meta.EventType); err != nil {
		// The lifecycle already applied the event; a redelivery without the
		// inbox row settles as a no-op there.
		c.logger.Error("inbox record failed", "err", err, "event_id", meta.EventID)
		span.RecordError(err)
	}
}
