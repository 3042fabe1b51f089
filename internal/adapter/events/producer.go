package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/lumapix/restoration-service/internal/adapter/observability"
	"github.com/lumapix/restoration-service/internal/domain"
)

// Producer publishes job transitions to Kafka. It implements
// domain.EventPublisher. Publishing is not transactional: the consumer
// side tolerates duplicates and the poll fallback tolerates loss, so a
// plain synchronous produce with client retries is enough.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer connects to the brokers and makes sure the topic exists.
// Topic creation failure is logged but not fatal; most clusters either
// have the topic already or auto-create it on first produce.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=events.NewProducer: no seed brokers provided")
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.DialTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=events.NewProducer: kafka client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ensureTopic(ctx, client, topic, 8, 1); err != nil {
		slog.Warn("job-events topic creation failed, continuing",
			slog.String("topic", topic), slog.Any("error", err))
	}

	slog.Info("job-events producer ready", slog.Any("brokers", brokers), slog.String("topic", topic))
	return &Producer{client: client, topic: topic}, nil
}

// PublishJobEvent produces one transition record and waits for the ack.
func (p *Producer) PublishJobEvent(ctx domain.Context, ev domain.JobEvent) error {
	rec, err := eventRecord(p.topic, ev)
	if err != nil {
		return err
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("op=events.PublishJobEvent: produce: %w", err)
	}
	observability.JobEventsPublishedTotal.WithLabelValues(string(ev.Status)).Inc()
	slog.Debug("job event published",
		slog.String("job_id", ev.JobID),
		slog.String("status", string(ev.Status)),
		slog.Int("attempt", ev.Attempt))
	return nil
}

// Close flushes buffered records and releases the client.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
