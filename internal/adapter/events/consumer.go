package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/lumapix/restoration-service/internal/adapter/observability"
)

// Consumer tails the job-events topic and republishes every record on
// the in-process Bus. Each instance joins its own consumer group, so
// every API replica observes every transition; SSE subscribers may be
// connected to any of them.
type Consumer struct {
	client  *kgo.Client
	bus     *Bus
	topic   string
	groupID string
}

// NewConsumer connects a tailing consumer. groupBase is suffixed with a
// random id per instance. Consumption starts at the end of the topic;
// transitions older than the process are served by the status poller.
func NewConsumer(brokers []string, groupBase, topic string, bus *Bus) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=events.NewConsumer: no seed brokers provided")
	}
	if groupBase == "" {
		return nil, fmt.Errorf("op=events.NewConsumer: missing consumer group base")
	}
	groupID := fmt.Sprintf("%s-%s", groupBase, uuid.NewString()[:8])

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.RebalanceTimeout(10*time.Second),
		kgo.FetchMaxWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=events.NewConsumer: kafka client: %w", err)
	}

	slog.Info("job-events consumer ready",
		slog.Any("brokers", brokers),
		slog.String("topic", topic),
		slog.String("group_id", groupID))
	return &Consumer{client: client, bus: bus, topic: topic, groupID: groupID}, nil
}

// Run polls until the context ends or Close is called. Fetch errors are
// retried with exponential backoff; the loop never gives up on its own.
func (c *Consumer) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			fatal := false
			for _, fe := range errs {
				if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
					fatal = fatal || ctx.Err() != nil
					continue
				}
				slog.Error("job-events fetch error",
					slog.String("topic", fe.Topic),
					slog.Int("partition", int(fe.Partition)),
					slog.Any("error", fe.Err))
			}
			if fatal {
				return ctx.Err()
			}
			wait := bo.NextBackOff()
			slog.Warn("job-events consumer backing off", slog.Duration("wait", wait))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		bo.Reset()

		fetches.EachRecord(func(rec *kgo.Record) {
			ev, err := decodeEvent(rec)
			if err != nil {
				observability.JobEventsDroppedTotal.Inc()
				slog.Warn("dropping malformed job event",
					slog.Int64("offset", rec.Offset),
					slog.Any("error", err))
				return
			}
			c.bus.Publish(ev)
		})
	}
}

// Close releases the Kafka client; a blocked Run returns afterwards.
func (c *Consumer) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
