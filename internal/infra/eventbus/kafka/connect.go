package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/gatekeeper/pkg/common/logger"
)

// ConnectWithRetry attempts to establish a connection to Kafka with exponential backoff.
// It will retry failed connection attempts for up to maxElapsed (five minutes when zero),
// starting with 5 second intervals. This helps handle temporary network issues or Kafka
// cluster unavailability during startup.
func ConnectWithRetry(
	ctx context.Context,
	cfg *Config,
	maxElapsed time.Duration,
	log *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if maxElapsed <= 0 {
		maxElapsed = 5 * time.Minute
	}
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = maxElapsed
	expBackoff.InitialInterval = 5 * time.Second

	var bus *EventBus
	operation := func() error {
		client, err := NewClient(&ClientConfig{Brokers: cfg.Brokers, ClientID: cfg.ClientID})
		if err != nil {
			return fmt.Errorf("creating client: %w", err)
		}

		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			client.Close()
			return fmt.Errorf("creating producer: %w", err)
		}

		consumerGroup, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
		if err != nil {
			producer.Close()
			client.Close()
			return fmt.Errorf("creating consumer group: %w", err)
		}

		bus, err = NewEventBus(producer, consumerGroup, cfg, log, metrics, tracer)
		if err != nil {
			producer.Close()
			consumerGroup.Close()
			client.Close()
			return backoff.Permanent(fmt.Errorf("creating event bus: %w", err))
		}
		bus.client = client
		return nil
	}

	notify := func(err error, next time.Duration) {
		log.Warn(ctx, "Failed to connect to Kafka, will retry", "error", err, "retry_in", next)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(expBackoff, ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka after retries: %w", err)
	}

	return bus, nil
}
