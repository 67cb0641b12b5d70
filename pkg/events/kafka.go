package events

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/driftsync/pkg/config"
)

// KafkaPublisher publishes sync events as JSON messages keyed by record key.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// NewKafkaPublisher connects a synchronous producer to cfg.KafkaBrokers.
func NewKafkaPublisher(cfg config.EventsConfig, logger *zap.Logger) (*KafkaPublisher, error) {
	producer, err := sarama.NewSyncProducer(cfg.KafkaBrokers, buildSaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewKafkaPublisherFromProducer(producer, cfg.KafkaTopic, logger), nil
}

// NewKafkaPublisherFromProducer wraps an existing producer.
func NewKafkaPublisherFromProducer(producer sarama.SyncProducer, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{
		producer: producer,
		topic:    topic,
		logger:   logger.With(zap.String("component", "kafka_publisher"), zap.String("topic", topic)),
	}
}

func buildSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	return cfg
}

// Publish implements Publisher.
func (kp *KafkaPublisher) Publish(ctx context.Context, event SyncEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize sync event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: kp.topic,
		Key:   sarama.StringEncoder(event.Key),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("strategy"), Value: []byte(event.Strategy)},
			{Key: []byte("content-type"), Value: []byte("application/json")},
		},
		Timestamp: event.UpdatedAt,
	}

	partition, offset, err := kp.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to produce sync event: %w", err)
	}

	kp.logger.Debug("sync event produced",
		zap.String("key", event.Key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// Close implements Publisher.
func (kp *KafkaPublisher) Close() error {
	return kp.producer.Close()
}
