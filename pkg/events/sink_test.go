package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/driftsync/pkg/metrics"
	"github.com/ajitpratap0/driftsync/pkg/models"
)

func record(key string) *models.Record {
	r := models.NewRecord(key, map[string]interface{}{"owner": "alice"})
	r.UpdatedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return r
}

func TestSink_CountersByStrategy(t *testing.T) {
	s := NewSink(zaptest.NewLogger(t))
	ctx := context.Background()

	s.RecordWritten(ctx, metrics.StrategyBulk, record("a"))
	s.RecordWritten(ctx, metrics.StrategyPaginated, record("b"))
	s.RecordWritten(ctx, metrics.StrategyDelta, record("c"))

	assert.Equal(t, Counters{RecordsSeeded: 2, EventsSent: 3}, s.Snapshot())
	assert.Equal(t, int64(2), s.RecordsSeeded())
	assert.Equal(t, int64(3), s.EventsSent())

	s.Reset()
	assert.Equal(t, Counters{}, s.Snapshot())
}

func TestSink_ConcurrentWrites(t *testing.T) {
	s := NewSink(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.RecordWritten(ctx, metrics.StrategyDelta, record("k"))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(800), s.EventsSent())
	assert.Zero(t, s.RecordsSeeded())
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, SyncEvent) error {
	f.calls++
	return errors.New("broker down")
}

func (f *failingPublisher) Close() error { return nil }

func TestSink_PublishFailureIsNotFatal(t *testing.T) {
	pub := &failingPublisher{}
	s := NewSink(zaptest.NewLogger(t), WithPublisher(pub))

	s.RecordWritten(context.Background(), metrics.StrategyDelta, record("a"))

	assert.Equal(t, 1, pub.calls)
	assert.Equal(t, int64(1), s.EventsSent())
	assert.NoError(t, s.Close())
}

func TestKafkaPublisher_SendsJSONEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(value []byte) error {
		var event SyncEvent
		if err := json.Unmarshal(value, &event); err != nil {
			return err
		}
		assert.Equal(t, "Acme", event.Key)
		assert.Equal(t, metrics.StrategyDelta, event.Strategy)
		assert.True(t, event.UpdatedAt.Equal(record("Acme").UpdatedAt))
		return nil
	})

	pub := NewKafkaPublisherFromProducer(producer, "driftsync.events", zaptest.NewLogger(t))
	s := NewSink(zaptest.NewLogger(t), WithPublisher(pub))

	s.RecordWritten(context.Background(), metrics.StrategyDelta, record("Acme"))
	require.NoError(t, s.Close())
}

func TestKafkaPublisher_ProduceError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	pub := NewKafkaPublisherFromProducer(producer, "driftsync.events", nil)
	err := pub.Publish(context.Background(), SyncEvent{Key: "Acme", Strategy: metrics.StrategyBulk})
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrNotLeaderForPartition)
	require.NoError(t, pub.Close())
}

func TestKafkaPublisher_CancelledContext(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	pub := NewKafkaPublisherFromProducer(producer, "driftsync.events", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, pub.Publish(ctx, SyncEvent{Key: "Acme"}), context.Canceled)
	require.NoError(t, pub.Close())
}
