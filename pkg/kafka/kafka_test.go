package kafka

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestToHeaders(t *testing.T) {
	assert.Nil(t, toHeaders(nil))

	hs := toHeaders(map[string]string{"event_type": "seat.reserved"})
	require.Len(t, hs, 1)
	assert.Equal(t, "event_type", hs[0].Key)
	assert.Equal(t, []byte("seat.reserved"), hs[0].Value)
}

func TestFromKgo(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	raw := &kgo.Record{
		Topic:     "order.seat-release",
		Partition: 2,
		Offset:    41,
		Key:       []byte("order-1"),
		Value:     []byte(`{}`),
		Headers:   []kgo.RecordHeader{{Key: "source", Value: []byte("orders")}},
		Timestamp: ts,
	}

	rec := fromKgo(raw)
	assert.Equal(t, "order.seat-release", rec.Topic)
	assert.Equal(t, int32(2), rec.Partition)
	assert.Equal(t, int64(41), rec.Offset)
	assert.Equal(t, "orders", rec.Headers["source"])
	assert.Equal(t, ts, rec.Timestamp)
	assert.Same(t, raw, rec.raw)
}

func TestNewProducer_RequiresBrokers(t *testing.T) {
	_, err := NewProducer(context.Background(), &ProducerConfig{})
	assert.ErrorIs(t, err, ErrNoBrokers)

	_, err = NewConsumer(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoBrokers)
}

func TestProducerConsumer_Integration(t *testing.T) {
	if os.Getenv("INTEGRATION_TEST") != "true" {
		t.Skip("Skipping integration test. Set INTEGRATION_TEST=true to run.")
	}
	brokers := os.Getenv("TEST_KAFKA_BROKERS")
	if brokers == "" {
		brokers = "localhost:9092"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	topic := "seat-inventory-test-" + time.Now().Format("150405.000")
	producer, err := NewProducer(ctx, &ProducerConfig{Brokers: []string{brokers}, MaxRetries: 3, RetryInterval: time.Second})
	require.NoError(t, err)
	defer producer.Close()

	require.NoError(t, producer.ProduceJSON(ctx, topic, "k1", map[string]string{"hello": "world"}, nil))

	consumer, err := NewConsumer(ctx, &ConsumerConfig{
		Brokers: []string{brokers},
		GroupID: topic + "-group",
		Topics:  []string{topic},
	})
	require.NoError(t, err)
	defer consumer.Close()

	records, err := consumer.Poll(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, "k1", string(records[0].Key))
	assert.Equal(t, "application/json", records[0].Headers["content_type"])
	require.NoError(t, consumer.CommitRecords(ctx, records))
}
