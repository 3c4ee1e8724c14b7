package outbox

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"example.com/attendance/internal/events"
)

func TestKafkaProducerRejectsForeignTopics(t *testing.T) {
	producer := NewKafkaProducer(ProducerConfig{Brokers: []string{"localhost:9092"}}, zerolog.Nop())
	defer producer.Close()

	err := producer.WriteMessages(context.Background(), "reviews", kafka.Message{Key: []byte("u1")})
	require.ErrorContains(t, err, `topic "reviews" is not an attendance topic`)

	err = producer.WriteMessages(context.Background(), events.TopicPresence, kafka.Message{Value: []byte("{}")})
	require.ErrorContains(t, err, "no partition key")
}

func TestKafkaProducerWritersHashOnUserKey(t *testing.T) {
	producer := NewKafkaProducer(ProducerConfig{Brokers: []string{"localhost:9092"}}, zerolog.Nop())

	writer := producer.writerForTopic(events.TopicSchedule)
	require.Same(t, writer, producer.writerForTopic(events.TopicSchedule))
	require.Equal(t, events.TopicSchedule, writer.Topic)
	require.IsType(t, &kafka.Hash{}, writer.Balancer)
	require.Equal(t, kafka.RequireAll, writer.RequiredAcks)
	require.Positive(t, writer.BatchTimeout)

	require.NoError(t, producer.Close())
	require.Empty(t, producer.writers)
}
