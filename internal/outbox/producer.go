package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"example.com/attendance/internal/events"
)

// ProducerConfig tunes the per-topic writers.
type ProducerConfig struct {
	Brokers      []string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

// KafkaProducer publishes to the attendance topics, one lazily created writer per topic.
// Records are hashed on their key, the user ID, so a user's events stay ordered on one partition.
type KafkaProducer struct {
	cfg     ProducerConfig
	logger  zerolog.Logger
	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewKafkaProducer creates a KafkaProducer.
func NewKafkaProducer(cfg ProducerConfig, logger zerolog.Logger) *KafkaProducer {
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &KafkaProducer{
		cfg:     cfg,
		logger:  logger,
		writers: make(map[string]*kafka.Writer),
	}
}

// WriteMessages writes messages to one of the attendance topics.
func (p *KafkaProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	if !events.IsTopic(topic) {
		return fmt.Errorf("topic %q is not an attendance topic", topic)
	}
	for i := range msgs {
		if len(msgs[i].Key) == 0 {
			return fmt.Errorf("message %d for %s has no partition key", i, topic)
		}
	}
	if err := p.writerForTopic(topic).WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d messages to %s: %w", len(msgs), topic, err)
	}
	return nil
}

func (p *KafkaProducer) writerForTopic(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if writer, ok := p.writers[topic]; ok {
		return writer
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(p.cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		BatchTimeout: p.cfg.BatchTimeout,
		WriteTimeout: p.cfg.WriteTimeout,
	}
	p.writers[topic] = writer
	p.logger.Debug().Str("topic", topic).Msg("kafka writer created")
	return writer
}

// Close flushes and releases all writers.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil {
			p.logger.Error().Err(err).Str("topic", topic).Msg("close kafka writer")
			if firstErr == nil {
				firstErr = err
			}
		}
		delete(p.writers, topic)
	}
	return firstErr
}
