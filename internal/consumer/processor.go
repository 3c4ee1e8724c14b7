// Package consumer applies events from collaborating services to the points ledger.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"example.com/attendance/internal/events"
)

const (
	defaultRetryBackoff = 500 * time.Millisecond
	defaultMaxBackoff   = 30 * time.Second
)

// Reader exposes the minimal kafka.Reader interface needed by the processor.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded messages from Kafka.
type Handler interface {
	Handle(context.Context, Message) error
}

// Message is the decoded representation of a Kafka record.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	EventType string
	// EventID is the producer's event identifier when the record carries one.
	EventID  string
	SchemaID int
	Payload  json.RawMessage
}

// Key identifies the record for deduplication, preferring the producer's event ID.
func (m Message) Key() string {
	if m.EventID != "" {
		return m.EventType + ":" + m.EventID
	}
	return fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset)
}

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithRetryBackoff sets the delay before re-handling a failed message and the cap it doubles up to.
func WithRetryBackoff(initial, limit time.Duration) Option {
	return func(p *Processor) {
		if initial > 0 {
			p.retryBackoff = initial
		}
		if limit > 0 {
			p.maxBackoff = limit
		}
	}
}

// Processor pulls messages from Kafka, decodes them, and dispatches to a Handler. A message is
// committed only once its handler succeeds; a failing handler is retried on the same message, so
// later offsets on the partition wait behind it.
type Processor struct {
	reader       Reader
	handler      Handler
	logger       zerolog.Logger
	retryBackoff time.Duration
	maxBackoff   time.Duration
}

// NewProcessor constructs a Processor with the provided reader and handler.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:       reader,
		handler:      handler,
		logger:       zerolog.Nop(),
		retryBackoff: defaultRetryBackoff,
		maxBackoff:   defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxBackoff < p.retryBackoff {
		p.maxBackoff = p.retryBackoff
	}
	return p
}

// Run starts a blocking loop that processes Kafka messages until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			p.logger.Warn().Err(err).Msg("fetch error")
			continue
		}

		event, decodeErr := decodeMessage(msg)
		if decodeErr != nil {
			p.logger.Warn().Err(decodeErr).
				Str("topic", msg.Topic).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("decode error")
			recordDecodeError(msg.Topic)
			// Commit malformed messages to avoid poison-pill loops.
			if commitErr := p.reader.CommitMessages(ctx, msg); commitErr != nil {
				p.logger.Error().Err(commitErr).Msg("commit error after decode failure")
			}
			continue
		}

		if err := p.handle(ctx, event); err != nil {
			return err
		}

		if commitErr := p.reader.CommitMessages(ctx, msg); commitErr != nil {
			p.logger.Error().Err(commitErr).Msg("commit error")
		} else {
			recordProcessed(event)
		}
	}
}

// handle runs the handler until it succeeds, backing off between attempts. It only fails when ctx
// is done, leaving the message uncommitted for the next consumer of the partition.
func (p *Processor) handle(ctx context.Context, event Message) error {
	delay := p.retryBackoff
	for attempt := 1; ; attempt++ {
		err := p.handler.Handle(ctx, event)
		if err == nil {
			return nil
		}
		recordHandlerError(event)
		p.logger.Error().Err(err).
			Str("event_type", event.EventType).
			Str("key", event.Key()).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("handler error")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > p.maxBackoff {
			delay = p.maxBackoff
		}
	}
}

// decodeMessage accepts schema-registry framed values as well as bare JSON.
func decodeMessage(msg kafka.Message) (Message, error) {
	if len(msg.Value) == 0 {
		return Message{}, errors.New("empty payload")
	}

	eventType, ok := headerValue(msg, "event_type")
	if !ok || len(eventType) == 0 {
		return Message{}, errors.New("missing event_type header")
	}
	eventID, _ := headerValue(msg, "event_id")

	schemaID, body, err := events.DecodeFrame(msg.Value)
	if errors.Is(err, events.ErrNotFramed) {
		schemaID, body = 0, msg.Value
	} else if err != nil {
		return Message{}, err
	}
	if !json.Valid(body) {
		return Message{}, errors.New("payload is not valid JSON")
	}

	return Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Time,
		EventType: string(eventType),
		EventID:   string(eventID),
		SchemaID:  schemaID,
		Payload:   json.RawMessage(append([]byte(nil), body...)),
	}, nil
}

func headerValue(msg kafka.Message, key string) ([]byte, bool) {
	for _, header := range msg.Headers {
		if header.Key == key {
			return header.Value, true
		}
	}
	return nil, false
}
