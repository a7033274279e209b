// Package consumer reads the change events published by the outbox dispatcher.
package consumer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Reader is the subset of *kafka.Reader the processor uses.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded change events.
type Handler interface {
	Handle(context.Context, Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(context.Context, Message) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Message is a change event as framed by the outbox dispatcher.
type Message struct {
	Topic         string
	Partition     int
	Offset        int64
	Timestamp     time.Time
	EventType     string
	UserID        string
	Operation     string
	SchemaSubject string
	SchemaID      int
	Payload       json.RawMessage
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the processor's logger.
func WithLogger(log *zap.Logger) Option {
	return func(p *Processor) { p.log = log }
}

// WithRetry makes the processor call the handler up to attempts times, sleeping delay
// between calls, before it gives up on a record.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(p *Processor) {
		p.attempts = max(attempts, 1)
		p.retryDelay = delay
	}
}

// Processor fetches records, decodes them and hands them to a Handler. Records are committed
// once handled; malformed records are committed unhandled so they cannot block the partition.
type Processor struct {
	reader     Reader
	handler    Handler
	log        *zap.Logger
	attempts   int
	retryDelay time.Duration
	now        func() time.Time
}

// NewProcessor constructs a Processor.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:   reader,
		handler:  handler,
		log:      zap.NewNop(),
		attempts: 1,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes records until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		record, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return context.Canceled
			}
			p.log.Warn("fetch failed", zap.Error(err))
			continue
		}
		recordLog := p.log.With(
			zap.String("topic", record.Topic),
			zap.Int("partition", record.Partition),
			zap.Int64("offset", record.Offset),
		)

		msg, err := decodeMessage(record)
		if err != nil {
			recordLog.Warn("malformed record", zap.Error(err))
			messagesCounter.WithLabelValues(record.Topic, outcomeMalformed).Inc()
			p.commit(ctx, record, recordLog)
			continue
		}

		start := p.now()
		if err := p.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			recordLog.Error("handler failed",
				zap.String("event_type", msg.EventType),
				zap.String("user_id", msg.UserID),
				zap.Error(err),
			)
			messagesCounter.WithLabelValues(msg.Topic, outcomeFailed).Inc()
			continue
		}
		if p.commit(ctx, record, recordLog) {
			observeHandled(msg, p.now().Sub(start), p.now())
		}
	}
}

func (p *Processor) handle(ctx context.Context, msg Message) error {
	var err error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if err = p.handler.Handle(ctx, msg); err == nil {
			return nil
		}
		if attempt == p.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.retryDelay):
		}
	}
	return err
}

func (p *Processor) commit(ctx context.Context, record kafka.Message, log *zap.Logger) bool {
	if err := p.reader.CommitMessages(ctx, record); err != nil {
		log.Warn("commit failed", zap.Error(err))
		return false
	}
	return true
}

// decodeMessage strips the schema registry frame and lifts the routing headers.
func decodeMessage(record kafka.Message) (Message, error) {
	if len(record.Value) < 5 {
		return Message{}, fmt.Errorf("record too short for wire format: %d bytes", len(record.Value))
	}
	if magic := record.Value[0]; magic != 0 {
		return Message{}, fmt.Errorf("unknown wire format magic byte %d", magic)
	}

	headers := make(map[string]string, len(record.Headers))
	for _, h := range record.Headers {
		headers[h.Key] = string(h.Value)
	}
	eventType := headers["event_type"]
	if eventType == "" {
		return Message{}, errors.New("missing event_type header")
	}

	return Message{
		Topic:         record.Topic,
		Partition:     record.Partition,
		Offset:        record.Offset,
		Timestamp:     record.Time,
		EventType:     eventType,
		UserID:        headers["user_id"],
		Operation:     headers["operation"],
		SchemaSubject: headers["schema_subject"],
		SchemaID:      int(binary.BigEndian.Uint32(record.Value[1:5])),
		Payload:       json.RawMessage(append([]byte(nil), record.Value[5:]...)),
	}, nil
}
