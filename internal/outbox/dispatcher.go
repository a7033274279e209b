// Package outbox delivers the change events recorded by the Postgres gateway to Kafka.
package outbox

import (
	"cmp"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Kafka record headers set on every delivered event.
const (
	HeaderEventType     = "event_type"
	HeaderUserID        = "user_id"
	HeaderSchemaSubject = "schema_subject"
	HeaderOperation     = "operation"
)

// minClaimLease bounds how long a claimed row stays invisible to other dispatchers.
const minClaimLease = 30 * time.Second

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

type schemaRegistrar interface {
	EnsureSchema(context.Context, string, string) (int, error)
}

// Message is one outbox row.
type Message struct {
	EventID       int64           `db:"event_id"`
	UserID        string          `db:"user_id"`
	AggregateType string          `db:"aggregate_type"`
	AggregateID   string          `db:"aggregate_id"`
	EventType     string          `db:"event_type"`
	Topic         string          `db:"topic"`
	SchemaSubject string          `db:"schema_subject"`
	PartitionKey  string          `db:"partition_key"`
	Operation     string          `db:"operation"`
	Payload       json.RawMessage `db:"payload"`
}

// topicBatch is the encoded records bound for one topic, with the rows they came from.
type topicBatch struct {
	topic    string
	records  []kafka.Message
	messages []Message
}

// rejection is a message that could not be delivered and the reason it goes to the DLQ.
type rejection struct {
	msg    Message
	reason string
}

// Dispatcher drains the outbox table and delivers events to Kafka using Schema Registry metadata.
type Dispatcher struct {
	pool         *pgxpool.Pool
	producer     messageWriter
	registry     schemaRegistrar
	log          *zap.Logger
	pollInterval time.Duration
	batchSize    int
	claimLease   time.Duration
	now          func() time.Time

	schemaIDs sync.Map // subject -> schema id
	done      chan struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(pool *pgxpool.Pool, producer messageWriter, registry schemaRegistrar, pollInterval time.Duration, batchSize int, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		pool:         pool,
		producer:     producer,
		registry:     registry,
		log:          log.Named("outbox"),
		pollInterval: pollInterval,
		batchSize:    batchSize,
		claimLease:   max(minClaimLease, 10*pollInterval),
		now:          func() time.Time { return time.Now().UTC() },
		done:         make(chan struct{}),
	}
}

// Run polls the outbox until ctx is cancelled. A full batch is followed immediately by
// another poll; otherwise the dispatcher sleeps for pollInterval.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		claimed, err := d.dispatchOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error("dispatch batch failed", zap.Error(err))
		}
		if claimed == d.batchSize && err == nil {
			timer.Reset(0)
		} else {
			timer.Reset(d.pollInterval)
		}
	}
}

// Wait blocks until Run has returned.
func (d *Dispatcher) Wait() {
	<-d.done
}

// dispatchOnce claims, delivers and settles one batch and returns how many rows it claimed.
func (d *Dispatcher) dispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.claim(ctx)
	if err != nil || len(messages) == 0 {
		return 0, err
	}
	start := time.Now()
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	batches, rejected := d.plan(ctx, messages)
	for _, b := range batches {
		if err := d.producer.WriteMessages(ctx, b.topic, b.records...); err != nil {
			d.log.Warn("kafka write failed, dead-lettering topic batch",
				zap.String("topic", b.topic),
				zap.Int("messages", len(b.messages)),
				zap.Error(err),
			)
			for _, msg := range b.messages {
				rejected = append(rejected, rejection{msg: msg, reason: fmt.Sprintf("%s (topic=%s)", err, b.topic)})
			}
			continue
		}
		eventsCounter.WithLabelValues(b.topic, outcomeDelivered).Add(float64(len(b.messages)))
	}

	if err := deadLetter(ctx, d.pool, rejected); err != nil {
		// rows stay claimed and are retried once the lease expires
		return len(messages), fmt.Errorf("write dlq: %w", err)
	}
	for _, r := range rejected {
		eventsCounter.WithLabelValues(r.msg.Topic, outcomeDeadLettered).Inc()
	}
	return len(messages), d.markPublished(ctx, messages)
}

// claim leases up to batchSize unpublished rows, skipping rows another dispatcher holds.
func (d *Dispatcher) claim(ctx context.Context) ([]Message, error) {
	const query = `WITH due AS (
            SELECT event_id FROM outbox
             WHERE published_at IS NULL
               AND (claimed_at IS NULL OR claimed_at < NOW() - $2::interval)
             ORDER BY event_id
             LIMIT $1
             FOR UPDATE SKIP LOCKED)
        UPDATE outbox o SET claimed_at = NOW()
          FROM due WHERE o.event_id = due.event_id
        RETURNING o.event_id, o.user_id, o.aggregate_type, o.aggregate_id, o.event_type, o.topic,
                  o.schema_subject, o.partition_key, o.operation, o.payload`

	rows, err := d.pool.Query(ctx, query, d.batchSize, d.claimLease)
	if err != nil {
		return nil, err
	}
	messages, err := pgx.CollectRows(rows, pgx.RowToStructByName[Message])
	if err != nil {
		return nil, err
	}
	// RETURNING does not keep the CTE order
	slices.SortFunc(messages, func(a, b Message) int { return cmp.Compare(a.EventID, b.EventID) })
	return messages, nil
}

// plan encodes messages into per-topic batches in first-seen topic order. Messages that
// cannot be encoded are returned as rejections.
func (d *Dispatcher) plan(ctx context.Context, messages []Message) ([]topicBatch, []rejection) {
	var (
		batches  []topicBatch
		rejected []rejection
		index    = make(map[string]int)
	)
	for _, msg := range messages {
		record, err := d.encode(ctx, msg)
		if err != nil {
			rejected = append(rejected, rejection{msg: msg, reason: err.Error()})
			continue
		}
		i, ok := index[msg.Topic]
		if !ok {
			i = len(batches)
			index[msg.Topic] = i
			batches = append(batches, topicBatch{topic: msg.Topic})
		}
		batches[i].records = append(batches[i].records, record)
		batches[i].messages = append(batches[i].messages, msg)
	}
	return batches, rejected
}

func (d *Dispatcher) encode(ctx context.Context, msg Message) (kafka.Message, error) {
	schema, ok := schemaCatalog[msg.EventType]
	if !ok {
		return kafka.Message{}, fmt.Errorf("no schema metadata for event_type=%s", msg.EventType)
	}
	schemaID, err := d.schemaID(ctx, msg.SchemaSubject, schema)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("resolve schema %s: %w", msg.SchemaSubject, err)
	}
	return kafka.Message{
		Key:   []byte(msg.PartitionKey),
		Value: encodeWireFormat(schemaID, msg.Payload),
		Time:  d.now(),
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(msg.EventType)},
			{Key: HeaderUserID, Value: []byte(msg.UserID)},
			{Key: HeaderSchemaSubject, Value: []byte(msg.SchemaSubject)},
			{Key: HeaderOperation, Value: []byte(msg.Operation)},
		},
	}, nil
}

// schemaID resolves a subject once per process; the catalog holds one schema per subject.
func (d *Dispatcher) schemaID(ctx context.Context, subject, schema string) (int, error) {
	if id, ok := d.schemaIDs.Load(subject); ok {
		return id.(int), nil
	}
	id, err := d.registry.EnsureSchema(ctx, subject, schema)
	if err != nil {
		return 0, err
	}
	d.schemaIDs.Store(subject, id)
	return id, nil
}

func (d *Dispatcher) markPublished(ctx context.Context, messages []Message) error {
	ids := make([]int64, len(messages))
	for i, msg := range messages {
		ids[i] = msg.EventID
	}
	_, err := d.pool.Exec(ctx, `UPDATE outbox SET published_at = NOW() WHERE event_id = ANY($1)`, ids)
	return err
}

// encodeWireFormat prefixes payload with the Confluent magic byte and schema id.
func encodeWireFormat(schemaID int, payload []byte) []byte {
	frame := make([]byte, 5, 5+len(payload))
	binary.BigEndian.PutUint32(frame[1:5], uint32(schemaID))
	return append(frame, payload...)
}
