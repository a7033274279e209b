package outbox

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const insertDLQ = `INSERT INTO outbox_dlq (user_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, operation, next_retry_at)
     VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, NOW())`

// deadLetter records rejected messages in one round trip. New entries are due for replay
// immediately.
func deadLetter(ctx context.Context, pool *pgxpool.Pool, rejected []rejection) error {
	if len(rejected) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rejected {
		m := r.msg
		batch.Queue(insertDLQ,
			m.UserID, m.EventID, m.EventType, m.Topic, m.Payload, r.reason,
			m.AggregateType, m.AggregateID, m.SchemaSubject, m.PartitionKey, m.Operation,
		)
	}
	return pool.SendBatch(ctx, batch).Close()
}
