package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	quarantineReason = "retry limit reached"
	maxBackoff       = time.Hour
)

// DLQManager replays dead-lettered events into the outbox and quarantines entries that keep failing.
type DLQManager struct {
	pool       *pgxpool.Pool
	maxRetries int
	baseDelay  time.Duration
	log        *zap.Logger
}

// NewDLQManager constructs a DLQManager. Non-positive settings fall back to 5 retries and a
// one minute base delay.
func NewDLQManager(pool *pgxpool.Pool, maxRetries int, baseDelay time.Duration, log *zap.Logger) *DLQManager {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DLQManager{pool: pool, maxRetries: maxRetries, baseDelay: baseDelay, log: log.Named("dlq")}
}

// Run calls RunOnce every interval until ctx is cancelled.
func (m *DLQManager) Run(ctx context.Context, interval time.Duration, batchSize int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		processed, err := m.RunOnce(ctx, batchSize)
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			m.log.Error("dlq pass failed", zap.Int("processed", processed), zap.Error(err))
		case processed > 0:
			m.log.Info("dlq pass complete", zap.Int("processed", processed))
		}
	}
}

// dlqEntry is an outbox_dlq row that is due for replay.
type dlqEntry struct {
	ID            int64  `db:"dlq_id"`
	UserID        string `db:"user_id"`
	EventID       int64  `db:"event_id"`
	EventType     string `db:"event_type"`
	Topic         string `db:"topic"`
	Payload       []byte `db:"payload"`
	AggregateType string `db:"aggregate_type"`
	AggregateID   string `db:"aggregate_id"`
	SchemaSubject string `db:"schema_subject"`
	PartitionKey  string `db:"partition_key"`
	Operation     string `db:"operation"`
	RetryCount    int    `db:"retry_count"`
}

// RunOnce handles up to batchSize due entries and returns how many were settled.
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (int, error) {
	rows, err := m.pool.Query(ctx,
		`SELECT dlq_id, user_id, event_id, event_type, topic, payload, aggregate_type, aggregate_id,
                schema_subject, partition_key, operation, retry_count
           FROM outbox_dlq
          WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= NOW())
          ORDER BY created_at
          LIMIT $1`, batchSize)
	if err != nil {
		return 0, err
	}
	entries, err := pgx.CollectRows(rows, pgx.RowToStructByName[dlqEntry])
	if err != nil {
		return 0, err
	}

	var errs []error
	processed := 0
	for _, entry := range entries {
		if err := pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error { return m.settle(ctx, tx, entry) }); err != nil {
			errs = append(errs, fmt.Errorf("dlq entry %d: %w", entry.ID, err))
			continue
		}
		processed++
	}

	if err := refreshBacklog(ctx, m.pool); err != nil {
		m.log.Warn("dlq backlog refresh failed", zap.Error(err))
	}
	return processed, errors.Join(errs...)
}

// settle quarantines an exhausted entry, or replays it into the outbox. A replay that fails
// is rolled back to a savepoint and rescheduled with backoff inside the same transaction.
func (m *DLQManager) settle(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	if entry.RetryCount >= m.maxRetries {
		if _, err := tx.Exec(ctx,
			`UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2`,
			quarantineReason, entry.ID); err != nil {
			return err
		}
		dlqEntriesCounter.WithLabelValues(entry.Topic, actionQuarantined).Inc()
		m.log.Warn("dlq entry quarantined",
			zap.Int64("dlq_id", entry.ID),
			zap.String("event_type", entry.EventType),
			zap.String("user_id", entry.UserID),
			zap.Int("retries", entry.RetryCount),
		)
		return nil
	}

	replayErr := pgx.BeginFunc(ctx, tx, func(sp pgx.Tx) error { return replay(ctx, sp, entry) })
	if replayErr == nil {
		dlqEntriesCounter.WithLabelValues(entry.Topic, actionRequeued).Inc()
		return nil
	}

	delay := m.backoffDelay(entry.RetryCount + 1)
	if _, err := tx.Exec(ctx,
		`UPDATE outbox_dlq
            SET retry_count = retry_count + 1,
                last_attempt_at = NOW(),
                next_retry_at = NOW() + $1::interval,
                reason = $2
          WHERE dlq_id = $3`,
		delay, replayErr.Error(), entry.ID); err != nil {
		return err
	}
	dlqEntriesCounter.WithLabelValues(entry.Topic, actionRetryScheduled).Inc()
	m.log.Info("dlq replay deferred",
		zap.Int64("dlq_id", entry.ID),
		zap.Duration("delay", delay),
		zap.Error(replayErr),
	)
	return nil
}

// replay moves the entry back into the outbox.
func replay(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	if entry.SchemaSubject == "" {
		return errors.New("missing schema_subject")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO outbox (user_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, operation, payload)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		entry.UserID, entry.AggregateType, entry.AggregateID, entry.EventType, entry.Topic,
		entry.SchemaSubject, entry.PartitionKey, entry.Operation, entry.Payload,
	); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.ID)
	return err
}

// backoffDelay doubles baseDelay per attempt, capped at maxBackoff.
func (m *DLQManager) backoffDelay(attempt int) time.Duration {
	attempt = max(attempt, 1)
	delay := m.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return min(delay, maxBackoff)
}
