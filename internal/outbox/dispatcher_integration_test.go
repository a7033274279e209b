//go:build integration

package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/domain"
	pgstore "example.com/healthsync/internal/persistence/postgres"
	"example.com/healthsync/internal/testutil/pgtest"
)

func TestDispatcherPublishesGatewayEvents(t *testing.T) {
	ctx := context.Background()
	db := pgtest.Start(t)

	userID := uuid.NewString()
	gw := pgstore.NewGateway(db.App)
	_, err := gw.InsertActivity(ctx, userID, domain.NewActivity{Title: "Run"})
	require.NoError(t, err)

	producer := &stubProducer{}
	dispatcher := NewDispatcher(db.App, producer, &stubRegistry{id: 42}, 10*time.Millisecond, 5, nil)

	delivered := eventsCounter.WithLabelValues("activity_changes", outcomeDelivered)
	beforeDelivered := testutil.ToFloat64(delivered)
	beforeHistogram := histogramSampleCount(t)

	claimed, err := dispatcher.dispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, claimed)

	require.Len(t, producer.writes, 1)
	require.Equal(t, "activity_changes", producer.writes[0].topic)
	require.Len(t, producer.writes[0].messages, 1)
	require.Equal(t, userID, headerMap(producer.writes[0].messages[0])[HeaderUserID])

	require.InDelta(t, beforeDelivered+1, testutil.ToFloat64(delivered), 0.0001)
	require.Greater(t, histogramSampleCount(t), beforeHistogram)

	var published int
	require.NoError(t, db.Admin.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NOT NULL`).Scan(&published))
	require.Equal(t, 1, published)

	// nothing left to claim
	claimed, err = dispatcher.dispatchOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, claimed)
	require.Len(t, producer.writes, 1)
}

func TestDispatcherRoutesMessagesToDLQOnFailure(t *testing.T) {
	ctx := context.Background()
	db := pgtest.Start(t)

	userID := uuid.NewString()
	seedOutbox(t, ctx, db.App, userID, pgstore.EventActivityChanged)

	dispatcher := NewDispatcher(db.App, &stubProducer{err: errors.New("kafka write failed")}, &stubRegistry{id: 7}, 10*time.Millisecond, 5, nil)

	deadLettered := eventsCounter.WithLabelValues("activity_changes", outcomeDeadLettered)
	before := testutil.ToFloat64(deadLettered)

	_, err := dispatcher.dispatchOnce(ctx)
	require.NoError(t, err)
	require.InDelta(t, before+1, testutil.ToFloat64(deadLettered), 0.0001)

	var dlqCount int
	var operation string
	require.NoError(t, db.Admin.QueryRow(ctx,
		`SELECT COUNT(*), MAX(operation) FROM outbox_dlq WHERE user_id = $1`, userID).Scan(&dlqCount, &operation))
	require.Equal(t, 1, dlqCount)
	require.Equal(t, "UPDATE", operation)

	var published int
	require.NoError(t, db.Admin.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NOT NULL`).Scan(&published))
	require.Equal(t, 1, published)
}

func TestDispatcherUnknownSchemaMovesEventsToDLQ(t *testing.T) {
	ctx := context.Background()
	db := pgtest.Start(t)

	eventID := seedOutbox(t, ctx, db.App, uuid.NewString(), "activity.unknown")

	producer := &stubProducer{}
	registry := &stubRegistry{id: 99}
	dispatcher := NewDispatcher(db.App, producer, registry, 10*time.Millisecond, 5, nil)

	_, err := dispatcher.dispatchOnce(ctx)
	require.NoError(t, err)
	require.Empty(t, producer.writes)
	require.Empty(t, registry.calls)

	var reason string
	require.NoError(t, db.Admin.QueryRow(ctx, `SELECT reason FROM outbox_dlq WHERE event_id = $1`, eventID).Scan(&reason))
	require.Contains(t, reason, "no schema metadata for event_type=activity.unknown")
}

func TestDLQManagerRequeuesAndQuarantines(t *testing.T) {
	ctx := context.Background()
	db := pgtest.Start(t)

	userID := uuid.NewString()
	seedOutbox(t, ctx, db.App, userID, pgstore.EventActivityChanged)
	failing := NewDispatcher(db.App, &stubProducer{err: errors.New("down")}, &stubRegistry{id: 1}, time.Second, 5, nil)
	_, err := failing.dispatchOnce(ctx)
	require.NoError(t, err)

	manager := NewDLQManager(db.App, 1, time.Minute, nil)
	processed, err := manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, processed)
	require.Zero(t, testutil.ToFloat64(dlqBacklog.WithLabelValues("pending")))

	var pending int
	require.NoError(t, db.Admin.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE user_id = $1 AND published_at IS NULL AND operation = 'UPDATE'`, userID).Scan(&pending))
	require.Equal(t, 1, pending, "entry should be replayed into the outbox")

	// exhausted entries are parked instead of replayed
	_, err = db.Admin.Exec(ctx,
		`INSERT INTO outbox_dlq (user_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count, next_retry_at)
         VALUES ($1, 0, $2, 'activity_changes', '{}', 'down', 'activity', 'a', 'activity_changes-value', $1, 1, NOW())`,
		userID, pgstore.EventActivityChanged)
	require.NoError(t, err)

	processed, err = manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	var quarantined int
	require.NoError(t, db.Admin.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox_dlq WHERE quarantine_reason = $1`, quarantineReason).Scan(&quarantined))
	require.Equal(t, 1, quarantined)
	require.Equal(t, float64(1), testutil.ToFloat64(dlqBacklog.WithLabelValues("quarantined")))
}

func TestDispatcherReclaimsExpiredLeases(t *testing.T) {
	ctx := context.Background()
	db := pgtest.Start(t)

	eventID := seedOutbox(t, ctx, db.App, uuid.NewString(), pgstore.EventActivityChanged)
	_, err := db.Admin.Exec(ctx, `UPDATE outbox SET claimed_at = NOW() WHERE event_id = $1`, eventID)
	require.NoError(t, err)

	producer := &stubProducer{}
	dispatcher := NewDispatcher(db.App, producer, &stubRegistry{id: 3}, 10*time.Millisecond, 5, nil)

	claimed, err := dispatcher.dispatchOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, claimed, "a fresh claim hides the row")

	_, err = db.Admin.Exec(ctx, `UPDATE outbox SET claimed_at = NOW() - INTERVAL '1 hour' WHERE event_id = $1`, eventID)
	require.NoError(t, err)

	claimed, err = dispatcher.dispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, claimed)
	require.Len(t, producer.writes, 1)
}

func histogramSampleCount(t *testing.T) uint64 {
	t.Helper()

	metric := &dto.Metric{}
	require.NoError(t, batchDuration.Write(metric))
	hist := metric.GetHistogram()
	require.NotNil(t, hist)
	return hist.GetSampleCount()
}

func seedOutbox(t *testing.T, ctx context.Context, pool *pgxpool.Pool, userID, eventType string) int64 {
	t.Helper()

	var eventID int64
	err := pool.QueryRow(ctx,
		`INSERT INTO outbox (user_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, operation, payload)
         VALUES ($1, 'activity', $2, $3, 'activity_changes', 'activity_changes-value', $1, 'UPDATE', $4)
         RETURNING event_id`,
		userID, uuid.NewString(), eventType, []byte(`{"activity_id":"a","user_id":"`+userID+`"}`),
	).Scan(&eventID)
	require.NoError(t, err)
	return eventID
}
