//go:build integration

package postgres

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/persistence/gatewaytest"
	"example.com/healthsync/internal/testutil/pgtest"
)

func TestGatewayContract(t *testing.T) {
	pool := setupPostgres(t)

	gatewaytest.Run(t, func(t *testing.T) domain.Gateway {
		return NewGateway(pool)
	})
}

func TestGatewayRespectsUserIsolation(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t)
	gw := NewGateway(pool)

	owner := uuid.NewString()
	created, err := gw.InsertActivity(ctx, owner, domain.NewActivity{Title: "Morning Run", ScheduledTime: "7:00 AM"})
	require.NoError(t, err)

	list, err := gw.ActivitiesForUser(ctx, uuid.NewString())
	require.NoError(t, err)
	require.Empty(t, list)

	_, err = gw.UpdateActivityCompletion(ctx, uuid.NewString(), created.ID, true)
	require.ErrorIs(t, err, domain.ErrActivityNotFound, "RLS should hide other users' rows")
}

func TestGatewayWritesOutboxRowsWithChanges(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t)
	gw := NewGateway(pool)
	userID := uuid.NewString()

	_, err := gw.AppendSnapshot(ctx, userID, domain.DefaultSnapshot(userID))
	require.NoError(t, err)
	created, err := gw.InsertActivity(ctx, userID, domain.NewActivity{Title: "Stretch"})
	require.NoError(t, err)
	_, err = gw.UpdateActivityCompletion(ctx, userID, created.ID, true)
	require.NoError(t, err)
	_, err = gw.UpsertDeviceConnection(ctx, domain.DeviceConnection{UserID: userID, Provider: domain.ProviderFitbit, AccessToken: "tok"})
	require.NoError(t, err)

	rows, err := pool.Query(ctx,
		`SELECT event_type, topic, partition_key, operation FROM outbox WHERE user_id = $1 ORDER BY event_id`, userID)
	require.NoError(t, err)
	defer rows.Close()

	type outboxRow struct{ eventType, topic, key, op string }
	var got []outboxRow
	for rows.Next() {
		var r outboxRow
		require.NoError(t, rows.Scan(&r.eventType, &r.topic, &r.key, &r.op))
		got = append(got, r)
	}
	require.NoError(t, rows.Err())

	require.Equal(t, []outboxRow{
		{EventSnapshotAppended, "health_snapshot_changes", userID, "INSERT"},
		{EventActivityChanged, "activity_changes", userID, "INSERT"},
		{EventActivityChanged, "activity_changes", userID, "UPDATE"},
		{EventDeviceConnectionChanged, "device_connection_changes", userID, "INSERT"},
	}, got)
}

func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	return pgtest.Start(t).App
}
