// Package gatewaytest holds the behavioural contract every domain.Gateway implementation must satisfy.
package gatewaytest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/domain"
)

// Factory returns a fresh, empty gateway for one subtest.
type Factory func(t *testing.T) domain.Gateway

// Run executes the contract against gateways produced by newGateway.
func Run(t *testing.T, newGateway Factory) {
	t.Run("latest snapshot of new user is nil", func(t *testing.T) {
		gw := newGateway(t)
		latest, err := gw.LatestSnapshot(context.Background(), uuid.NewString())
		require.NoError(t, err)
		require.Nil(t, latest)
	})

	t.Run("append snapshot keeps full rows and orders by recency", func(t *testing.T) {
		ctx := context.Background()
		gw := newGateway(t)
		userID := uuid.NewString()
		base := time.Date(2025, time.June, 1, 7, 0, 0, 0, time.UTC)

		first, err := gw.AppendSnapshot(ctx, userID, domain.HealthSnapshot{HeartRate: 70, Steps: 100, Sleep: 7.5, Water: 1.2, CaloriesBurned: 300, RecordedAt: base})
		require.NoError(t, err)
		second, err := gw.AppendSnapshot(ctx, userID, domain.HealthSnapshot{HeartRate: 75, Steps: 130, Sleep: 7.5, Water: 1.3, CaloriesBurned: 310, RecordedAt: base})
		require.NoError(t, err)
		require.Greater(t, second.Seq, first.Seq)

		latest, err := gw.LatestSnapshot(ctx, userID)
		require.NoError(t, err)
		require.NotNil(t, latest)
		require.Equal(t, 75, latest.HeartRate)
		require.Equal(t, 130, latest.Steps)
		require.InDelta(t, 1.3, latest.Water, 0.0001)
		require.Equal(t, userID, latest.UserID)

		other, err := gw.LatestSnapshot(ctx, uuid.NewString())
		require.NoError(t, err)
		require.Nil(t, other)
	})

	t.Run("snapshot history paginates newest first", func(t *testing.T) {
		ctx := context.Background()
		gw := newGateway(t)
		userID := uuid.NewString()
		base := time.Date(2025, time.June, 1, 7, 0, 0, 0, time.UTC)
		for i := 0; i < 5; i++ {
			_, err := gw.AppendSnapshot(ctx, userID, domain.HealthSnapshot{Steps: i, RecordedAt: base.Add(time.Duration(i) * time.Minute)})
			require.NoError(t, err)
		}

		page, next, err := gw.SnapshotHistory(ctx, userID, nil, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		require.Equal(t, 4, page[0].Steps)
		require.Equal(t, 3, page[1].Steps)
		require.NotNil(t, next)

		page, next, err = gw.SnapshotHistory(ctx, userID, next, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		require.Equal(t, 2, page[0].Steps)

		page, next, err = gw.SnapshotHistory(ctx, userID, next, 2)
		require.NoError(t, err)
		require.Len(t, page, 1)
		require.Equal(t, 0, page[0].Steps)
		require.Nil(t, next)
	})

	t.Run("activity insert and completion is idempotent", func(t *testing.T) {
		ctx := context.Background()
		gw := newGateway(t)
		userID := uuid.NewString()
		duration := "30 min"

		created, err := gw.InsertActivity(ctx, userID, domain.NewActivity{Title: "Evening Walk", Description: "Light cardio exercise", ScheduledTime: "6:30 PM", Duration: &duration})
		require.NoError(t, err)
		require.NotEmpty(t, created.ID)
		require.False(t, created.Completed)

		for i := 0; i < 2; i++ {
			updated, err := gw.UpdateActivityCompletion(ctx, userID, created.ID, true)
			require.NoError(t, err)
			require.True(t, updated.Completed)
		}

		list, err := gw.ActivitiesForUser(ctx, userID)
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.True(t, list[0].Completed)
		require.Equal(t, "6:30 PM", list[0].ScheduledTime)
		require.NotNil(t, list[0].Duration)
		require.Equal(t, "30 min", *list[0].Duration)

		_, err = gw.UpdateActivityCompletion(ctx, uuid.NewString(), created.ID, true)
		require.ErrorIs(t, err, domain.ErrActivityNotFound)
	})

	t.Run("upsert activity inserts then overwrites", func(t *testing.T) {
		ctx := context.Background()
		gw := newGateway(t)
		userID := uuid.NewString()
		activity := domain.Activity{ID: uuid.NewString(), UserID: userID, Title: "Take Vitamins", ScheduledTime: "9:00 PM"}

		require.NoError(t, gw.UpsertActivity(ctx, activity))
		activity.Description = "Daily supplements"
		activity.Completed = true
		require.NoError(t, gw.UpsertActivity(ctx, activity))

		list, err := gw.ActivitiesForUser(ctx, userID)
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.Equal(t, "Daily supplements", list[0].Description)
		require.True(t, list[0].Completed)
	})

	t.Run("device connection upsert is keyed by user and provider", func(t *testing.T) {
		ctx := context.Background()
		gw := newGateway(t)
		userID := uuid.NewString()
		deviceID := "pixel-7"
		name := "Pixel"

		first, err := gw.UpsertDeviceConnection(ctx, domain.DeviceConnection{UserID: userID, Provider: domain.ProviderAndroid, AccessToken: "tok-1", DeviceID: &deviceID, DeviceName: &name})
		require.NoError(t, err)
		renamed := "Pixel 7"
		second, err := gw.UpsertDeviceConnection(ctx, domain.DeviceConnection{UserID: userID, Provider: domain.ProviderAndroid, AccessToken: "tok-2", DeviceID: &deviceID, DeviceName: &renamed})
		require.NoError(t, err)
		require.Equal(t, first.ID, second.ID)

		conns, err := gw.DeviceConnections(ctx, userID)
		require.NoError(t, err)
		require.Len(t, conns, 1)
		require.Equal(t, "tok-2", conns[0].AccessToken)
		require.Equal(t, "Pixel 7", *conns[0].DeviceName)

		missing, err := gw.DeviceConnection(ctx, userID, domain.ProviderFitbit)
		require.NoError(t, err)
		require.Nil(t, missing)

		syncedAt := time.Date(2025, time.June, 2, 9, 0, 0, 0, time.UTC)
		require.NoError(t, gw.TouchLastSynced(ctx, userID, domain.ProviderAndroid, syncedAt))
		conn, err := gw.DeviceConnection(ctx, userID, domain.ProviderAndroid)
		require.NoError(t, err)
		require.NotNil(t, conn)
		require.True(t, syncedAt.Equal(conn.LastSyncedAt))

		require.ErrorIs(t, gw.TouchLastSynced(ctx, userID, domain.ProviderGarmin, syncedAt), domain.ErrConnectionNotFound)
	})

	t.Run("ensure profile creates once with null fields", func(t *testing.T) {
		ctx := context.Background()
		gw := newGateway(t)
		userID := uuid.NewString()

		missing, err := gw.Profile(ctx, userID)
		require.NoError(t, err)
		require.Nil(t, missing)

		created, err := gw.EnsureProfile(ctx, userID)
		require.NoError(t, err)
		require.Nil(t, created.FirstName)
		require.Nil(t, created.LastName)
		require.Nil(t, created.AvatarURL)

		again, err := gw.EnsureProfile(ctx, userID)
		require.NoError(t, err)
		require.True(t, created.CreatedAt.Equal(again.CreatedAt))
	})
}
