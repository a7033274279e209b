package device

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/persistence/memory"
	"example.com/healthsync/internal/realtime"
)

type recordingSink struct {
	userID    string
	steps     []int
	heartRate []int
	sleep     []float64
	calories  []int
}

func (r *recordingSink) UserID() string         { return r.userID }
func (r *recordingSink) AddSteps(n int)         { r.steps = append(r.steps, n) }
func (r *recordingSink) SetHeartRate(v int)     { r.heartRate = append(r.heartRate, v) }
func (r *recordingSink) SetSleep(hours float64) { r.sleep = append(r.sleep, hours) }
func (r *recordingSink) AddCalories(n int)      { r.calories = append(r.calories, n) }

var fixedNow = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *memory.Gateway, *realtime.Hub) {
	t.Helper()
	states, err := OpenBoltStateStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = states.Close() })

	gw := memory.NewGateway()
	hub := realtime.NewHub()
	svc := NewService(gw, states,
		SimulatedExchanger{Now: func() time.Time { return fixedNow }},
		NewSimulatedSource(rand.New(rand.NewPCG(1, 2))),
		hub, zap.NewNop(), WithClock(func() time.Time { return fixedNow }))
	t.Cleanup(svc.Wait)
	return svc, gw, hub
}

func TestConnectBuildsAuthorizationURL(t *testing.T) {
	svc, _, _ := newTestService(t)

	result, err := svc.Connect(context.Background(), "user-1", domain.ProviderFitbit, "client-123", "https://app.example/callback")
	require.NoError(t, err)
	require.NotEmpty(t, result.State)

	u, err := url.Parse(result.AuthURL)
	require.NoError(t, err)
	require.Equal(t, "www.fitbit.com", u.Host)
	q := u.Query()
	require.Equal(t, "client-123", q.Get("client_id"))
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, "activity heartrate sleep weight", q.Get("scope"))
	require.Equal(t, "https://app.example/callback", q.Get("redirect_uri"))
	require.Equal(t, result.State, q.Get("state"))
}

func TestConnectRejectsNonOAuthProviders(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Connect(ctx, "user-1", domain.ProviderAndroid, "c", "r")
	require.ErrorIs(t, err, ErrDirectPairing)

	for _, p := range []domain.Provider{domain.ProviderAppleHealth, domain.ProviderGarmin} {
		_, err := svc.Connect(ctx, "user-1", p, "c", "r")
		require.ErrorIs(t, err, ErrUnsupportedProvider)
	}
}

func TestCompleteRedirectStoresSyntheticToken(t *testing.T) {
	svc, gw, _ := newTestService(t)
	ctx := context.Background()

	started, err := svc.Connect(ctx, "user-1", domain.ProviderWithings, "c", "r")
	require.NoError(t, err)

	conn, err := svc.CompleteRedirect(ctx, "user-1", "auth-code", started.State)
	require.NoError(t, err)
	require.Equal(t, domain.ProviderWithings, conn.Provider)
	require.Equal(t, "mock_withings_token_1748779200000", conn.AccessToken)
	require.NotNil(t, conn.RefreshToken)
	require.Equal(t, "mock_refresh_token_1748779200000", *conn.RefreshToken)
	require.NotNil(t, conn.ExpiresAt)
	require.True(t, fixedNow.Add(time.Hour).Equal(*conn.ExpiresAt))

	stored, err := gw.DeviceConnection(ctx, "user-1", domain.ProviderWithings)
	require.NoError(t, err)
	require.NotNil(t, stored)

	_, err = svc.CompleteRedirect(ctx, "user-1", "auth-code", started.State)
	require.ErrorIs(t, err, ErrInvalidState, "state is single use")
}

func TestCompleteRedirectRejectsForeignOrUnknownState(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CompleteRedirect(ctx, "user-1", "code", "never-issued")
	require.ErrorIs(t, err, ErrInvalidState)

	started, err := svc.Connect(ctx, "user-1", domain.ProviderGoogleFit, "c", "r")
	require.NoError(t, err)

	_, err = svc.CompleteRedirect(ctx, "user-2", "code", started.State)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = svc.CompleteRedirect(ctx, "user-1", "code", started.State)
	require.NoError(t, err, "a rejected attempt must not consume the owner's state")
}

func TestSyncWithoutConnectionLeavesSinkUntouched(t *testing.T) {
	svc, _, _ := newTestService(t)
	sink := &recordingSink{userID: "user-1"}

	result, err := svc.Sync(context.Background(), sink, domain.ProviderFitbit)
	require.ErrorIs(t, err, ErrDeviceNotConnected)
	require.False(t, result.Success)
	require.Equal(t, "Device not connected", result.Error)
	require.Empty(t, sink.steps)
	require.Empty(t, sink.heartRate)
	require.Empty(t, sink.sleep)
	require.Empty(t, sink.calories)
}

func TestSyncFeedsProviderRangesIntoSink(t *testing.T) {
	svc, gw, _ := newTestService(t)
	ctx := context.Background()

	for _, p := range []domain.Provider{domain.ProviderFitbit, domain.ProviderGoogleFit, domain.ProviderWithings, domain.ProviderGarmin} {
		_, err := gw.UpsertDeviceConnection(ctx, domain.DeviceConnection{UserID: "user-1", Provider: p, AccessToken: "tok"})
		require.NoError(t, err)
	}

	fitbit := &recordingSink{userID: "user-1"}
	result, err := svc.Sync(ctx, fitbit, domain.ProviderFitbit)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, fitbit.steps, 1)
	require.GreaterOrEqual(t, fitbit.steps[0], 3000)
	require.Less(t, fitbit.steps[0], 8000)
	require.GreaterOrEqual(t, fitbit.heartRate[0], 60)
	require.Less(t, fitbit.heartRate[0], 80)
	require.GreaterOrEqual(t, fitbit.sleep[0], 6.0)
	require.Less(t, fitbit.sleep[0], 8.0)
	require.GreaterOrEqual(t, fitbit.calories[0], 200)
	require.Less(t, fitbit.calories[0], 500)

	google := &recordingSink{userID: "user-1"}
	_, err = svc.Sync(ctx, google, domain.ProviderGoogleFit)
	require.NoError(t, err)
	require.Empty(t, google.sleep)
	require.GreaterOrEqual(t, google.heartRate[0], 65)
	require.Less(t, google.heartRate[0], 90)

	withings := &recordingSink{userID: "user-1"}
	result, err = svc.Sync(ctx, withings, domain.ProviderWithings)
	require.NoError(t, err)
	require.Empty(t, withings.steps)
	require.Empty(t, withings.heartRate)
	require.NotNil(t, result.Data.Weight)
	require.GreaterOrEqual(t, *result.Data.BloodPressureSystolic, 110)
	require.Less(t, *result.Data.BloodPressureSystolic, 130)

	garmin := &recordingSink{userID: "user-1"}
	result, err = svc.Sync(ctx, garmin, domain.ProviderGarmin)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Empty(t, garmin.steps)

	svc.Wait()
	conn, err := gw.DeviceConnection(ctx, "user-1", domain.ProviderFitbit)
	require.NoError(t, err)
	require.True(t, fixedNow.Equal(conn.LastSyncedAt))
}

func TestPairAndroidTwiceKeepsOneConnection(t *testing.T) {
	svc, gw, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.PairAndroid(ctx, "user-1", "pixel-7", "Pixel")
	require.NoError(t, err)
	require.Nil(t, first.ExpiresAt)
	second, err := svc.PairAndroid(ctx, "user-1", "pixel-7", "Pixel 7")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	conns, err := gw.DeviceConnections(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, conns, 1)
	require.Equal(t, "Pixel 7", *conns[0].DeviceName)

	_, err = svc.PairAndroid(ctx, "user-1", "", "x")
	var validation *domain.ValidationError
	require.ErrorAs(t, err, &validation)

	sink := &recordingSink{userID: "user-1"}
	result, err := svc.Sync(ctx, sink, domain.ProviderAndroid)
	require.NoError(t, err)
	require.NotNil(t, result.Data.ScreenTimeMinutes)
	require.GreaterOrEqual(t, *result.Data.LocationChanges, 0)
	require.Less(t, *result.Data.LocationChanges, 20)
	require.GreaterOrEqual(t, sink.steps[0], 1000)
	require.Less(t, sink.steps[0], 6000)
}

func TestSubscribeRealtimeReceivesDeviceBroadcasts(t *testing.T) {
	svc, _, _ := newTestService(t)

	var got []string
	teardown := svc.SubscribeRealtime("user-1", "pixel-7", func(payload json.RawMessage) {
		got = append(got, string(payload))
	})

	svc.Broadcast("user-1", "pixel-7", json.RawMessage(`{"battery":80}`))
	svc.Broadcast("user-2", "pixel-7", json.RawMessage(`{"battery":10}`))
	svc.Broadcast("user-1", "other-device", json.RawMessage(`{"battery":5}`))
	teardown()
	svc.Broadcast("user-1", "pixel-7", json.RawMessage(`{"battery":79}`))

	require.Equal(t, []string{`{"battery":80}`}, got)
}
