package api

import (
	"bufio"
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"example.com/healthsync/internal/auth"
	"example.com/healthsync/internal/device"
	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/persistence/memory"
	"example.com/healthsync/internal/realtime"
	"example.com/healthsync/internal/session"
	"example.com/healthsync/internal/simulation"
)

var allScopes = []string{auth.ScopeHealthRead, auth.ScopeHealthWrite, auth.ScopeDevicesWrite}

type testEnv struct {
	mux      *http.ServeMux
	sessions *session.Manager
	devices  *device.Service
	gateway  domain.Gateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	hub := realtime.NewHub()
	gw := realtime.NewNotifyingGateway(memory.NewGateway(), hub)
	sessions := session.NewManager(gw, realtime.NewBridge(hub, zap.NewNop()), session.Config{
		Scheduler: &simulation.ManualScheduler{},
	}, zap.NewNop())
	t.Cleanup(sessions.CloseAll)

	states, err := device.OpenBoltStateStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = states.Close() })

	devices := device.NewService(gw, states,
		device.SimulatedExchanger{Now: time.Now},
		device.NewSimulatedSource(rand.New(rand.NewPCG(7, 11))),
		hub, zap.NewNop())
	t.Cleanup(devices.Wait)

	handler := NewHandler(sessions, devices, gw, ClientConfig{BackendURL: "https://backend.example", AnonKey: "anon-key"}, zap.NewNop())
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	return &testEnv{mux: mux, sessions: sessions, devices: devices, gateway: gw}
}

func withUser(r *http.Request, userID string, scopes ...string) *http.Request {
	claims := &auth.Claims{
		Subject:   userID,
		Scopes:    scopes,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	return r.WithContext(auth.WithClaims(r.Context(), claims))
}

func (e *testEnv) do(t *testing.T, method, target, body string, scopes ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if scopes != nil {
		req = withUser(req, "user-1", scopes...)
	}
	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) waitForWrites(t *testing.T) {
	t.Helper()
	if s, ok := e.sessions.Get("user-1"); ok {
		s.Store.Wait()
	}
	e.devices.Wait()
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestPublicRoutes(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())

	rr = env.do(t, http.MethodGet, "/v1/config", "")
	require.Equal(t, http.StatusOK, rr.Code)
	cfg := decode[ClientConfig](t, rr)
	require.Equal(t, "https://backend.example", cfg.BackendURL)
	require.Equal(t, "anon-key", cfg.AnonKey)
}

func TestDashboardRequiresClaimsAndScope(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/v1/dashboard", "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.do(t, http.MethodGet, "/v1/dashboard", "", auth.ScopeDevicesWrite)
	require.Equal(t, http.StatusForbidden, rr.Code)
	body := decode[map[string]string](t, rr)
	require.Equal(t, "forbidden", body["type"])
}

func TestDashboardForNewUser(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/v1/dashboard", "", auth.ScopeHealthRead)
	require.Equal(t, http.StatusOK, rr.Code)

	view := decode[DashboardView](t, rr)
	require.Equal(t, domain.DefaultSnapshot("user-1"), view.Snapshot)
	require.NotNil(t, view.Activities)
	require.Empty(t, view.Activities)

	rr = env.do(t, http.MethodGet, "/v1/profile", "", auth.ScopeHealthRead)
	require.Equal(t, http.StatusOK, rr.Code)
	profile := decode[domain.Profile](t, rr)
	require.Equal(t, "user-1", profile.UserID)
	require.Nil(t, profile.FirstName)
	require.Nil(t, profile.LastName)
	require.Nil(t, profile.AvatarURL)
}

func TestMetricUpdatesAreLastWriteWins(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/v1/metrics/heart_rate", `{"value":70}`, auth.ScopeHealthWrite)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = env.do(t, http.MethodPost, "/v1/metrics/heart_rate", `{"value":75}`, auth.ScopeHealthWrite)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 75, decode[domain.HealthSnapshot](t, rr).HeartRate)

	env.waitForWrites(t)
	rr = env.do(t, http.MethodGet, "/v1/dashboard", "", auth.ScopeHealthRead)
	require.Equal(t, 75, decode[DashboardView](t, rr).Snapshot.HeartRate)
}

func TestMetricUpdateValidation(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/v1/metrics/heart_rate", `{}`, auth.ScopeHealthWrite)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/v1/metrics/steps", `{"value":-5}`, auth.ScopeHealthWrite)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/v1/metrics/blood_pressure", `{"value":120}`, auth.ScopeHealthWrite)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, http.MethodPost, "/v1/metrics/steps", `{"value":10}`, auth.ScopeHealthRead)
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestMetricHistoryPaginates(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/v1/metrics/heart_rate", `{"value":72}`, auth.ScopeHealthWrite)
	require.Equal(t, http.StatusOK, rr.Code)
	env.waitForWrites(t)
	rr = env.do(t, http.MethodPost, "/v1/metrics/steps", `{"value":100}`, auth.ScopeHealthWrite)
	require.Equal(t, http.StatusOK, rr.Code)
	env.waitForWrites(t)

	rr = env.do(t, http.MethodGet, "/v1/metrics/history?limit=1", "", auth.ScopeHealthRead)
	require.Equal(t, http.StatusOK, rr.Code)
	page := decode[HistoryResponse](t, rr)
	require.Len(t, page.Items, 1)
	require.Equal(t, 100, page.Items[0].Steps)
	require.Equal(t, 72, page.Items[0].HeartRate)
	require.NotEmpty(t, page.NextCursor)

	rr = env.do(t, http.MethodGet, "/v1/metrics/history?limit=1&cursor="+url.QueryEscape(page.NextCursor), "", auth.ScopeHealthRead)
	require.Equal(t, http.StatusOK, rr.Code)
	page = decode[HistoryResponse](t, rr)
	require.Len(t, page.Items, 1)
	require.Equal(t, 0, page.Items[0].Steps)

	rr = env.do(t, http.MethodGet, "/v1/metrics/history?cursor=@@@@", "", auth.ScopeHealthRead)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestActivityLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/v1/activities", `{"title":"Run","time":"7:00 AM","duration":"30 min"}`, auth.ScopeHealthWrite)
	require.Equal(t, http.StatusCreated, rr.Code)
	created := decode[domain.Activity](t, rr)
	require.Equal(t, "Run", created.Title)
	require.False(t, created.Completed)

	rr = env.do(t, http.MethodPost, "/v1/dashboard/refresh", "", auth.ScopeHealthRead)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodGet, "/v1/activities", "", auth.ScopeHealthRead)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[ListActivitiesResponse](t, rr)
	require.Len(t, list.Items, 1)
	require.Equal(t, created.ID, list.Items[0].ID)

	for i := 0; i < 2; i++ {
		rr = env.do(t, http.MethodPost, "/v1/activities/"+created.ID+"/complete", "", auth.ScopeHealthWrite)
		require.Equal(t, http.StatusOK, rr.Code)
		require.True(t, decode[domain.Activity](t, rr).Completed)
	}

	activities, err := env.gateway.ActivitiesForUser(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, activities, 1)
	require.True(t, activities[0].Completed)
}

func TestActivityErrors(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/v1/activities", `{"title":"  "}`, auth.ScopeHealthWrite)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "validation_failed", decode[map[string]string](t, rr)["type"])

	rr = env.do(t, http.MethodPost, "/v1/activities", `not-json`, auth.ScopeHealthWrite)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/v1/activities/missing/complete", "", auth.ScopeHealthWrite)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, http.MethodGet, "/v1/activities/abc/complete", "", auth.ScopeHealthWrite)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = env.do(t, http.MethodDelete, "/v1/activities", "", auth.ScopeHealthWrite)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestSyncWithoutConnection(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/v1/devices/fitbit/sync", "", allScopes...)
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.JSONEq(t, `{"success":false,"error":"Device not connected"}`, rr.Body.String())

	rr = env.do(t, http.MethodGet, "/v1/dashboard", "", allScopes...)
	require.Equal(t, domain.DefaultSnapshot("user-1"), decode[DashboardView](t, rr).Snapshot)

	rr = env.do(t, http.MethodPost, "/v1/devices/nokia/sync", "", allScopes...)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAndroidPairingAndSync(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 2; i++ {
		rr := env.do(t, http.MethodPost, "/v1/devices/android", `{"device_id":"pixel-8","device_name":"Pixel 8"}`, allScopes...)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}

	rr := env.do(t, http.MethodGet, "/v1/devices", "", auth.ScopeHealthRead)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[ListDevicesResponse](t, rr)
	require.Len(t, list.Items, 1)
	require.Equal(t, "android", list.Items[0].Provider)
	require.Equal(t, "Android", list.Items[0].Name)
	require.Equal(t, "Pixel 8", *list.Items[0].DeviceName)
	require.NotContains(t, rr.Body.String(), "android_direct_token")

	rr = env.do(t, http.MethodPost, "/v1/devices/android/sync", "", allScopes...)
	require.Equal(t, http.StatusOK, rr.Code)
	result := decode[device.SyncResult](t, rr)
	require.True(t, result.Success)
	require.NotNil(t, result.Data)
	require.NotNil(t, result.Data.Steps)

	env.waitForWrites(t)
	rr = env.do(t, http.MethodGet, "/v1/dashboard", "", allScopes...)
	require.Equal(t, *result.Data.Steps, decode[DashboardView](t, rr).Snapshot.Steps)

	rr = env.do(t, http.MethodPost, "/v1/devices/android", `{"device_name":"nameless"}`, allScopes...)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestOAuthConnectAndCallback(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/v1/devices/fitbit/connect", `{"client_id":"client-1","redirect_uri":"https://app.example/cb"}`, allScopes...)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	connect := decode[device.ConnectResult](t, rr)
	require.Contains(t, connect.AuthURL, "client_id=client-1")

	rr = env.do(t, http.MethodGet, "/v1/devices/callback?code=abc&state=forged", "", allScopes...)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "invalid_state", decode[map[string]string](t, rr)["type"])

	rr = env.do(t, http.MethodGet, "/v1/devices/callback?code=abc&state="+connect.State, "", allScopes...)
	require.Equal(t, http.StatusOK, rr.Code)
	view := decode[DeviceView](t, rr)
	require.Equal(t, "fitbit", view.Provider)
	require.NotNil(t, view.ExpiresAt)

	// the state is single use
	rr = env.do(t, http.MethodGet, "/v1/devices/callback?code=abc&state="+connect.State, "", allScopes...)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/v1/devices/android/connect", `{"client_id":"c","redirect_uri":"r"}`, allScopes...)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/v1/devices/fitbit/connect", `{"client_id":"c"}`, allScopes...)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDeviceEventStream(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.mux.ServeHTTP(w, withUser(r, "user-1", allScopes...))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/devices/android/pixel-8/events", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	post, err := srv.Client().Post(srv.URL+"/v1/devices/android/pixel-8/events", "application/json", strings.NewReader(`{"screen_time":42}`))
	require.NoError(t, err)
	post.Body.Close()
	require.Equal(t, http.StatusAccepted, post.StatusCode)

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "data: {\"screen_time\":42}\n", line)

	bad, err := srv.Client().Post(srv.URL+"/v1/devices/android/pixel-8/events", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	bad.Body.Close()
	require.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestUnknownDeviceRoute(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/v1/devices/fitbit/unknown", "", allScopes...)
	require.Equal(t, http.StatusNotFound, rr.Code)
}
