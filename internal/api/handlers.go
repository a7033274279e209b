// Package api exposes HTTP handlers for the health dashboard.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"example.com/healthsync/internal/auth"
	"example.com/healthsync/internal/device"
	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/health"
	"example.com/healthsync/internal/observability"
	"example.com/healthsync/internal/persistence"
	"example.com/healthsync/internal/session"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// ClientConfig is served to browser clients so they can reach the hosted backend.
type ClientConfig struct {
	BackendURL string `json:"backend_url"`
	AnonKey    string `json:"anon_key"`
}

// Handler coordinates HTTP requests with the per-user sessions and the device service.
type Handler struct {
	sessions *session.Manager
	devices  *device.Service
	gateway  domain.Gateway
	client   ClientConfig
	log      *zap.Logger
}

// NewHandler builds a Handler.
func NewHandler(sessions *session.Manager, devices *device.Service, gateway domain.Gateway, client ClientConfig, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		sessions: sessions,
		devices:  devices,
		gateway:  gateway,
		client:   client,
		log:      log.Named("api"),
	}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", healthz)
	mux.HandleFunc("/v1/config", h.clientConfig)
	mux.HandleFunc("/v1/dashboard", h.dashboard)
	mux.HandleFunc("/v1/dashboard/refresh", h.refreshDashboard)
	mux.HandleFunc("/v1/dashboard/stream", h.dashboardStream)
	mux.HandleFunc("/v1/metrics/", h.metrics)
	mux.HandleFunc("/v1/activities", h.activities)
	mux.HandleFunc("/v1/activities/", h.activityByID)
	mux.HandleFunc("/v1/devices", h.listDevices)
	mux.HandleFunc("/v1/devices/", h.deviceRoutes)
	mux.HandleFunc("/v1/profile", h.profile)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) clientConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	writeJSON(w, http.StatusOK, h.client)
}

// authorize resolves the caller and checks that it holds at least one of scopes.
func authorize(w http.ResponseWriter, r *http.Request, scopes ...string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok || claims.Subject == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if claims.HasAnyScope(scopes...) {
		return claims, true
	}
	writeError(w, http.StatusForbidden, "forbidden", fmt.Sprintf("scope %s required", scopes[0]))
	return nil, false
}

// storeFor opens (or reuses) the caller's session.
func (h *Handler) storeFor(w http.ResponseWriter, r *http.Request, userID string) (*health.Store, bool) {
	sess, err := h.sessions.Open(r.Context(), userID)
	if err != nil {
		h.serverError(w, err, "open_session", userID)
		return nil, false
	}
	return sess.Store, true
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := authorize(w, r, auth.ScopeHealthRead, auth.ScopeHealthWrite)
	if !ok {
		return
	}
	store, ok := h.storeFor(w, r, claims.Subject)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toDashboardView(store.State()))
}

func (h *Handler) refreshDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := authorize(w, r, auth.ScopeHealthRead, auth.ScopeHealthWrite)
	if !ok {
		return
	}
	store, ok := h.storeFor(w, r, claims.Subject)
	if !ok {
		return
	}
	if err := store.FetchUserData(r.Context()); err != nil {
		h.serverError(w, err, "fetch_user_data", claims.Subject)
		return
	}
	writeJSON(w, http.StatusOK, toDashboardView(store.State()))
}

func (h *Handler) dashboardStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := authorize(w, r, auth.ScopeHealthRead, auth.ScopeHealthWrite)
	if !ok {
		return
	}
	sess, release, err := h.sessions.Hold(r.Context(), claims.Subject)
	if err != nil {
		h.serverError(w, err, "open_session", claims.Subject)
		return
	}
	defer release()
	store := sess.Store
	streamEvents(w, r, func(send func([]byte)) func() {
		return store.OnChange(func(state health.State) {
			payload, err := json.Marshal(toDashboardView(state))
			if err != nil {
				return
			}
			send(payload)
		})
	})
}

func (h *Handler) metrics(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/metrics/"), "/")
	if name == "history" {
		h.metricHistory(w, r)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := authorize(w, r, auth.ScopeHealthWrite)
	if !ok {
		return
	}

	var req MetricUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	apply, known := metricSetters[name]
	if !known {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("unknown metric %q", name))
		return
	}

	store, ok := h.storeFor(w, r, claims.Subject)
	if !ok {
		return
	}
	apply(store, *req.Value)
	writeJSON(w, http.StatusOK, store.Snapshot())
}

var metricSetters = map[string]func(*health.Store, float64){
	health.MetricHeartRate: func(s *health.Store, v float64) { s.SetHeartRate(int(math.Round(v))) },
	health.MetricSteps:     func(s *health.Store, v float64) { s.AddSteps(int(math.Round(v))) },
	health.MetricSleep:     func(s *health.Store, v float64) { s.SetSleep(v) },
	health.MetricWater:     func(s *health.Store, v float64) { s.SetWater(v) },
	health.MetricCalories:  func(s *health.Store, v float64) { s.AddCalories(int(math.Round(v))) },
}

func (h *Handler) metricHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := authorize(w, r, auth.ScopeHealthRead, auth.ScopeHealthWrite)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			if parsed > maxHistoryLimit {
				parsed = maxHistoryLimit
			}
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	snapshots, next, err := h.gateway.SnapshotHistory(r.Context(), claims.Subject, cursor, limit)
	if err != nil {
		h.serverError(w, err, "snapshot_history", claims.Subject)
		return
	}
	if snapshots == nil {
		snapshots = []domain.HealthSnapshot{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{
		Items:      snapshots,
		NextCursor: persistence.EncodeCursor(next),
	})
}

func (h *Handler) activities(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createActivity(w, r)
	case http.MethodGet:
		h.listActivities(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) activityByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/activities/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing activity id")
		return
	}
	if action != "complete" {
		writeError(w, http.StatusNotFound, "not_found", "unknown activity route")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	h.completeActivity(w, r, id)
}

func (h *Handler) createActivity(w http.ResponseWriter, r *http.Request) {
	claims, ok := authorize(w, r, auth.ScopeHealthWrite)
	if !ok {
		return
	}

	var req domain.NewActivity
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	store, ok := h.storeFor(w, r, claims.Subject)
	if !ok {
		return
	}
	activity, err := store.AddActivity(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, err, "add_activity", claims.Subject)
		return
	}
	writeJSON(w, http.StatusCreated, activity)
}

func (h *Handler) listActivities(w http.ResponseWriter, r *http.Request) {
	claims, ok := authorize(w, r, auth.ScopeHealthRead, auth.ScopeHealthWrite)
	if !ok {
		return
	}
	store, ok := h.storeFor(w, r, claims.Subject)
	if !ok {
		return
	}
	state := store.State()
	items := state.Activities
	if items == nil {
		items = []domain.Activity{}
	}
	writeJSON(w, http.StatusOK, ListActivitiesResponse{Items: items})
}

func (h *Handler) completeActivity(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := authorize(w, r, auth.ScopeHealthWrite)
	if !ok {
		return
	}
	store, ok := h.storeFor(w, r, claims.Subject)
	if !ok {
		return
	}
	activity, err := store.CompleteActivity(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "complete_activity", claims.Subject)
		return
	}
	writeJSON(w, http.StatusOK, activity)
}

func (h *Handler) profile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := authorize(w, r, auth.ScopeHealthRead, auth.ScopeHealthWrite)
	if !ok {
		return
	}
	profile, err := h.gateway.Profile(r.Context(), claims.Subject)
	if err != nil {
		h.serverError(w, err, "profile", claims.Subject)
		return
	}
	if profile == nil {
		writeError(w, http.StatusNotFound, "not_found", "profile not found")
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// writeDomainError maps service errors onto HTTP statuses; anything unrecognised is a 500.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error, operation, userID string) {
	var validation *domain.ValidationError
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrActivityNotFound), errors.Is(err, domain.ErrConnectionNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrUnknownProvider),
		errors.Is(err, device.ErrUnsupportedProvider),
		errors.Is(err, device.ErrDirectPairing):
		writeError(w, http.StatusBadRequest, "unsupported_provider", err.Error())
	case errors.Is(err, device.ErrInvalidState):
		writeError(w, http.StatusBadRequest, "invalid_state", err.Error())
	default:
		h.serverError(w, err, operation, userID)
	}
}

func (h *Handler) serverError(w http.ResponseWriter, err error, operation, userID string) {
	h.log.Error("request failed", zap.String("operation", operation), zap.String("user_id", userID), zap.Error(err))
	observability.ReportError(err, operation, userID)
	writeError(w, http.StatusInternalServerError, "server_error", err.Error())
}

// streamEvents serves a text/event-stream until the client goes away. Messages that arrive while
// the client is behind are dropped.
func streamEvents(w http.ResponseWriter, r *http.Request, subscribe func(send func([]byte)) func()) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot stream")
		return
	}

	messages := make(chan []byte, 16)
	unsubscribe := subscribe(func(payload []byte) {
		select {
		case messages <- payload:
		default:
		}
	})
	defer unsubscribe()

	// streams outlive the server write timeout
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case payload := <-messages:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
