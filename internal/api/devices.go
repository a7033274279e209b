package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"example.com/healthsync/internal/auth"
	"example.com/healthsync/internal/device"
	"example.com/healthsync/internal/domain"
)

const maxBroadcastBytes = 64 << 10

func (h *Handler) listDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := authorize(w, r, auth.ScopeHealthRead, auth.ScopeDevicesWrite)
	if !ok {
		return
	}
	conns, err := h.devices.Connections(r.Context(), claims.Subject)
	if err != nil {
		h.serverError(w, err, "list_devices", claims.Subject)
		return
	}
	items := make([]DeviceView, 0, len(conns))
	for _, conn := range conns {
		items = append(items, toDeviceView(conn))
	}
	writeJSON(w, http.StatusOK, ListDevicesResponse{Items: items})
}

// deviceRoutes dispatches everything below /v1/devices/.
func (h *Handler) deviceRoutes(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/devices/"), "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] == "callback":
		h.deviceCallback(w, r)
	case len(parts) == 1 && parts[0] == string(domain.ProviderAndroid):
		h.pairAndroid(w, r)
	case len(parts) == 3 && parts[0] == string(domain.ProviderAndroid) && parts[2] == "events":
		h.deviceEvents(w, r, parts[1])
	case len(parts) == 2 && parts[1] == "connect":
		h.connectDevice(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "sync":
		h.syncDevice(w, r, parts[0])
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown device route")
	}
}

func (h *Handler) connectDevice(w http.ResponseWriter, r *http.Request, rawProvider string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := authorize(w, r, auth.ScopeDevicesWrite)
	if !ok {
		return
	}
	provider, err := domain.ParseProvider(rawProvider)
	if err != nil {
		h.writeDomainError(w, err, "connect_device", claims.Subject)
		return
	}

	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	result, err := h.devices.Connect(r.Context(), claims.Subject, provider, req.ClientID, req.RedirectURI)
	if err != nil {
		h.writeDomainError(w, err, "connect_device", claims.Subject)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) deviceCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := authorize(w, r, auth.ScopeDevicesWrite)
	if !ok {
		return
	}
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "code and state are required")
		return
	}

	conn, err := h.devices.CompleteRedirect(r.Context(), claims.Subject, code, state)
	if err != nil {
		h.writeDomainError(w, err, "complete_redirect", claims.Subject)
		return
	}
	writeJSON(w, http.StatusOK, toDeviceView(conn))
}

func (h *Handler) pairAndroid(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := authorize(w, r, auth.ScopeDevicesWrite)
	if !ok {
		return
	}

	var req PairAndroidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	conn, err := h.devices.PairAndroid(r.Context(), claims.Subject, strings.TrimSpace(req.DeviceID), strings.TrimSpace(req.DeviceName))
	if err != nil {
		h.writeDomainError(w, err, "pair_android", claims.Subject)
		return
	}
	writeJSON(w, http.StatusOK, toDeviceView(conn))
}

func (h *Handler) syncDevice(w http.ResponseWriter, r *http.Request, rawProvider string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := authorize(w, r, auth.ScopeDevicesWrite)
	if !ok {
		return
	}
	provider, err := domain.ParseProvider(rawProvider)
	if err != nil {
		h.writeDomainError(w, err, "sync_device", claims.Subject)
		return
	}

	store, ok := h.storeFor(w, r, claims.Subject)
	if !ok {
		return
	}
	result, err := h.devices.Sync(r.Context(), store, provider)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, device.ErrDeviceNotConnected):
		writeJSON(w, http.StatusNotFound, SyncFailure{Success: false, Error: result.Error})
	default:
		h.log.Warn("device sync failed",
			zap.String("user_id", claims.Subject),
			zap.String("provider", string(provider)),
			zap.Error(err),
		)
		writeJSON(w, http.StatusBadGateway, SyncFailure{Success: false, Error: result.Error})
	}
}

func (h *Handler) deviceEvents(w http.ResponseWriter, r *http.Request, deviceID string) {
	switch r.Method {
	case http.MethodGet:
		claims, ok := authorize(w, r, auth.ScopeDevicesWrite)
		if !ok {
			return
		}
		streamEvents(w, r, func(send func([]byte)) func() {
			return h.devices.SubscribeRealtime(claims.Subject, deviceID, func(payload json.RawMessage) {
				send(payload)
			})
		})
	case http.MethodPost:
		claims, ok := authorize(w, r, auth.ScopeDevicesWrite)
		if !ok {
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBroadcastBytes))
		if err != nil || !json.Valid(body) {
			writeError(w, http.StatusBadRequest, "invalid_request", "body must be a JSON document")
			return
		}
		h.devices.Broadcast(claims.Subject, deviceID, json.RawMessage(body))
		w.WriteHeader(http.StatusAccepted)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}
