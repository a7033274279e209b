package api

import (
	"errors"
	"strings"
	"time"

	"example.com/healthsync/internal/device"
	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/health"
)

// MetricUpdateRequest is the payload for POST /v1/metrics/{metric}.
type MetricUpdateRequest struct {
	Value *float64 `json:"value"`
}

// Validate ensures request correctness.
func (r MetricUpdateRequest) Validate() error {
	if r.Value == nil {
		return errors.New("value is required")
	}
	if *r.Value < 0 {
		return errors.New("value must be >= 0")
	}
	return nil
}

// ConnectRequest is the payload for POST /v1/devices/{provider}/connect.
type ConnectRequest struct {
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`
}

// Validate ensures request correctness.
func (r ConnectRequest) Validate() error {
	if strings.TrimSpace(r.ClientID) == "" {
		return errors.New("client_id is required")
	}
	if strings.TrimSpace(r.RedirectURI) == "" {
		return errors.New("redirect_uri is required")
	}
	return nil
}

// PairAndroidRequest is the direct pairing form.
type PairAndroidRequest struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
}

// DashboardView is the current metric values plus the activity checklist.
type DashboardView struct {
	Snapshot   domain.HealthSnapshot `json:"snapshot"`
	Activities []domain.Activity     `json:"activities"`
	UpdatedAt  *time.Time            `json:"updated_at,omitempty"`
}

func toDashboardView(state health.State) DashboardView {
	view := DashboardView{
		Snapshot:   state.Snapshot,
		Activities: state.Activities,
	}
	if view.Activities == nil {
		view.Activities = []domain.Activity{}
	}
	if !state.UpdatedAt.IsZero() {
		updated := state.UpdatedAt
		view.UpdatedAt = &updated
	}
	return view
}

// HistoryResponse packages one page of snapshot history, newest first.
type HistoryResponse struct {
	Items      []domain.HealthSnapshot `json:"items"`
	NextCursor string                  `json:"next_cursor,omitempty"`
}

// ListActivitiesResponse packages list results.
type ListActivitiesResponse struct {
	Items []domain.Activity `json:"items"`
}

// DeviceView describes a connection without its credentials.
type DeviceView struct {
	ID           string     `json:"id"`
	Provider     string     `json:"provider"`
	Name         string     `json:"name"`
	Color        string     `json:"color,omitempty"`
	DeviceName   *string    `json:"device_name,omitempty"`
	DeviceID     *string    `json:"device_id,omitempty"`
	LastSyncedAt time.Time  `json:"last_synced"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func toDeviceView(conn domain.DeviceConnection) DeviceView {
	view := DeviceView{
		ID:           conn.ID,
		Provider:     string(conn.Provider),
		Name:         string(conn.Provider),
		DeviceName:   conn.DeviceName,
		DeviceID:     conn.DeviceID,
		LastSyncedAt: conn.LastSyncedAt,
		ExpiresAt:    conn.ExpiresAt,
	}
	if cfg, ok := device.Config(conn.Provider); ok {
		view.Name = cfg.Name
		view.Color = cfg.Color
	}
	return view
}

// ListDevicesResponse packages list results.
type ListDevicesResponse struct {
	Items []DeviceView `json:"items"`
}

// SyncFailure is the body returned when a sync could not run.
type SyncFailure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
