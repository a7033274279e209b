// Package events defines the change-notification payloads emitted for health rows.
package events

import (
	"encoding/json"
	"time"
)

// Tables whose row changes are published.
const (
	TableHealthSnapshots   = "health_snapshots"
	TableActivities        = "activities"
	TableDeviceConnections = "device_connections"
	TableDevice            = "device"
)

// Operation names the kind of row change.
type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
	// OperationBroadcast marks ad-hoc device messages that do not correspond to a row.
	OperationBroadcast Operation = "BROADCAST"
)

// Change is the envelope delivered to realtime subscribers, whatever transport carried it.
type Change struct {
	Table      string          `json:"table"`
	Operation  Operation       `json:"operation"`
	UserID     string          `json:"user_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Channel returns the per-user channel name for a table.
func Channel(table, userID string) string {
	return table + ":" + userID
}

// DeviceChannel returns the broadcast channel for a paired device.
func DeviceChannel(deviceID string) string {
	return "device:" + deviceID
}

// SnapshotAppended is emitted when a new health snapshot row is appended.
type SnapshotAppended struct {
	UserID         string    `json:"user_id"`
	Seq            int64     `json:"seq"`
	HeartRate      int       `json:"heart_rate"`
	Steps          int       `json:"steps"`
	Sleep          float64   `json:"sleep"`
	Water          float64   `json:"water"`
	CaloriesBurned int       `json:"calories_burned"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// ActivityChanged is emitted when an activity row is inserted or updated.
type ActivityChanged struct {
	ActivityID string    `json:"activity_id"`
	UserID     string    `json:"user_id"`
	Title      string    `json:"title"`
	Completed  bool      `json:"completed"`
	Operation  Operation `json:"operation"`
	OccurredAt time.Time `json:"occurred_at"`
}

// DeviceConnectionChanged is emitted when a device connection is upserted or its sync watermark moves.
type DeviceConnectionChanged struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider"`
	LastSyncedAt time.Time `json:"last_synced"`
	Operation    Operation `json:"operation"`
}
