package postgres

// Outbox event types written by the gateway.
const (
	EventSnapshotAppended        = "health_snapshot.appended"
	EventActivityChanged         = "activity.changed"
	EventDeviceConnectionChanged = "device_connection.changed"
)

// EventMetadata describes how to route an outbox event. Records are keyed by user id so
// one user's changes stay ordered within a partition.
type EventMetadata struct {
	Topic         string
	SchemaSubject string
}

// EventCatalog routes every event type the gateway emits.
var EventCatalog = map[string]EventMetadata{
	EventSnapshotAppended: {
		Topic:         "health_snapshot_changes",
		SchemaSubject: "health_snapshot_changes-value",
	},
	EventActivityChanged: {
		Topic:         "activity_changes",
		SchemaSubject: "activity_changes-value",
	},
	EventDeviceConnectionChanged: {
		Topic:         "device_connection_changes",
		SchemaSubject: "device_connection_changes-value",
	},
}
