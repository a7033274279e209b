package outbox

import (
	pgstore "example.com/healthsync/internal/persistence/postgres"
)

// schemaCatalog maps event types to the JSON schema registered for their subject.
var schemaCatalog = map[string]string{
	pgstore.EventSnapshotAppended:        snapshotAppendedSchema,
	pgstore.EventActivityChanged:         activityChangedSchema,
	pgstore.EventDeviceConnectionChanged: deviceConnectionChangedSchema,
}

const snapshotAppendedSchema = `{
  "type": "object",
  "title": "HealthSnapshotAppended",
  "properties": {
    "user_id": {"type": "string"},
    "seq": {"type": "integer"},
    "heart_rate": {"type": "integer"},
    "steps": {"type": "integer"},
    "sleep": {"type": "number"},
    "water": {"type": "number"},
    "calories_burned": {"type": "integer"},
    "recorded_at": {"type": "string", "format": "date-time"}
  },
  "required": ["user_id", "seq", "heart_rate", "steps", "sleep", "water", "calories_burned", "recorded_at"],
  "additionalProperties": false
}`

const activityChangedSchema = `{
  "type": "object",
  "title": "ActivityChanged",
  "properties": {
    "activity_id": {"type": "string"},
    "user_id": {"type": "string"},
    "title": {"type": "string"},
    "completed": {"type": "boolean"},
    "operation": {"type": "string", "enum": ["INSERT", "UPDATE", "DELETE"]},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["activity_id", "user_id", "title", "completed", "operation", "occurred_at"],
  "additionalProperties": false
}`

const deviceConnectionChangedSchema = `{
  "type": "object",
  "title": "DeviceConnectionChanged",
  "properties": {
    "connection_id": {"type": "string"},
    "user_id": {"type": "string"},
    "provider": {"type": "string"},
    "last_synced": {"type": "string", "format": "date-time"},
    "operation": {"type": "string", "enum": ["INSERT", "UPDATE", "DELETE"]}
  },
  "required": ["connection_id", "user_id", "provider", "last_synced", "operation"],
  "additionalProperties": false
}`
