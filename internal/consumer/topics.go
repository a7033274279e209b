package consumer

import (
	"example.com/healthsync/internal/events"
	pgstore "example.com/healthsync/internal/persistence/postgres"
)

// topicTables maps each change topic to the table whose rows it describes.
var topicTables = map[string]string{
	pgstore.EventCatalog[pgstore.EventSnapshotAppended].Topic:        events.TableHealthSnapshots,
	pgstore.EventCatalog[pgstore.EventActivityChanged].Topic:         events.TableActivities,
	pgstore.EventCatalog[pgstore.EventDeviceConnectionChanged].Topic: events.TableDeviceConnections,
}

// Topics lists every change topic the dispatcher publishes to.
func Topics() []string {
	return []string{
		pgstore.EventCatalog[pgstore.EventSnapshotAppended].Topic,
		pgstore.EventCatalog[pgstore.EventActivityChanged].Topic,
		pgstore.EventCatalog[pgstore.EventDeviceConnectionChanged].Topic,
	}
}
