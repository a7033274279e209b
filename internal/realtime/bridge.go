package realtime

import (
	"sync"

	"go.uber.org/zap"

	"example.com/healthsync/internal/events"
	"example.com/healthsync/internal/observability"
)

// Bridge turns change notifications on a user's activity and snapshot tables into full refetches.
type Bridge struct {
	hub *Hub
	log *zap.Logger
}

// NewBridge constructs a Bridge on hub.
func NewBridge(hub *Hub, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{hub: hub, log: log.Named("bridge")}
}

// Subscribe calls refetch on every insert, update or delete of the user's activities or health
// snapshots. The returned teardown releases both subscriptions; calls after the first are no-ops.
func (b *Bridge) Subscribe(userID string, refetch func(events.Change)) func() {
	handler := func(change events.Change) {
		observability.RecordRefetch(change.Table)
		b.log.Debug("refetching after change",
			zap.String("user_id", userID),
			zap.String("table", change.Table),
			zap.String("operation", string(change.Operation)),
		)
		refetch(change)
	}

	unsubscribers := []func(){
		b.hub.Subscribe(events.Channel(events.TableActivities, userID), handler),
		b.hub.Subscribe(events.Channel(events.TableHealthSnapshots, userID), handler),
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, unsubscribe := range unsubscribers {
				unsubscribe()
			}
		})
	}
}
