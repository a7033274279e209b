package realtime

import (
	"context"
	"encoding/json"
	"time"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/events"
)

// NotifyingGateway publishes a change on the hub after every successful write to the wrapped
// gateway. Reads pass through untouched.
type NotifyingGateway struct {
	domain.Gateway
	hub *Hub
	now func() time.Time
}

// NewNotifyingGateway wraps gw.
func NewNotifyingGateway(gw domain.Gateway, hub *Hub) *NotifyingGateway {
	return &NotifyingGateway{Gateway: gw, hub: hub, now: func() time.Time { return time.Now().UTC() }}
}

// AppendSnapshot implements domain.Gateway.
func (g *NotifyingGateway) AppendSnapshot(ctx context.Context, userID string, snapshot domain.HealthSnapshot) (domain.HealthSnapshot, error) {
	stored, err := g.Gateway.AppendSnapshot(ctx, userID, snapshot)
	if err != nil {
		return stored, err
	}
	g.publish(events.TableHealthSnapshots, events.OperationInsert, userID, events.SnapshotAppended{
		UserID:         userID,
		Seq:            stored.Seq,
		HeartRate:      stored.HeartRate,
		Steps:          stored.Steps,
		Sleep:          stored.Sleep,
		Water:          stored.Water,
		CaloriesBurned: stored.CaloriesBurned,
		RecordedAt:     stored.RecordedAt,
	})
	return stored, nil
}

// InsertActivity implements domain.Gateway.
func (g *NotifyingGateway) InsertActivity(ctx context.Context, userID string, input domain.NewActivity) (domain.Activity, error) {
	activity, err := g.Gateway.InsertActivity(ctx, userID, input)
	if err != nil {
		return activity, err
	}
	g.publishActivity(activity, events.OperationInsert)
	return activity, nil
}

// UpsertActivity implements domain.Gateway.
func (g *NotifyingGateway) UpsertActivity(ctx context.Context, activity domain.Activity) error {
	if err := g.Gateway.UpsertActivity(ctx, activity); err != nil {
		return err
	}
	g.publishActivity(activity, events.OperationUpdate)
	return nil
}

// UpdateActivityCompletion implements domain.Gateway.
func (g *NotifyingGateway) UpdateActivityCompletion(ctx context.Context, userID, activityID string, completed bool) (domain.Activity, error) {
	activity, err := g.Gateway.UpdateActivityCompletion(ctx, userID, activityID, completed)
	if err != nil {
		return activity, err
	}
	g.publishActivity(activity, events.OperationUpdate)
	return activity, nil
}

// UpsertDeviceConnection implements domain.Gateway.
func (g *NotifyingGateway) UpsertDeviceConnection(ctx context.Context, conn domain.DeviceConnection) (domain.DeviceConnection, error) {
	stored, err := g.Gateway.UpsertDeviceConnection(ctx, conn)
	if err != nil {
		return stored, err
	}
	g.publish(events.TableDeviceConnections, events.OperationUpdate, stored.UserID, events.DeviceConnectionChanged{
		ConnectionID: stored.ID,
		UserID:       stored.UserID,
		Provider:     string(stored.Provider),
		LastSyncedAt: stored.LastSyncedAt,
		Operation:    events.OperationUpdate,
	})
	return stored, nil
}

// TouchLastSynced implements domain.Gateway.
func (g *NotifyingGateway) TouchLastSynced(ctx context.Context, userID string, provider domain.Provider, at time.Time) error {
	if err := g.Gateway.TouchLastSynced(ctx, userID, provider, at); err != nil {
		return err
	}
	g.publish(events.TableDeviceConnections, events.OperationUpdate, userID, events.DeviceConnectionChanged{
		UserID:       userID,
		Provider:     string(provider),
		LastSyncedAt: at,
		Operation:    events.OperationUpdate,
	})
	return nil
}

func (g *NotifyingGateway) publishActivity(a domain.Activity, op events.Operation) {
	g.publish(events.TableActivities, op, a.UserID, events.ActivityChanged{
		ActivityID: a.ID,
		UserID:     a.UserID,
		Title:      a.Title,
		Completed:  a.Completed,
		Operation:  op,
		OccurredAt: g.now(),
	})
}

func (g *NotifyingGateway) publish(table string, op events.Operation, userID string, payload interface{}) {
	body, _ := json.Marshal(payload)
	g.hub.Publish(events.Channel(table, userID), events.Change{
		Table:      table,
		Operation:  op,
		UserID:     userID,
		Payload:    body,
		OccurredAt: g.now(),
	})
}
