package consumer

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"example.com/healthsync/internal/events"
	"example.com/healthsync/internal/realtime"
)

func TestChangeFeedRepublishesOnUserChannel(t *testing.T) {
	hub := realtime.NewHub()
	var got []events.Change
	hub.Subscribe(events.Channel(events.TableActivities, "user-1"), func(c events.Change) {
		got = append(got, c)
	})

	reader := &stubReader{
		messages: []kafka.Message{
			changeRecord("activity_changes", 1, "activity.changed", "user-1", "UPDATE", []byte(`{"activity_id":"a"}`)),
			changeRecord("activity_changes", 2, "activity.changed", "user-2", "INSERT", []byte(`{}`)),
		},
		after: contextCanceled,
	}
	err := NewProcessor(reader, NewChangeFeedHandler(hub), WithLogger(zap.NewNop())).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	require.Len(t, got, 1)
	require.Equal(t, events.TableActivities, got[0].Table)
	require.Equal(t, events.OperationUpdate, got[0].Operation)
	require.JSONEq(t, `{"activity_id":"a"}`, string(got[0].Payload))
	require.Equal(t, 2, reader.commitCalls)
}

func TestChangeFeedDrivesSessionRefetch(t *testing.T) {
	hub := realtime.NewHub()
	bridge := realtime.NewBridge(hub, zap.NewNop())
	refetched := 0
	unsubscribe := bridge.Subscribe("user-1", func(events.Change) { refetched++ })
	defer unsubscribe()

	h := NewChangeFeedHandler(hub)
	require.NoError(t, h.Handle(context.Background(), Message{Topic: "health_snapshot_changes", UserID: "user-1", Operation: "INSERT"}))
	require.NoError(t, h.Handle(context.Background(), Message{Topic: "device_connection_changes", UserID: "user-1", Operation: "UPDATE"}))
	require.Equal(t, 1, refetched)
}

func TestChangeFeedRejectsMissingUserAndSkipsUnknownTopics(t *testing.T) {
	h := NewChangeFeedHandler(realtime.NewHub())

	require.Error(t, h.Handle(context.Background(), Message{Topic: "activity_changes"}))
	require.NoError(t, h.Handle(context.Background(), Message{Topic: "unrelated", UserID: "user-1"}))
}

func TestTopicsCoverEveryTable(t *testing.T) {
	for _, topic := range Topics() {
		require.NotEmpty(t, topicTables[topic], topic)
	}
}
