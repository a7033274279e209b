//go:build integration

package consumer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/testutil/pgtest"
)

func TestAuditHandlerStoresEventOnce(t *testing.T) {
	ctx := context.Background()
	db := pgtest.Start(t)
	handler := NewAuditHandler(db.App)

	payload := json.RawMessage(`{"activity_id":"abc","user_id":"user-123"}`)
	msg := Message{
		EventType:     "activity.changed",
		UserID:        "user-123",
		Operation:     "INSERT",
		SchemaID:      42,
		SchemaSubject: "activity_changes-value",
		Topic:         "activity_changes",
		Partition:     0,
		Offset:        5,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
	}

	require.NoError(t, handler.Handle(ctx, msg))
	require.NoError(t, handler.Handle(ctx, msg), "redelivery must not fail")

	var count int
	require.NoError(t, db.Admin.QueryRow(ctx, `SELECT COUNT(*) FROM change_event_log`).Scan(&count))
	require.Equal(t, 1, count)

	var table string
	var stored []byte
	require.NoError(t, db.Admin.QueryRow(ctx, `SELECT table_name, payload FROM change_event_log LIMIT 1`).Scan(&table, &stored))
	require.Equal(t, "activities", table)
	require.JSONEq(t, string(payload), string(stored))
}
