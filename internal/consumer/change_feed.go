package consumer

import (
	"context"
	"errors"

	"example.com/healthsync/internal/events"
	"example.com/healthsync/internal/realtime"
)

// ChangeFeedHandler republishes consumed row changes on the in-process hub, so sessions on this
// instance see writes made through any other instance.
type ChangeFeedHandler struct {
	hub *realtime.Hub
}

// NewChangeFeedHandler constructs a ChangeFeedHandler.
func NewChangeFeedHandler(hub *realtime.Hub) *ChangeFeedHandler {
	return &ChangeFeedHandler{hub: hub}
}

// Handle implements Handler. Records from unknown topics are skipped.
func (h *ChangeFeedHandler) Handle(_ context.Context, msg Message) error {
	table, ok := topicTables[msg.Topic]
	if !ok {
		return nil
	}
	if msg.UserID == "" {
		return errors.New("change event without user_id header")
	}

	operation := events.Operation(msg.Operation)
	if operation == "" {
		operation = events.OperationInsert
	}
	h.hub.Publish(events.Channel(table, msg.UserID), events.Change{
		Table:      table,
		Operation:  operation,
		UserID:     msg.UserID,
		Payload:    msg.Payload,
		OccurredAt: msg.Timestamp,
	})
	return nil
}
