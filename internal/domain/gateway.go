package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrActivityNotFound is returned when an activity cannot be located for the user.
	ErrActivityNotFound = errors.New("activity not found")
	// ErrConnectionNotFound is returned when no device connection exists for (user, provider).
	ErrConnectionNotFound = errors.New("device connection not found")
	// ErrUnknownProvider is returned for provider identifiers outside the supported set.
	ErrUnknownProvider = errors.New("unknown provider")
)

// ValidationError reports a missing or malformed user-supplied field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// Cursor models the snapshot history pagination token.
type Cursor struct {
	RecordedAt time.Time
	Seq        int64
}

// Gateway is the row-level persistence contract. Every call is an independent round trip scoped by user id;
// no transactional grouping exists across calls.
type Gateway interface {
	AppendSnapshot(ctx context.Context, userID string, snapshot HealthSnapshot) (HealthSnapshot, error)
	// LatestSnapshot returns nil when the user has no snapshots yet.
	LatestSnapshot(ctx context.Context, userID string) (*HealthSnapshot, error)
	SnapshotHistory(ctx context.Context, userID string, cursor *Cursor, limit int) ([]HealthSnapshot, *Cursor, error)

	InsertActivity(ctx context.Context, userID string, input NewActivity) (Activity, error)
	UpsertActivity(ctx context.Context, activity Activity) error
	UpdateActivityCompletion(ctx context.Context, userID, activityID string, completed bool) (Activity, error)
	ActivitiesForUser(ctx context.Context, userID string) ([]Activity, error)

	UpsertDeviceConnection(ctx context.Context, conn DeviceConnection) (DeviceConnection, error)
	// DeviceConnection returns nil when the user has not connected the provider.
	DeviceConnection(ctx context.Context, userID string, provider Provider) (*DeviceConnection, error)
	DeviceConnections(ctx context.Context, userID string) ([]DeviceConnection, error)
	TouchLastSynced(ctx context.Context, userID string, provider Provider, at time.Time) error

	EnsureProfile(ctx context.Context, userID string) (Profile, error)
	Profile(ctx context.Context, userID string) (*Profile, error)
}
