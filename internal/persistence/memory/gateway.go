// Package memory provides an in-process Gateway for tests and STORAGE_DRIVER=memory.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/healthsync/internal/domain"
)

// Gateway stores rows in maps guarded by a single RWMutex.
type Gateway struct {
	mu          sync.RWMutex
	seq         int64
	snapshots   map[string][]domain.HealthSnapshot
	activities  map[string][]domain.Activity
	connections map[string]map[domain.Provider]domain.DeviceConnection
	profiles    map[string]domain.Profile
	now         func() time.Time
}

// NewGateway constructs an empty Gateway.
func NewGateway() *Gateway {
	return &Gateway{
		snapshots:   make(map[string][]domain.HealthSnapshot),
		activities:  make(map[string][]domain.Activity),
		connections: make(map[string]map[domain.Provider]domain.DeviceConnection),
		profiles:    make(map[string]domain.Profile),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// AppendSnapshot implements domain.Gateway.
func (g *Gateway) AppendSnapshot(ctx context.Context, userID string, snapshot domain.HealthSnapshot) (domain.HealthSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.seq++
	snapshot.UserID = userID
	snapshot.Seq = g.seq
	if snapshot.RecordedAt.IsZero() {
		snapshot.RecordedAt = g.now()
	}
	g.snapshots[userID] = append(g.snapshots[userID], snapshot)
	return snapshot, nil
}

// LatestSnapshot implements domain.Gateway.
func (g *Gateway) LatestSnapshot(ctx context.Context, userID string) (*domain.HealthSnapshot, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var latest *domain.HealthSnapshot
	for i := range g.snapshots[userID] {
		s := g.snapshots[userID][i]
		if latest == nil || s.NewerThan(*latest) {
			latest = &s
		}
	}
	return latest, nil
}

// SnapshotHistory implements domain.Gateway, newest first.
func (g *Gateway) SnapshotHistory(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.HealthSnapshot, *domain.Cursor, error) {
	g.mu.RLock()
	all := make([]domain.HealthSnapshot, len(g.snapshots[userID]))
	copy(all, g.snapshots[userID])
	g.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].NewerThan(all[j]) })

	results := make([]domain.HealthSnapshot, 0, limit)
	for _, s := range all {
		if cursor != nil && !(domain.HealthSnapshot{RecordedAt: cursor.RecordedAt, Seq: cursor.Seq}).NewerThan(s) {
			continue
		}
		results = append(results, s)
		if len(results) == limit {
			break
		}
	}

	var next *domain.Cursor
	if limit > 0 && len(results) == limit {
		last := results[len(results)-1]
		next = &domain.Cursor{RecordedAt: last.RecordedAt, Seq: last.Seq}
	}
	return results, next, nil
}

// InsertActivity implements domain.Gateway.
func (g *Gateway) InsertActivity(ctx context.Context, userID string, input domain.NewActivity) (domain.Activity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	activity := domain.Activity{
		ID:            uuid.NewString(),
		UserID:        userID,
		Title:         input.Title,
		Description:   input.Description,
		ScheduledTime: input.ScheduledTime,
		Duration:      input.Duration,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	g.activities[userID] = append(g.activities[userID], activity)
	return activity, nil
}

// UpsertActivity implements domain.Gateway.
func (g *Gateway) UpsertActivity(ctx context.Context, activity domain.Activity) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if activity.ID == "" {
		activity.ID = uuid.NewString()
	}
	now := g.now()
	activity.UpdatedAt = now
	list := g.activities[activity.UserID]
	for i := range list {
		if list[i].ID == activity.ID {
			activity.CreatedAt = list[i].CreatedAt
			list[i] = activity
			return nil
		}
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = now
	}
	g.activities[activity.UserID] = append(list, activity)
	return nil
}

// UpdateActivityCompletion implements domain.Gateway.
func (g *Gateway) UpdateActivityCompletion(ctx context.Context, userID, activityID string, completed bool) (domain.Activity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	list := g.activities[userID]
	for i := range list {
		if list[i].ID == activityID {
			list[i].Completed = completed
			list[i].UpdatedAt = g.now()
			return list[i], nil
		}
	}
	return domain.Activity{}, domain.ErrActivityNotFound
}

// ActivitiesForUser implements domain.Gateway, newest first.
func (g *Gateway) ActivitiesForUser(ctx context.Context, userID string) ([]domain.Activity, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]domain.Activity, len(g.activities[userID]))
	copy(out, g.activities[userID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpsertDeviceConnection implements domain.Gateway, keyed by (user, provider).
func (g *Gateway) UpsertDeviceConnection(ctx context.Context, conn domain.DeviceConnection) (domain.DeviceConnection, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	byProvider, ok := g.connections[conn.UserID]
	if !ok {
		byProvider = make(map[domain.Provider]domain.DeviceConnection)
		g.connections[conn.UserID] = byProvider
	}
	if existing, found := byProvider[conn.Provider]; found {
		conn.ID = existing.ID
	} else if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if conn.LastSyncedAt.IsZero() {
		conn.LastSyncedAt = g.now()
	}
	byProvider[conn.Provider] = conn
	return conn, nil
}

// DeviceConnection implements domain.Gateway.
func (g *Gateway) DeviceConnection(ctx context.Context, userID string, provider domain.Provider) (*domain.DeviceConnection, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	conn, ok := g.connections[userID][provider]
	if !ok {
		return nil, nil
	}
	return &conn, nil
}

// DeviceConnections implements domain.Gateway.
func (g *Gateway) DeviceConnections(ctx context.Context, userID string) ([]domain.DeviceConnection, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]domain.DeviceConnection, 0, len(g.connections[userID]))
	for _, conn := range g.connections[userID] {
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

// TouchLastSynced implements domain.Gateway.
func (g *Gateway) TouchLastSynced(ctx context.Context, userID string, provider domain.Provider, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	conn, ok := g.connections[userID][provider]
	if !ok {
		return domain.ErrConnectionNotFound
	}
	conn.LastSyncedAt = at
	g.connections[userID][provider] = conn
	return nil
}

// EnsureProfile implements domain.Gateway.
func (g *Gateway) EnsureProfile(ctx context.Context, userID string) (domain.Profile, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if profile, ok := g.profiles[userID]; ok {
		return profile, nil
	}
	profile := domain.Profile{UserID: userID, CreatedAt: g.now()}
	g.profiles[userID] = profile
	return profile, nil
}

// Profile implements domain.Gateway.
func (g *Gateway) Profile(ctx context.Context, userID string) (*domain.Profile, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	profile, ok := g.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &profile, nil
}
