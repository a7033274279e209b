// Package sqlite implements domain.Gateway on an embedded SQLite file for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	// Registers the "sqlite" driver (pure Go).
	_ "modernc.org/sqlite"

	"example.com/healthsync/internal/domain"
)

// Gateway implements domain.Gateway using SQLite. Timestamps are stored as unix nanoseconds.
type Gateway struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path, applies pragmas and migrations.
func Open(ctx context.Context, path string) (*Gateway, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// SQLite is a single-writer engine.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &Gateway{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database.
func (g *Gateway) Close() error {
	return g.db.Close()
}

// AppendSnapshot implements domain.Gateway.
func (g *Gateway) AppendSnapshot(ctx context.Context, userID string, snapshot domain.HealthSnapshot) (domain.HealthSnapshot, error) {
	if snapshot.RecordedAt.IsZero() {
		snapshot.RecordedAt = g.now()
	}
	snapshot.UserID = userID

	res, err := g.db.ExecContext(ctx,
		`INSERT INTO health_snapshots (user_id, heart_rate, steps, sleep, water, calories_burned, recorded_at)
         VALUES (?,?,?,?,?,?,?)`,
		userID, snapshot.HeartRate, snapshot.Steps, snapshot.Sleep, snapshot.Water, snapshot.CaloriesBurned, snapshot.RecordedAt.UnixNano(),
	)
	if err != nil {
		return domain.HealthSnapshot{}, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return domain.HealthSnapshot{}, err
	}
	snapshot.Seq = seq
	return snapshot, nil
}

const snapshotColumns = `seq, user_id, heart_rate, steps, sleep, water, calories_burned, recorded_at`

// LatestSnapshot implements domain.Gateway.
func (g *Gateway) LatestSnapshot(ctx context.Context, userID string) (*domain.HealthSnapshot, error) {
	row := g.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM health_snapshots WHERE user_id = ?
         ORDER BY recorded_at DESC, seq DESC LIMIT 1`, userID)
	s, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SnapshotHistory implements domain.Gateway.
func (g *Gateway) SnapshotHistory(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.HealthSnapshot, *domain.Cursor, error) {
	query := `SELECT ` + snapshotColumns + ` FROM health_snapshots WHERE user_id = ?`
	args := []any{userID}
	if cursor != nil {
		query += ` AND (recorded_at < ? OR (recorded_at = ? AND seq < ?))`
		ts := cursor.RecordedAt.UnixNano()
		args = append(args, ts, ts, cursor.Seq)
	}
	query += ` ORDER BY recorded_at DESC, seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.HealthSnapshot, 0, limit)
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, s)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if limit > 0 && len(results) == limit {
		last := results[len(results)-1]
		next = &domain.Cursor{RecordedAt: last.RecordedAt, Seq: last.Seq}
	}
	return results, next, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (domain.HealthSnapshot, error) {
	var s domain.HealthSnapshot
	var recordedAt int64
	if err := row.Scan(&s.Seq, &s.UserID, &s.HeartRate, &s.Steps, &s.Sleep, &s.Water, &s.CaloriesBurned, &recordedAt); err != nil {
		return domain.HealthSnapshot{}, err
	}
	s.RecordedAt = fromNanos(recordedAt)
	return s, nil
}

// InsertActivity implements domain.Gateway.
func (g *Gateway) InsertActivity(ctx context.Context, userID string, input domain.NewActivity) (domain.Activity, error) {
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
	if err := g.UpsertActivity(ctx, activity); err != nil {
		return domain.Activity{}, err
	}
	return activity, nil
}

// UpsertActivity implements domain.Gateway.
func (g *Gateway) UpsertActivity(ctx context.Context, activity domain.Activity) error {
	if activity.ID == "" {
		activity.ID = uuid.NewString()
	}
	now := g.now()
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = now
	}
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO activities (activity_id, user_id, title, description, scheduled_time, duration, completed, created_at, updated_at)
         VALUES (?,?,?,?,?,?,?,?,?)
         ON CONFLICT(activity_id) DO UPDATE SET
             title = excluded.title,
             description = excluded.description,
             scheduled_time = excluded.scheduled_time,
             duration = excluded.duration,
             completed = excluded.completed,
             updated_at = excluded.updated_at`,
		activity.ID, activity.UserID, activity.Title, activity.Description, activity.ScheduledTime,
		nullString(activity.Duration), activity.Completed, activity.CreatedAt.UnixNano(), now.UnixNano(),
	)
	return err
}

// UpdateActivityCompletion implements domain.Gateway.
func (g *Gateway) UpdateActivityCompletion(ctx context.Context, userID, activityID string, completed bool) (domain.Activity, error) {
	res, err := g.db.ExecContext(ctx,
		`UPDATE activities SET completed = ?, updated_at = ? WHERE user_id = ? AND activity_id = ?`,
		completed, g.now().UnixNano(), userID, activityID,
	)
	if err != nil {
		return domain.Activity{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return domain.Activity{}, err
	} else if n == 0 {
		return domain.Activity{}, domain.ErrActivityNotFound
	}

	row := g.db.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE activity_id = ?`, activityID)
	return scanActivity(row)
}

const activityColumns = `activity_id, user_id, title, description, scheduled_time, duration, completed, created_at, updated_at`

// ActivitiesForUser implements domain.Gateway.
func (g *Gateway) ActivitiesForUser(ctx context.Context, userID string) ([]domain.Activity, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT `+activityColumns+` FROM activities WHERE user_id = ? ORDER BY created_at DESC, rowid DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Activity, 0)
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanActivity(row scanner) (domain.Activity, error) {
	var a domain.Activity
	var duration sql.NullString
	var createdAt, updatedAt int64
	if err := row.Scan(&a.ID, &a.UserID, &a.Title, &a.Description, &a.ScheduledTime, &duration, &a.Completed, &createdAt, &updatedAt); err != nil {
		return domain.Activity{}, err
	}
	if duration.Valid {
		a.Duration = &duration.String
	}
	a.CreatedAt = fromNanos(createdAt)
	a.UpdatedAt = fromNanos(updatedAt)
	return a, nil
}

// UpsertDeviceConnection implements domain.Gateway, keyed by (user, provider).
func (g *Gateway) UpsertDeviceConnection(ctx context.Context, conn domain.DeviceConnection) (domain.DeviceConnection, error) {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if conn.LastSyncedAt.IsZero() {
		conn.LastSyncedAt = g.now()
	}

	var expiresAt any
	if conn.ExpiresAt != nil {
		expiresAt = conn.ExpiresAt.UnixNano()
	}

	row := g.db.QueryRowContext(ctx,
		`INSERT INTO device_connections (connection_id, user_id, provider, access_token, refresh_token, expires_at, last_synced, device_name, device_id)
         VALUES (?,?,?,?,?,?,?,?,?)
         ON CONFLICT(user_id, provider) DO UPDATE SET
             access_token = excluded.access_token,
             refresh_token = excluded.refresh_token,
             expires_at = excluded.expires_at,
             last_synced = excluded.last_synced,
             device_name = excluded.device_name,
             device_id = excluded.device_id
         RETURNING connection_id`,
		conn.ID, conn.UserID, string(conn.Provider), conn.AccessToken, nullString(conn.RefreshToken), expiresAt,
		conn.LastSyncedAt.UnixNano(), nullString(conn.DeviceName), nullString(conn.DeviceID),
	)
	if err := row.Scan(&conn.ID); err != nil {
		return domain.DeviceConnection{}, err
	}
	return conn, nil
}

const connectionColumns = `connection_id, user_id, provider, access_token, refresh_token, expires_at, last_synced, device_name, device_id`

// DeviceConnection implements domain.Gateway.
func (g *Gateway) DeviceConnection(ctx context.Context, userID string, provider domain.Provider) (*domain.DeviceConnection, error) {
	row := g.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM device_connections WHERE user_id = ? AND provider = ?`, userID, string(provider))
	conn, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

// DeviceConnections implements domain.Gateway.
func (g *Gateway) DeviceConnections(ctx context.Context, userID string) ([]domain.DeviceConnection, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM device_connections WHERE user_id = ? ORDER BY provider`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.DeviceConnection, 0)
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	return out, rows.Err()
}

func scanConnection(row scanner) (domain.DeviceConnection, error) {
	var conn domain.DeviceConnection
	var provider string
	var refresh, name, deviceID sql.NullString
	var expiresAt sql.NullInt64
	var lastSynced int64
	if err := row.Scan(&conn.ID, &conn.UserID, &provider, &conn.AccessToken, &refresh, &expiresAt, &lastSynced, &name, &deviceID); err != nil {
		return domain.DeviceConnection{}, err
	}
	conn.Provider = domain.Provider(provider)
	conn.RefreshToken = stringPtr(refresh)
	conn.DeviceName = stringPtr(name)
	conn.DeviceID = stringPtr(deviceID)
	if expiresAt.Valid {
		t := fromNanos(expiresAt.Int64)
		conn.ExpiresAt = &t
	}
	conn.LastSyncedAt = fromNanos(lastSynced)
	return conn, nil
}

// TouchLastSynced implements domain.Gateway.
func (g *Gateway) TouchLastSynced(ctx context.Context, userID string, provider domain.Provider, at time.Time) error {
	res, err := g.db.ExecContext(ctx,
		`UPDATE device_connections SET last_synced = ? WHERE user_id = ? AND provider = ?`,
		at.UnixNano(), userID, string(provider))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrConnectionNotFound
	}
	return nil
}

// EnsureProfile implements domain.Gateway.
func (g *Gateway) EnsureProfile(ctx context.Context, userID string) (domain.Profile, error) {
	if _, err := g.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, created_at) VALUES (?, ?) ON CONFLICT(user_id) DO NOTHING`,
		userID, g.now().UnixNano()); err != nil {
		return domain.Profile{}, err
	}
	profile, err := g.Profile(ctx, userID)
	if err != nil {
		return domain.Profile{}, err
	}
	if profile == nil {
		return domain.Profile{}, fmt.Errorf("profile %s missing after insert", userID)
	}
	return *profile, nil
}

// Profile implements domain.Gateway.
func (g *Gateway) Profile(ctx context.Context, userID string) (*domain.Profile, error) {
	var p domain.Profile
	var first, last, avatar sql.NullString
	var createdAt int64
	err := g.db.QueryRowContext(ctx,
		`SELECT user_id, first_name, last_name, avatar_url, created_at FROM profiles WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &first, &last, &avatar, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.FirstName = stringPtr(first)
	p.LastName = stringPtr(last)
	p.AvatarURL = stringPtr(avatar)
	p.CreatedAt = fromNanos(createdAt)
	return &p, nil
}

func fromNanos(v int64) time.Time {
	return time.Unix(0, v).UTC()
}

func nullString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
