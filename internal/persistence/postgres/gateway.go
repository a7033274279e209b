// Package postgres implements domain.Gateway on Postgres with row-level security and a transactional outbox.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/events"
	"example.com/healthsync/internal/observability"
)

// Gateway provides Postgres-backed persistence. Every write records a change event in the
// outbox inside the same transaction.
type Gateway struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewGateway constructs a Gateway.
func NewGateway(pool *pgxpool.Pool) *Gateway {
	return &Gateway{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// inUserTx runs fn in a transaction scoped to userID by the RLS policies.
func (g *Gateway) inUserTx(ctx context.Context, userID string, fn func(pgx.Tx) error) (err error) {
	tx, err := g.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, "SELECT set_config('app.user_id', $1, true)", userID); err != nil {
		return err
	}
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AppendSnapshot implements domain.Gateway.
func (g *Gateway) AppendSnapshot(ctx context.Context, userID string, snapshot domain.HealthSnapshot) (domain.HealthSnapshot, error) {
	if snapshot.RecordedAt.IsZero() {
		snapshot.RecordedAt = g.now()
	}
	snapshot.UserID = userID

	err := g.inUserTx(ctx, userID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`INSERT INTO health_snapshots (user_id, heart_rate, steps, sleep, water, calories_burned, recorded_at)
             VALUES ($1,$2,$3,$4,$5,$6,$7)
             RETURNING seq, recorded_at`,
			userID, snapshot.HeartRate, snapshot.Steps, snapshot.Sleep, snapshot.Water, snapshot.CaloriesBurned, snapshot.RecordedAt,
		)
		if err := row.Scan(&snapshot.Seq, &snapshot.RecordedAt); err != nil {
			return err
		}
		snapshot.RecordedAt = snapshot.RecordedAt.UTC()

		return insertOutbox(ctx, tx, outboxRecord{
			userID:        userID,
			aggregateType: events.TableHealthSnapshots,
			aggregateID:   fmt.Sprintf("%d", snapshot.Seq),
			eventType:     EventSnapshotAppended,
			operation:     events.OperationInsert,
			payload: events.SnapshotAppended{
				UserID:         userID,
				Seq:            snapshot.Seq,
				HeartRate:      snapshot.HeartRate,
				Steps:          snapshot.Steps,
				Sleep:          snapshot.Sleep,
				Water:          snapshot.Water,
				CaloriesBurned: snapshot.CaloriesBurned,
				RecordedAt:     snapshot.RecordedAt,
			},
		})
	})
	if err != nil {
		return domain.HealthSnapshot{}, err
	}
	observability.RecordSnapshotPersisted(snapshot.RecordedAt)
	return snapshot, nil
}

const snapshotColumns = `seq, user_id, heart_rate, steps, sleep, water, calories_burned, recorded_at`

// LatestSnapshot implements domain.Gateway.
func (g *Gateway) LatestSnapshot(ctx context.Context, userID string) (*domain.HealthSnapshot, error) {
	var latest *domain.HealthSnapshot
	err := g.inUserTx(ctx, userID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+snapshotColumns+` FROM health_snapshots WHERE user_id = $1
             ORDER BY recorded_at DESC, seq DESC LIMIT 1`, userID)
		s, err := scanSnapshot(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		latest = &s
		return nil
	})
	return latest, err
}

// SnapshotHistory implements domain.Gateway.
func (g *Gateway) SnapshotHistory(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.HealthSnapshot, *domain.Cursor, error) {
	args := []interface{}{userID, limit}
	query := `SELECT ` + snapshotColumns + ` FROM health_snapshots WHERE user_id = $1`
	if cursor != nil {
		query += ` AND (recorded_at, seq) < ($3, $4)`
		args = append(args, cursor.RecordedAt, cursor.Seq)
	}
	query += ` ORDER BY recorded_at DESC, seq DESC LIMIT $2`

	results := make([]domain.HealthSnapshot, 0, limit)
	err := g.inUserTx(ctx, userID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			s, err := scanSnapshot(rows)
			if err != nil {
				return err
			}
			results = append(results, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, nil, err
	}

	var nextCursor *domain.Cursor
	if limit > 0 && len(results) == limit {
		last := results[len(results)-1]
		nextCursor = &domain.Cursor{RecordedAt: last.RecordedAt, Seq: last.Seq}
	}
	return results, nextCursor, nil
}

func scanSnapshot(row pgx.Row) (domain.HealthSnapshot, error) {
	var s domain.HealthSnapshot
	if err := row.Scan(&s.Seq, &s.UserID, &s.HeartRate, &s.Steps, &s.Sleep, &s.Water, &s.CaloriesBurned, &s.RecordedAt); err != nil {
		return domain.HealthSnapshot{}, err
	}
	s.RecordedAt = s.RecordedAt.UTC()
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
	activity.UpdatedAt = now

	return g.inUserTx(ctx, activity.UserID, func(tx pgx.Tx) error {
		var inserted bool
		err := tx.QueryRow(ctx,
			`INSERT INTO activities (activity_id, user_id, title, description, scheduled_time, duration, completed, created_at, updated_at)
             VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
             ON CONFLICT (activity_id) DO UPDATE SET
                 title = EXCLUDED.title,
                 description = EXCLUDED.description,
                 scheduled_time = EXCLUDED.scheduled_time,
                 duration = EXCLUDED.duration,
                 completed = EXCLUDED.completed,
                 updated_at = EXCLUDED.updated_at
             RETURNING (xmax = 0)`,
			activity.ID, activity.UserID, activity.Title, activity.Description, activity.ScheduledTime,
			activity.Duration, activity.Completed, activity.CreatedAt, activity.UpdatedAt,
		).Scan(&inserted)
		if err != nil {
			return err
		}

		op := events.OperationUpdate
		if inserted {
			op = events.OperationInsert
		}
		return insertActivityChanged(ctx, tx, activity, op)
	})
}

// UpdateActivityCompletion implements domain.Gateway.
func (g *Gateway) UpdateActivityCompletion(ctx context.Context, userID, activityID string, completed bool) (domain.Activity, error) {
	var updated domain.Activity
	err := g.inUserTx(ctx, userID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`UPDATE activities SET completed = $1, updated_at = $2
             WHERE user_id = $3 AND activity_id = $4
             RETURNING `+activityColumns,
			completed, g.now(), userID, activityID,
		)
		a, err := scanActivity(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrActivityNotFound
		}
		if err != nil {
			return err
		}
		updated = a
		return insertActivityChanged(ctx, tx, a, events.OperationUpdate)
	})
	if err != nil {
		return domain.Activity{}, err
	}
	return updated, nil
}

const activityColumns = `activity_id, user_id, title, description, scheduled_time, duration, completed, created_at, updated_at`

// ActivitiesForUser implements domain.Gateway.
func (g *Gateway) ActivitiesForUser(ctx context.Context, userID string) ([]domain.Activity, error) {
	out := make([]domain.Activity, 0)
	err := g.inUserTx(ctx, userID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT `+activityColumns+` FROM activities WHERE user_id = $1 ORDER BY created_at DESC, activity_id DESC`, userID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			a, err := scanActivity(rows)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanActivity(row pgx.Row) (domain.Activity, error) {
	var a domain.Activity
	if err := row.Scan(&a.ID, &a.UserID, &a.Title, &a.Description, &a.ScheduledTime, &a.Duration, &a.Completed, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return domain.Activity{}, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, nil
}

func insertActivityChanged(ctx context.Context, tx pgx.Tx, a domain.Activity, op events.Operation) error {
	return insertOutbox(ctx, tx, outboxRecord{
		userID:        a.UserID,
		aggregateType: events.TableActivities,
		aggregateID:   a.ID,
		eventType:     EventActivityChanged,
		operation:     op,
		payload: events.ActivityChanged{
			ActivityID: a.ID,
			UserID:     a.UserID,
			Title:      a.Title,
			Completed:  a.Completed,
			Operation:  op,
			OccurredAt: a.UpdatedAt,
		},
	})
}

// UpsertDeviceConnection implements domain.Gateway, keyed by (user, provider).
func (g *Gateway) UpsertDeviceConnection(ctx context.Context, conn domain.DeviceConnection) (domain.DeviceConnection, error) {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if conn.LastSyncedAt.IsZero() {
		conn.LastSyncedAt = g.now()
	}

	err := g.inUserTx(ctx, conn.UserID, func(tx pgx.Tx) error {
		var inserted bool
		err := tx.QueryRow(ctx,
			`INSERT INTO device_connections (connection_id, user_id, provider, access_token, refresh_token, expires_at, last_synced, device_name, device_id)
             VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
             ON CONFLICT (user_id, provider) DO UPDATE SET
                 access_token = EXCLUDED.access_token,
                 refresh_token = EXCLUDED.refresh_token,
                 expires_at = EXCLUDED.expires_at,
                 last_synced = EXCLUDED.last_synced,
                 device_name = EXCLUDED.device_name,
                 device_id = EXCLUDED.device_id
             RETURNING connection_id, (xmax = 0)`,
			conn.ID, conn.UserID, string(conn.Provider), conn.AccessToken, conn.RefreshToken, conn.ExpiresAt,
			conn.LastSyncedAt, conn.DeviceName, conn.DeviceID,
		).Scan(&conn.ID, &inserted)
		if err != nil {
			return err
		}

		op := events.OperationUpdate
		if inserted {
			op = events.OperationInsert
		}
		return insertConnectionChanged(ctx, tx, conn.ID, conn.UserID, conn.Provider, conn.LastSyncedAt, op)
	})
	if err != nil {
		return domain.DeviceConnection{}, err
	}
	return conn, nil
}

const connectionColumns = `connection_id, user_id, provider, access_token, refresh_token, expires_at, last_synced, device_name, device_id`

// DeviceConnection implements domain.Gateway.
func (g *Gateway) DeviceConnection(ctx context.Context, userID string, provider domain.Provider) (*domain.DeviceConnection, error) {
	var found *domain.DeviceConnection
	err := g.inUserTx(ctx, userID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+connectionColumns+` FROM device_connections WHERE user_id = $1 AND provider = $2`,
			userID, string(provider))
		conn, err := scanConnection(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = &conn
		return nil
	})
	return found, err
}

// DeviceConnections implements domain.Gateway.
func (g *Gateway) DeviceConnections(ctx context.Context, userID string) ([]domain.DeviceConnection, error) {
	out := make([]domain.DeviceConnection, 0)
	err := g.inUserTx(ctx, userID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT `+connectionColumns+` FROM device_connections WHERE user_id = $1 ORDER BY provider`, userID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			conn, err := scanConnection(rows)
			if err != nil {
				return err
			}
			out = append(out, conn)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanConnection(row pgx.Row) (domain.DeviceConnection, error) {
	var conn domain.DeviceConnection
	var provider string
	if err := row.Scan(&conn.ID, &conn.UserID, &provider, &conn.AccessToken, &conn.RefreshToken, &conn.ExpiresAt,
		&conn.LastSyncedAt, &conn.DeviceName, &conn.DeviceID); err != nil {
		return domain.DeviceConnection{}, err
	}
	conn.Provider = domain.Provider(provider)
	conn.LastSyncedAt = conn.LastSyncedAt.UTC()
	return conn, nil
}

// TouchLastSynced implements domain.Gateway.
func (g *Gateway) TouchLastSynced(ctx context.Context, userID string, provider domain.Provider, at time.Time) error {
	return g.inUserTx(ctx, userID, func(tx pgx.Tx) error {
		var connectionID string
		err := tx.QueryRow(ctx,
			`UPDATE device_connections SET last_synced = $1 WHERE user_id = $2 AND provider = $3 RETURNING connection_id`,
			at, userID, string(provider),
		).Scan(&connectionID)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrConnectionNotFound
		}
		if err != nil {
			return err
		}
		return insertConnectionChanged(ctx, tx, connectionID, userID, provider, at, events.OperationUpdate)
	})
}

func insertConnectionChanged(ctx context.Context, tx pgx.Tx, connectionID, userID string, provider domain.Provider, at time.Time, op events.Operation) error {
	return insertOutbox(ctx, tx, outboxRecord{
		userID:        userID,
		aggregateType: events.TableDeviceConnections,
		aggregateID:   connectionID,
		eventType:     EventDeviceConnectionChanged,
		operation:     op,
		payload: events.DeviceConnectionChanged{
			ConnectionID: connectionID,
			UserID:       userID,
			Provider:     string(provider),
			LastSyncedAt: at.UTC(),
			Operation:    op,
		},
	})
}

// EnsureProfile implements domain.Gateway.
func (g *Gateway) EnsureProfile(ctx context.Context, userID string) (domain.Profile, error) {
	var profile domain.Profile
	err := g.inUserTx(ctx, userID, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO profiles (user_id, created_at) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING`,
			userID, g.now()); err != nil {
			return err
		}
		p, err := scanProfile(tx.QueryRow(ctx, profileQuery, userID))
		if err != nil {
			return err
		}
		profile = p
		return nil
	})
	return profile, err
}

const profileQuery = `SELECT user_id, first_name, last_name, avatar_url, created_at FROM profiles WHERE user_id = $1`

// Profile implements domain.Gateway.
func (g *Gateway) Profile(ctx context.Context, userID string) (*domain.Profile, error) {
	var found *domain.Profile
	err := g.inUserTx(ctx, userID, func(tx pgx.Tx) error {
		p, err := scanProfile(tx.QueryRow(ctx, profileQuery, userID))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = &p
		return nil
	})
	return found, err
}

func scanProfile(row pgx.Row) (domain.Profile, error) {
	var p domain.Profile
	if err := row.Scan(&p.UserID, &p.FirstName, &p.LastName, &p.AvatarURL, &p.CreatedAt); err != nil {
		return domain.Profile{}, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

type outboxRecord struct {
	userID        string
	aggregateType string
	aggregateID   string
	eventType     string
	operation     events.Operation
	payload       interface{}
}

func insertOutbox(ctx context.Context, tx pgx.Tx, rec outboxRecord) error {
	body, err := json.Marshal(rec.payload)
	if err != nil {
		return err
	}

	meta, ok := EventCatalog[rec.eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", rec.eventType)
	}

	const stmt = `INSERT INTO outbox (user_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, operation, payload)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err = tx.Exec(ctx, stmt,
		rec.userID,
		rec.aggregateType,
		rec.aggregateID,
		rec.eventType,
		meta.Topic,
		meta.SchemaSubject,
		rec.userID,
		string(rec.operation),
		body,
	)
	return err
}
