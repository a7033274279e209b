// Package health holds the per-user metrics store: the in-memory source of truth for current metric
// values and activities.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/observability"
)

// Metric names used for logging and metrics labels.
const (
	MetricHeartRate = "heart_rate"
	MetricSteps     = "steps"
	MetricSleep     = "sleep"
	MetricWater     = "water"
	MetricCalories  = "calories"
)

// State is a point-in-time copy of the store contents.
type State struct {
	Snapshot   domain.HealthSnapshot `json:"snapshot"`
	Activities []domain.Activity     `json:"activities"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store is the state container for one user. Setters mutate local state immediately and
// persist the full post-mutation snapshot in the background.
type Store struct {
	userID  string
	gateway domain.Gateway
	log     *zap.Logger
	now     func() time.Time

	mu         sync.Mutex
	snapshot   domain.HealthSnapshot
	activities []domain.Activity
	updatedAt  time.Time
	// newest snapshot produced locally; refetches never roll metrics back past it
	watermark  domain.HealthSnapshot
	generation uint64

	listenersMu  sync.Mutex
	listeners    map[uint64]func(State)
	nextListener uint64

	inflight sync.WaitGroup
}

// NewStore constructs an empty Store for userID.
func NewStore(userID string, gateway domain.Gateway, log *zap.Logger, opts ...Option) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		userID:     userID,
		gateway:    gateway,
		log:        log.Named("store").With(zap.String("user_id", userID)),
		snapshot:   domain.DefaultSnapshot(userID),
		activities: []domain.Activity{},
		listeners:  make(map[uint64]func(State)),
		// Postgres keeps microseconds; stamping at that precision keeps watermark comparisons exact.
		now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UserID returns the owner of the store.
func (s *Store) UserID() string {
	return s.userID
}

// SetHeartRate replaces the heart rate in beats per minute.
func (s *Store) SetHeartRate(v int) {
	s.mutate(MetricHeartRate, func(snap *domain.HealthSnapshot) { snap.HeartRate = v })
}

// AddSteps increments the step count.
func (s *Store) AddSteps(n int) {
	s.mutate(MetricSteps, func(snap *domain.HealthSnapshot) { snap.Steps += n })
}

// SetSleep replaces the sleep duration in hours.
func (s *Store) SetSleep(hours float64) {
	s.mutate(MetricSleep, func(snap *domain.HealthSnapshot) { snap.Sleep = hours })
}

// SetWater replaces the water intake in liters.
func (s *Store) SetWater(liters float64) {
	s.mutate(MetricWater, func(snap *domain.HealthSnapshot) { snap.Water = liters })
}

// AddCalories increments the calories burned.
func (s *Store) AddCalories(n int) {
	s.mutate(MetricCalories, func(snap *domain.HealthSnapshot) { snap.CaloriesBurned += n })
}

// Update applies fn to a copy of the current snapshot and stores the result. Read-modify-write
// callers such as the simulation driver use it so the read and the write happen under one lock.
func (s *Store) Update(metric string, fn func(current domain.HealthSnapshot) domain.HealthSnapshot) {
	s.mutate(metric, func(snap *domain.HealthSnapshot) {
		next := fn(*snap)
		snap.HeartRate = next.HeartRate
		snap.Steps = next.Steps
		snap.Sleep = next.Sleep
		snap.Water = next.Water
		snap.CaloriesBurned = next.CaloriesBurned
	})
}

func (s *Store) mutate(metric string, apply func(*domain.HealthSnapshot)) {
	s.mu.Lock()
	now := s.now()
	// Stamps must be strictly increasing: appends finish out of order and Seq cannot break a tie.
	if !now.After(s.snapshot.RecordedAt) {
		now = s.snapshot.RecordedAt.Add(time.Microsecond)
	}
	apply(&s.snapshot)
	s.snapshot.UserID = s.userID
	s.snapshot.RecordedAt = now
	s.snapshot.Seq = 0
	s.updatedAt = now
	s.watermark = s.snapshot
	s.generation++
	generation := s.generation
	pending := s.snapshot
	state := s.stateLocked()
	s.mu.Unlock()

	observability.RecordMetricUpdate(metric)
	s.notify(state)
	s.persist(pending, generation)
}

// persist appends snapshot on a background goroutine. Failures are logged and reported only.
func (s *Store) persist(snapshot domain.HealthSnapshot, generation uint64) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		stored, err := s.gateway.AppendSnapshot(context.Background(), s.userID, snapshot)
		if err != nil {
			observability.RecordPersistFailure("append_snapshot")
			observability.ReportError(err, "append_snapshot", s.userID)
			s.log.Warn("persist snapshot failed", zap.Error(err))
			return
		}

		s.mu.Lock()
		if s.generation == generation && s.watermark.Seq == 0 {
			s.watermark.Seq = stored.Seq
			if s.snapshot.RecordedAt.Equal(stored.RecordedAt) && s.snapshot.Seq == 0 {
				s.snapshot.Seq = stored.Seq
			}
		}
		s.mu.Unlock()
	}()
}

// Wait blocks until every background write started so far has finished.
func (s *Store) Wait() {
	s.inflight.Wait()
}

// AddActivity inserts a new activity and, once the gateway has assigned its id, adds it to local
// state. On failure local state is unchanged.
func (s *Store) AddActivity(ctx context.Context, input domain.NewActivity) (domain.Activity, error) {
	if err := input.Validate(); err != nil {
		return domain.Activity{}, err
	}

	activity, err := s.gateway.InsertActivity(ctx, s.userID, input)
	if err != nil {
		observability.RecordPersistFailure("insert_activity")
		s.log.Error("add activity failed", zap.Error(err))
		return domain.Activity{}, err
	}

	s.mu.Lock()
	// A refetch triggered by the insert may already have loaded the row.
	if !s.replaceActivityLocked(activity) {
		s.activities = append([]domain.Activity{activity}, s.activities...)
	}
	s.updatedAt = s.now()
	state := s.stateLocked()
	s.mu.Unlock()

	s.notify(state)
	return activity, nil
}

// CompleteActivity marks an activity completed remotely and only then locally. Completing twice is
// a no-op the second time.
func (s *Store) CompleteActivity(ctx context.Context, activityID string) (domain.Activity, error) {
	activity, err := s.gateway.UpdateActivityCompletion(ctx, s.userID, activityID, true)
	if err != nil {
		s.log.Error("complete activity failed", zap.String("activity_id", activityID), zap.Error(err))
		return domain.Activity{}, err
	}

	s.mu.Lock()
	if !s.replaceActivityLocked(activity) {
		s.activities = append([]domain.Activity{activity}, s.activities...)
	}
	s.updatedAt = s.now()
	state := s.stateLocked()
	s.mu.Unlock()

	s.notify(state)
	return activity, nil
}

func (s *Store) replaceActivityLocked(activity domain.Activity) bool {
	for i := range s.activities {
		if s.activities[i].ID == activity.ID {
			s.activities[i] = activity
			return true
		}
	}
	return false
}

// FetchUserData reloads the latest snapshot and the full activity list. Activities are always
// replaced; the metrics are replaced unless the fetched snapshot is older than the newest one this
// store produced.
func (s *Store) FetchUserData(ctx context.Context) error {
	latest, err := s.gateway.LatestSnapshot(ctx, s.userID)
	if err != nil {
		s.log.Warn("fetch latest snapshot failed", zap.Error(err))
		return err
	}
	activities, err := s.gateway.ActivitiesForUser(ctx, s.userID)
	if err != nil {
		s.log.Warn("fetch activities failed", zap.Error(err))
		return err
	}

	s.mu.Lock()
	switch {
	case latest == nil && s.watermark.RecordedAt.IsZero():
		s.snapshot = domain.DefaultSnapshot(s.userID)
	case latest == nil:
		// nothing persisted yet; keep the local values
	case s.watermark.NewerThan(*latest):
		s.log.Debug("ignoring stale snapshot",
			zap.Time("fetched_at", latest.RecordedAt),
			zap.Time("local_at", s.watermark.RecordedAt),
		)
	default:
		s.snapshot = *latest
		s.watermark = *latest
	}
	s.activities = activities
	s.updatedAt = s.now()
	state := s.stateLocked()
	s.mu.Unlock()

	s.notify(state)
	return nil
}

// State returns a copy of the current contents.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Snapshot returns the current metric values.
func (s *Store) Snapshot() domain.HealthSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

func (s *Store) stateLocked() State {
	activities := make([]domain.Activity, len(s.activities))
	copy(activities, s.activities)
	return State{Snapshot: s.snapshot, Activities: activities, UpdatedAt: s.updatedAt}
}

// OnChange registers fn to receive the new state after every local change. The returned function
// removes the listener.
func (s *Store) OnChange(fn func(State)) func() {
	s.listenersMu.Lock()
	s.nextListener++
	id := s.nextListener
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *Store) notify(state State) {
	s.listenersMu.Lock()
	fns := make([]func(State), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}
