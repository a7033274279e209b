package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/events"
	"example.com/healthsync/internal/persistence/memory"
	"example.com/healthsync/internal/realtime"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2025, time.June, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type failingGateway struct {
	domain.Gateway
	err error
}

func (g failingGateway) AppendSnapshot(context.Context, string, domain.HealthSnapshot) (domain.HealthSnapshot, error) {
	return domain.HealthSnapshot{}, g.err
}

func (g failingGateway) InsertActivity(context.Context, string, domain.NewActivity) (domain.Activity, error) {
	return domain.Activity{}, g.err
}

func (g failingGateway) UpdateActivityCompletion(context.Context, string, string, bool) (domain.Activity, error) {
	return domain.Activity{}, g.err
}

// staleGateway always reports the snapshot it was seeded with as the latest.
type staleGateway struct {
	domain.Gateway
	latest domain.HealthSnapshot
}

func (g staleGateway) LatestSnapshot(context.Context, string) (*domain.HealthSnapshot, error) {
	s := g.latest
	return &s, nil
}

func newTestStore(t *testing.T, gw domain.Gateway) *Store {
	t.Helper()
	s := NewStore("user-1", gw, zap.NewNop(), WithClock(newStepClock().Now))
	t.Cleanup(s.Wait)
	return s
}

func TestNewUserFetchReturnsDefaultState(t *testing.T) {
	ctx := context.Background()
	gw := memory.NewGateway()
	profile, err := gw.EnsureProfile(ctx, "user-1")
	require.NoError(t, err)
	require.Nil(t, profile.FirstName)
	require.Nil(t, profile.LastName)
	require.Nil(t, profile.AvatarURL)

	store := newTestStore(t, gw)
	require.NoError(t, store.FetchUserData(ctx))

	state := store.State()
	require.Equal(t, domain.DefaultSnapshot("user-1"), state.Snapshot)
	require.Empty(t, state.Activities)
	require.NotNil(t, state.Activities)
}

func TestSetHeartRateIsLastWriteWins(t *testing.T) {
	ctx := context.Background()
	gw := memory.NewGateway()
	store := newTestStore(t, gw)

	store.SetHeartRate(70)
	store.SetHeartRate(75)
	require.Equal(t, 75, store.Snapshot().HeartRate)

	store.Wait()
	latest, err := gw.LatestSnapshot(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, 75, latest.HeartRate)
}

func TestSettersPersistFullPostMutationSnapshot(t *testing.T) {
	ctx := context.Background()
	gw := memory.NewGateway()
	store := newTestStore(t, gw)

	store.AddSteps(100)
	store.AddSteps(25)
	store.SetSleep(7.5)
	store.SetWater(1.2)
	store.AddCalories(40)
	store.Wait()

	history, _, err := gw.SnapshotHistory(ctx, "user-1", nil, 10)
	require.NoError(t, err)
	require.Len(t, history, 5)

	newest := history[0]
	require.Equal(t, 125, newest.Steps)
	require.InDelta(t, 7.5, newest.Sleep, 0.0001)
	require.InDelta(t, 1.2, newest.Water, 0.0001)
	require.Equal(t, 40, newest.CaloriesBurned)
	require.Equal(t, 125, history[1].Steps, "every row carries the full snapshot")
	require.Equal(t, 100, history[4].Steps)
}

func TestPersistFailureIsSwallowed(t *testing.T) {
	store := newTestStore(t, failingGateway{Gateway: memory.NewGateway(), err: errors.New("network down")})

	store.SetHeartRate(81)
	store.Wait()
	require.Equal(t, 81, store.Snapshot().HeartRate)
}

func TestAddActivityThenFetchHasExactlyOneEntry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, memory.NewGateway())

	created, err := store.AddActivity(ctx, domain.NewActivity{Title: "Run"})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.NoError(t, store.FetchUserData(ctx))

	activities := store.State().Activities
	require.Len(t, activities, 1)
	require.Equal(t, "Run", activities[0].Title)
	require.False(t, activities[0].Completed)
	require.Equal(t, created.ID, activities[0].ID)
}

func TestAddActivityRejectsMissingTitle(t *testing.T) {
	ctx := context.Background()
	gw := memory.NewGateway()
	store := newTestStore(t, gw)

	_, err := store.AddActivity(ctx, domain.NewActivity{Title: "  "})
	var validation *domain.ValidationError
	require.ErrorAs(t, err, &validation)
	require.Equal(t, "title", validation.Field)

	list, err := gw.ActivitiesForUser(ctx, "user-1")
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestAddActivityFailureLeavesStateUnchanged(t *testing.T) {
	boom := errors.New("insert failed")
	store := newTestStore(t, failingGateway{Gateway: memory.NewGateway(), err: boom})

	_, err := store.AddActivity(context.Background(), domain.NewActivity{Title: "Run"})
	require.ErrorIs(t, err, boom)
	require.Empty(t, store.State().Activities)
}

func TestCompleteActivityTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	gw := memory.NewGateway()
	store := newTestStore(t, gw)

	created, err := store.AddActivity(ctx, domain.NewActivity{Title: "Evening Walk"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		completed, err := store.CompleteActivity(ctx, created.ID)
		require.NoError(t, err)
		require.True(t, completed.Completed)
	}

	activities := store.State().Activities
	require.Len(t, activities, 1)
	require.True(t, activities[0].Completed)

	stored, err := gw.ActivitiesForUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.True(t, stored[0].Completed)
}

func TestCompleteActivityFlipsLocalFlagOnlyAfterRemoteSuccess(t *testing.T) {
	ctx := context.Background()
	gw := memory.NewGateway()
	created, err := gw.InsertActivity(ctx, "user-1", domain.NewActivity{Title: "Take Vitamins"})
	require.NoError(t, err)

	store := newTestStore(t, failingGateway{Gateway: gw, err: errors.New("timeout")})
	require.NoError(t, store.FetchUserData(ctx))

	_, err = store.CompleteActivity(ctx, created.ID)
	require.Error(t, err)
	require.False(t, store.State().Activities[0].Completed)

	_, err = newTestStore(t, gw).CompleteActivity(ctx, "unknown")
	require.ErrorIs(t, err, domain.ErrActivityNotFound)
}

func TestRefetchKeepsNewerLocalMetrics(t *testing.T) {
	ctx := context.Background()
	old := domain.HealthSnapshot{UserID: "user-1", HeartRate: 64, Steps: 10, RecordedAt: time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC), Seq: 1}
	store := newTestStore(t, staleGateway{Gateway: memory.NewGateway(), latest: old})

	store.SetHeartRate(88)
	require.NoError(t, store.FetchUserData(ctx))
	require.Equal(t, 88, store.Snapshot().HeartRate)
}

func TestRefetchAdoptsRemoteSnapshotWhenNoLocalWrites(t *testing.T) {
	ctx := context.Background()
	gw := memory.NewGateway()
	_, err := gw.AppendSnapshot(ctx, "user-1", domain.HealthSnapshot{HeartRate: 66, Steps: 4200})
	require.NoError(t, err)

	store := newTestStore(t, gw)
	require.NoError(t, store.FetchUserData(ctx))
	require.Equal(t, 66, store.Snapshot().HeartRate)
	require.Equal(t, 4200, store.Snapshot().Steps)
}

func TestWriteThenRefetchLoopConvergesOnLastWrite(t *testing.T) {
	hub := realtime.NewHub()
	gw := realtime.NewNotifyingGateway(memory.NewGateway(), hub)
	store := newTestStore(t, gw)

	var refetches int
	var mu sync.Mutex
	teardown := realtime.NewBridge(hub, zap.NewNop()).Subscribe("user-1", func(events.Change) {
		mu.Lock()
		refetches++
		mu.Unlock()
		_ = store.FetchUserData(context.Background())
	})
	defer teardown()

	store.SetHeartRate(70)
	store.SetHeartRate(75)
	store.Wait()

	require.Equal(t, 75, store.Snapshot().HeartRate)
	mu.Lock()
	require.Equal(t, 2, refetches)
	mu.Unlock()
}

// reorderingGateway stores the append carrying heldHeartRate only after another append has been
// stored, so the older write lands with the higher Seq.
type reorderingGateway struct {
	domain.Gateway
	heldHeartRate int
	released      chan struct{}
	once          sync.Once
}

func (g *reorderingGateway) AppendSnapshot(ctx context.Context, userID string, snapshot domain.HealthSnapshot) (domain.HealthSnapshot, error) {
	if snapshot.HeartRate == g.heldHeartRate {
		<-g.released
		return g.Gateway.AppendSnapshot(ctx, userID, snapshot)
	}
	stored, err := g.Gateway.AppendSnapshot(ctx, userID, snapshot)
	g.once.Do(func() { close(g.released) })
	return stored, err
}

func TestSameInstantWritesStayLastWriteWinsWhenAppendsReorder(t *testing.T) {
	ctx := context.Background()
	hub := realtime.NewHub()
	gw := &reorderingGateway{
		Gateway:       realtime.NewNotifyingGateway(memory.NewGateway(), hub),
		heldHeartRate: 70,
		released:      make(chan struct{}),
	}
	frozen := time.Date(2025, time.June, 1, 8, 0, 0, 0, time.UTC)
	store := NewStore("user-1", gw, zap.NewNop(), WithClock(func() time.Time { return frozen }))
	t.Cleanup(store.Wait)

	teardown := realtime.NewBridge(hub, zap.NewNop()).Subscribe("user-1", func(events.Change) {
		_ = store.FetchUserData(context.Background())
	})
	defer teardown()

	store.SetHeartRate(70)
	store.SetHeartRate(75)
	store.Wait()

	latest, err := gw.LatestSnapshot(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, 75, latest.HeartRate)
	require.Equal(t, 75, store.Snapshot().HeartRate)

	require.NoError(t, store.FetchUserData(ctx))
	require.Equal(t, 75, store.Snapshot().HeartRate)
}

func TestFrozenClockStillStampsIncreasingTimes(t *testing.T) {
	frozen := time.Date(2025, time.June, 1, 8, 0, 0, 0, time.UTC)
	store := NewStore("user-1", memory.NewGateway(), zap.NewNop(), WithClock(func() time.Time { return frozen }))
	t.Cleanup(store.Wait)

	store.SetHeartRate(70)
	first := store.Snapshot().RecordedAt
	store.AddSteps(10)
	second := store.Snapshot().RecordedAt

	require.True(t, first.Equal(frozen))
	require.True(t, second.After(first))
}

func TestOnChangeReceivesStateAfterMutation(t *testing.T) {
	store := newTestStore(t, memory.NewGateway())

	var seen []int
	cancel := store.OnChange(func(s State) { seen = append(seen, s.Snapshot.Steps) })
	store.AddSteps(12)
	cancel()
	store.AddSteps(30)

	require.Equal(t, []int{12}, seen)
}
