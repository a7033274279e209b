// Package session owns the per-user stores and everything attached to them: the realtime bridge
// subscription and the simulation driver.
package session

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/events"
	"example.com/healthsync/internal/health"
	"example.com/healthsync/internal/observability"
	"example.com/healthsync/internal/realtime"
	"example.com/healthsync/internal/simulation"
)

// Config controls what a session starts with.
type Config struct {
	SimulationEnabled bool
	SimulationUnit    time.Duration
	Scheduler         simulation.Scheduler
	// Seed, when non-zero, makes each session's simulation deterministic.
	Seed uint64
	// IdleTimeout is how long a session without requests or open streams survives an eviction sweep.
	IdleTimeout time.Duration
	Now         func() time.Time
}

// Session is one user's live state.
type Session struct {
	Store *health.Store

	teardown   func()
	simulation *simulation.Handle
	closeOnce  sync.Once

	// guarded by Manager.mu
	lastUsed time.Time
	holds    int
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		if s.simulation != nil {
			s.simulation.Stop()
		}
		s.teardown()
		s.Store.Wait()
	})
}

// Manager creates sessions on first use and releases them on Close or once they go idle.
type Manager struct {
	gateway domain.Gateway
	bridge  *realtime.Bridge
	cfg     Config
	log     *zap.Logger

	loads singleflight.Group

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager constructs a Manager.
func NewManager(gateway domain.Gateway, bridge *realtime.Bridge, cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = simulation.CronScheduler{}
	}
	if cfg.SimulationUnit <= 0 {
		cfg.SimulationUnit = time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 15 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		gateway:  gateway,
		bridge:   bridge,
		cfg:      cfg,
		log:      log.Named("session"),
		sessions: make(map[string]*Session),
	}
}

// Open returns the user's session, creating it if needed: the profile is ensured, state is loaded,
// the realtime bridge subscribed and the simulation started. Concurrent first opens for one user
// share a single load; other users are never blocked behind it.
func (m *Manager) Open(ctx context.Context, userID string) (*Session, error) {
	if s, ok := m.touch(userID); ok {
		return s, nil
	}

	v, err, _ := m.loads.Do(userID, func() (any, error) {
		if s, ok := m.touch(userID); ok {
			return s, nil
		}
		s, err := m.load(ctx, userID)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		s.lastUsed = m.cfg.Now()
		m.sessions[userID] = s
		m.mu.Unlock()
		observability.SessionOpened()
		m.log.Info("session opened", zap.String("user_id", userID), zap.Bool("simulation", m.cfg.SimulationEnabled))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Hold opens the user's session and pins it against idle eviction until release is called. Event
// streams hold their session for as long as they are connected.
func (m *Manager) Hold(ctx context.Context, userID string) (*Session, func(), error) {
	for {
		s, err := m.Open(ctx, userID)
		if err != nil {
			return nil, nil, err
		}
		m.mu.Lock()
		if m.sessions[userID] != s {
			// evicted between Open and here
			m.mu.Unlock()
			continue
		}
		s.holds++
		m.mu.Unlock()

		var once sync.Once
		return s, func() {
			once.Do(func() {
				m.mu.Lock()
				s.holds--
				s.lastUsed = m.cfg.Now()
				m.mu.Unlock()
			})
		}, nil
	}
}

func (m *Manager) touch(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if ok {
		s.lastUsed = m.cfg.Now()
	}
	return s, ok
}

func (m *Manager) load(ctx context.Context, userID string) (*Session, error) {
	if _, err := m.gateway.EnsureProfile(ctx, userID); err != nil {
		return nil, err
	}

	store := health.NewStore(userID, m.gateway, m.log)
	if err := store.FetchUserData(ctx); err != nil {
		return nil, err
	}

	log := m.log.With(zap.String("user_id", userID))
	s := &Session{Store: store}
	s.teardown = m.bridge.Subscribe(userID, func(change events.Change) {
		if err := store.FetchUserData(context.Background()); err != nil {
			observability.ReportError(err, "realtime_refetch", userID)
			log.Warn("refetch after change failed", zap.String("table", change.Table), zap.Error(err))
		}
	})

	if m.cfg.SimulationEnabled {
		driver := simulation.NewDriver(store, m.cfg.Scheduler, m.cfg.SimulationUnit, m.rngFor(userID), m.log)
		s.simulation = driver.Start()
	}
	return s, nil
}

func (m *Manager) rngFor(userID string) *rand.Rand {
	if m.cfg.Seed == 0 {
		return nil
	}
	var h uint64 = 14695981039346656037
	for i := 0; i < len(userID); i++ {
		h ^= uint64(userID[i])
		h *= 1099511628211
	}
	return rand.New(rand.NewPCG(m.cfg.Seed, h))
}

// Get returns an open session without creating one.
func (m *Manager) Get(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	return s, ok
}

// Close stops the user's simulation and tears down the bridge subscription.
func (m *Manager) Close(userID string) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()

	if !ok {
		return
	}
	m.release(userID, s, "closed")
}

func (m *Manager) release(userID string, s *Session, reason string) {
	s.close()
	observability.SessionClosed()
	m.log.Info("session "+reason, zap.String("user_id", userID))
}

// EvictIdle closes every session that has no holders and has not been used for IdleTimeout. It
// returns the number of sessions closed.
func (m *Manager) EvictIdle() int {
	now := m.cfg.Now()

	m.mu.Lock()
	idle := make(map[string]*Session)
	for id, s := range m.sessions {
		if s.holds == 0 && now.Sub(s.lastUsed) >= m.cfg.IdleTimeout {
			idle[id] = s
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for id, s := range idle {
		m.release(id, s, "evicted")
	}
	return len(idle)
}

// Run sweeps idle sessions every interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.EvictIdle(); n > 0 {
				m.log.Debug("evicted idle sessions", zap.Int("count", n))
			}
		}
	}
}

// CloseAll closes every open session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id)
	}
}
