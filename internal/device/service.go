package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/events"
	"example.com/healthsync/internal/observability"
	"example.com/healthsync/internal/realtime"
)

var (
	// ErrDeviceNotConnected is returned by Sync when the user never paired the provider. The message
	// is shown to users verbatim.
	ErrDeviceNotConnected = errors.New("Device not connected")
	// ErrInvalidState is returned when a redirect carries an unknown or foreign anti-forgery state.
	ErrInvalidState = errors.New("invalid state parameter")
	// ErrUnsupportedProvider is returned for providers without an authorization endpoint.
	ErrUnsupportedProvider = errors.New("unsupported provider")
	// ErrDirectPairing is returned by Connect for providers paired through PairAndroid.
	ErrDirectPairing = errors.New("provider is paired directly, not through OAuth")
)

// Sink receives synced metric values. *health.Store implements it.
type Sink interface {
	UserID() string
	AddSteps(n int)
	SetHeartRate(v int)
	SetSleep(hours float64)
	AddCalories(n int)
}

// ConnectResult is the authorization redirect for an OAuth provider.
type ConnectResult struct {
	Provider domain.Provider `json:"provider"`
	AuthURL  string          `json:"auth_url"`
	State    string          `json:"state"`
}

// SyncResult reports the outcome of a sync.
type SyncResult struct {
	Success  bool            `json:"success"`
	Provider domain.Provider `json:"provider,omitempty"`
	Data     *Reading        `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// Service pairs devices and syncs their data into a user's store.
type Service struct {
	gateway   domain.Gateway
	states    StateStore
	exchanger TokenExchanger
	source    DataSource
	hub       *realtime.Hub
	log       *zap.Logger
	now       func() time.Time

	background sync.WaitGroup
}

// NewService constructs a Service.
func NewService(gateway domain.Gateway, states StateStore, exchanger TokenExchanger, source DataSource, hub *realtime.Hub, log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		gateway:   gateway,
		states:    states,
		exchanger: exchanger,
		source:    source,
		hub:       hub,
		log:       log.Named("device"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect starts an OAuth pairing: it records an anti-forgery state for userID and returns the
// provider authorization URL to redirect to.
func (s *Service) Connect(ctx context.Context, userID string, provider domain.Provider, clientID, redirectURI string) (ConnectResult, error) {
	conf, err := oauthConfig(provider, clientID, redirectURI)
	if err != nil {
		return ConnectResult{}, fmt.Errorf("%w: %s", err, provider)
	}

	state := uuid.NewString()
	if err := s.states.Save(ctx, PendingAuth{State: state, Provider: provider, UserID: userID, CreatedAt: s.now()}); err != nil {
		return ConnectResult{}, err
	}

	return ConnectResult{
		Provider: provider,
		AuthURL:  conf.AuthCodeURL(state, oauth2.AccessTypeOffline),
		State:    state,
	}, nil
}

// CompleteRedirect validates the returned state, clears it and stores the exchanged token.
func (s *Service) CompleteRedirect(ctx context.Context, userID, code, state string) (domain.DeviceConnection, error) {
	pending, err := s.states.Consume(ctx, state, userID)
	if err != nil {
		return domain.DeviceConnection{}, err
	}

	token, err := s.exchanger.Exchange(ctx, pending.Provider, code)
	if err != nil {
		return domain.DeviceConnection{}, fmt.Errorf("exchange %s code: %w", pending.Provider, err)
	}

	conn := domain.DeviceConnection{
		UserID:       userID,
		Provider:     pending.Provider,
		AccessToken:  token.AccessToken,
		LastSyncedAt: s.now(),
	}
	if token.RefreshToken != "" {
		refresh := token.RefreshToken
		conn.RefreshToken = &refresh
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry.UTC()
		conn.ExpiresAt = &expiry
	}

	stored, err := s.gateway.UpsertDeviceConnection(ctx, conn)
	if err != nil {
		return domain.DeviceConnection{}, err
	}
	s.log.Info("device connected", zap.String("user_id", userID), zap.String("provider", string(pending.Provider)))
	return stored, nil
}

// PairAndroid stores a synthetic long-lived token for an Android device. Pairing again overwrites
// the existing connection.
func (s *Service) PairAndroid(ctx context.Context, userID, deviceID, deviceName string) (domain.DeviceConnection, error) {
	if deviceID == "" {
		return domain.DeviceConnection{}, &domain.ValidationError{Field: "device_id", Reason: "is required"}
	}
	if deviceName == "" {
		deviceName = "Android device"
	}

	conn, err := s.gateway.UpsertDeviceConnection(ctx, domain.DeviceConnection{
		UserID:       userID,
		Provider:     domain.ProviderAndroid,
		AccessToken:  fmt.Sprintf("android_direct_token_%s_%d", deviceID, s.now().UnixMilli()),
		LastSyncedAt: s.now(),
		DeviceName:   &deviceName,
		DeviceID:     &deviceID,
	})
	if err != nil {
		return domain.DeviceConnection{}, err
	}
	s.log.Info("android device paired", zap.String("user_id", userID), zap.String("device_id", deviceID))
	return conn, nil
}

// Sync pulls a reading for provider and feeds the reported fields into sink. Without a stored
// connection it fails with ErrDeviceNotConnected and leaves sink untouched.
func (s *Service) Sync(ctx context.Context, sink Sink, provider domain.Provider) (SyncResult, error) {
	userID := sink.UserID()

	conn, err := s.gateway.DeviceConnection(ctx, userID, provider)
	if err != nil {
		observability.RecordDeviceSync(string(provider), "error")
		return SyncResult{Success: false, Provider: provider, Error: err.Error()}, err
	}
	if conn == nil {
		observability.RecordDeviceSync(string(provider), "not_connected")
		return SyncResult{Success: false, Provider: provider, Error: ErrDeviceNotConnected.Error()}, ErrDeviceNotConnected
	}

	reading, err := s.source.Fetch(ctx, *conn)
	if err != nil {
		observability.RecordDeviceSync(string(provider), "error")
		return SyncResult{Success: false, Provider: provider, Error: err.Error()}, err
	}

	if reading.Steps != nil {
		sink.AddSteps(*reading.Steps)
	}
	if reading.HeartRate != nil {
		sink.SetHeartRate(*reading.HeartRate)
	}
	if reading.Sleep != nil {
		sink.SetSleep(*reading.Sleep)
	}
	if reading.CaloriesBurned != nil {
		sink.AddCalories(*reading.CaloriesBurned)
	}

	s.touchLastSynced(userID, provider)
	observability.RecordDeviceSync(string(provider), "success")
	return SyncResult{Success: true, Provider: provider, Data: &reading}, nil
}

// touchLastSynced moves the sync watermark in the background; failures are logged only.
func (s *Service) touchLastSynced(userID string, provider domain.Provider) {
	at := s.now()
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if err := s.gateway.TouchLastSynced(context.Background(), userID, provider, at); err != nil {
			observability.RecordPersistFailure("touch_last_synced")
			observability.ReportError(err, "touch_last_synced", userID)
			s.log.Warn("touch last synced failed",
				zap.String("user_id", userID),
				zap.String("provider", string(provider)),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until background writes started so far have finished.
func (s *Service) Wait() {
	s.background.Wait()
}

// Connections lists the user's paired providers.
func (s *Service) Connections(ctx context.Context, userID string) ([]domain.DeviceConnection, error) {
	return s.gateway.DeviceConnections(ctx, userID)
}

// SubscribeRealtime delivers every message broadcast to deviceID on behalf of userID. The returned
// function ends the subscription.
func (s *Service) SubscribeRealtime(userID, deviceID string, fn func(json.RawMessage)) func() {
	return s.hub.Subscribe(events.DeviceChannel(deviceID), func(change events.Change) {
		if change.UserID != userID {
			return
		}
		fn(change.Payload)
	})
}

// Broadcast publishes payload to the subscribers of deviceID.
func (s *Service) Broadcast(userID, deviceID string, payload json.RawMessage) {
	s.hub.Publish(events.DeviceChannel(deviceID), events.Change{
		Table:      events.TableDevice,
		Operation:  events.OperationBroadcast,
		UserID:     userID,
		Payload:    payload,
		OccurredAt: s.now(),
	})
}
