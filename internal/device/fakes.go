package device

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"example.com/healthsync/internal/domain"
)

// TokenExchanger trades an authorization code for provider tokens.
type TokenExchanger interface {
	Exchange(ctx context.Context, provider domain.Provider, code string) (*oauth2.Token, error)
}

// DataSource reads the latest metrics for a connection.
type DataSource interface {
	Fetch(ctx context.Context, conn domain.DeviceConnection) (Reading, error)
}

// Reading holds the values a provider reported. Nil fields were not reported.
type Reading struct {
	Steps                  *int     `json:"steps,omitempty"`
	HeartRate              *int     `json:"heartRate,omitempty"`
	Sleep                  *float64 `json:"sleep,omitempty"`
	CaloriesBurned         *int     `json:"caloriesBurned,omitempty"`
	BloodPressureSystolic  *int     `json:"bloodPressureSystolic,omitempty"`
	BloodPressureDiastolic *int     `json:"bloodPressureDiastolic,omitempty"`
	Weight                 *float64 `json:"weight,omitempty"`
	LocationChanges        *int     `json:"locationChanges,omitempty"`
	ScreenTimeMinutes      *int     `json:"screenTimeMinutes,omitempty"`
}

// SimulatedExchanger is a fake TokenExchanger. It never contacts the provider and returns a
// synthetic token valid for one hour.
type SimulatedExchanger struct {
	Now func() time.Time
}

// Exchange implements TokenExchanger.
func (e SimulatedExchanger) Exchange(_ context.Context, provider domain.Provider, _ string) (*oauth2.Token, error) {
	now := time.Now()
	if e.Now != nil {
		now = e.Now()
	}
	ms := now.UnixMilli()
	return &oauth2.Token{
		AccessToken:  fmt.Sprintf("mock_%s_token_%d", provider, ms),
		RefreshToken: fmt.Sprintf("mock_refresh_token_%d", ms),
		TokenType:    "Bearer",
		Expiry:       now.Add(3600 * time.Second),
	}, nil
}

// SimulatedSource is a fake DataSource producing random values in provider-specific ranges.
type SimulatedSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedSource constructs a SimulatedSource drawing from rng.
func NewSimulatedSource(rng *rand.Rand) *SimulatedSource {
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x2545f4914f6cdd1d))
	}
	return &SimulatedSource{rng: rng}
}

// Fetch implements DataSource.
func (s *SimulatedSource) Fetch(_ context.Context, conn domain.DeviceConnection) (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch conn.Provider {
	case domain.ProviderFitbit:
		return Reading{
			Steps:          s.intn(3000, 8000),
			HeartRate:      s.intn(60, 80),
			Sleep:          s.tenths(6, 8),
			CaloriesBurned: s.intn(200, 500),
		}, nil
	case domain.ProviderGoogleFit:
		return Reading{
			Steps:          s.intn(2000, 8000),
			HeartRate:      s.intn(65, 90),
			CaloriesBurned: s.intn(150, 550),
		}, nil
	case domain.ProviderWithings:
		return Reading{
			BloodPressureSystolic:  s.intn(110, 130),
			BloodPressureDiastolic: s.intn(70, 85),
			Weight:                 s.tenths(65, 75),
		}, nil
	case domain.ProviderAndroid:
		return Reading{
			Steps:             s.intn(1000, 6000),
			HeartRate:         s.intn(60, 90),
			LocationChanges:   s.intn(0, 20),
			ScreenTimeMinutes: s.intn(30, 300),
		}, nil
	default:
		return Reading{}, nil
	}
}

// intn draws an integer from [lo, hi).
func (s *SimulatedSource) intn(lo, hi int) *int {
	v := lo + s.rng.IntN(hi-lo)
	return &v
}

// tenths draws from [lo, hi) rounded to one decimal.
func (s *SimulatedSource) tenths(lo, hi float64) *float64 {
	v := math.Round((lo+s.rng.Float64()*(hi-lo))*10) / 10
	if v >= hi {
		v = hi - 0.1
	}
	return &v
}
