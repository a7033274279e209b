package domain

import (
	"fmt"
	"time"
)

// Provider identifies an external fitness platform or device.
type Provider string

const (
	ProviderFitbit      Provider = "fitbit"
	ProviderAppleHealth Provider = "apple_health"
	ProviderGoogleFit   Provider = "google_fit"
	ProviderGarmin      Provider = "garmin"
	ProviderWithings    Provider = "withings"
	ProviderAndroid     Provider = "android"
)

// Providers lists every supported provider in display order.
var Providers = []Provider{
	ProviderFitbit,
	ProviderAppleHealth,
	ProviderGoogleFit,
	ProviderGarmin,
	ProviderWithings,
	ProviderAndroid,
}

// ParseProvider validates a provider identifier.
func ParseProvider(value string) (Provider, error) {
	for _, p := range Providers {
		if string(p) == value {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownProvider, value)
}

// DeviceConnection stores the credentials for one (user, provider) pairing.
type DeviceConnection struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Provider     Provider   `json:"provider"`
	AccessToken  string     `json:"-"`
	RefreshToken *string    `json:"-"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	LastSyncedAt time.Time  `json:"last_synced"`
	DeviceName   *string    `json:"device_name,omitempty"`
	DeviceID     *string    `json:"device_id,omitempty"`
}
