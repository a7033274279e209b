// Package device simulates pairing with third-party fitness platforms and ingesting their data.
// Token exchange and data retrieval are fakes behind TokenExchanger and DataSource.
package device

import (
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/fitbit"

	"example.com/healthsync/internal/domain"
)

// ProviderConfig describes how a provider is paired.
type ProviderConfig struct {
	Name     string
	Color    string
	Scopes   []string
	Endpoint oauth2.Endpoint
	// Direct providers are paired from a form instead of an OAuth redirect.
	Direct bool
}

// SupportsOAuth reports whether the provider has an authorization endpoint.
func (c ProviderConfig) SupportsOAuth() bool {
	return c.Endpoint.AuthURL != ""
}

var providerConfigs = map[domain.Provider]ProviderConfig{
	domain.ProviderFitbit: {
		Name:     "Fitbit",
		Color:    "#00B0B9",
		Scopes:   []string{"activity", "heartrate", "sleep", "weight"},
		Endpoint: fitbit.Endpoint,
	},
	domain.ProviderAppleHealth: {
		Name:  "Apple Health",
		Color: "#FF2D55",
	},
	domain.ProviderGoogleFit: {
		Name:  "Google Fit",
		Color: "#4285F4",
		Scopes: []string{
			"https://www.googleapis.com/auth/fitness.activity.read",
			"https://www.googleapis.com/auth/fitness.heart_rate.read",
		},
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	},
	domain.ProviderGarmin: {
		Name:  "Garmin",
		Color: "#007CC3",
	},
	domain.ProviderWithings: {
		Name:   "Withings",
		Color:  "#00B2A9",
		Scopes: []string{"user.metrics", "user.activity"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://account.withings.com/oauth2_user/authorize2",
			TokenURL: "https://wbsapi.withings.net/v2/oauth2",
		},
	},
	domain.ProviderAndroid: {
		Name:   "Android",
		Color:  "#3DDC84",
		Direct: true,
	},
}

// Config returns the pairing configuration for provider.
func Config(provider domain.Provider) (ProviderConfig, bool) {
	cfg, ok := providerConfigs[provider]
	return cfg, ok
}

func oauthConfig(provider domain.Provider, clientID, redirectURI string) (*oauth2.Config, error) {
	cfg, ok := providerConfigs[provider]
	if !ok {
		return nil, domain.ErrUnknownProvider
	}
	if cfg.Direct {
		return nil, ErrDirectPairing
	}
	if !cfg.SupportsOAuth() {
		return nil, ErrUnsupportedProvider
	}
	return &oauth2.Config{
		ClientID:    clientID,
		Scopes:      cfg.Scopes,
		Endpoint:    cfg.Endpoint,
		RedirectURL: redirectURI,
	}, nil
}
