// Package auth validates bearer tokens issued by the hosted identity provider.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config holds signer verification parameters.
type Config struct {
	Secret string
	Issuer string
	// Leeway tolerates clock skew between the identity provider and this process.
	Leeway time.Duration
}

// Claims is what handlers see of an authenticated caller. Subject is the user id.
type Claims struct {
	Subject   string
	Email     string
	Role      string
	Scopes    []string
	ExpiresAt time.Time
}

// HasScope reports whether the caller holds scope.
func (c *Claims) HasScope(scope string) bool {
	return c != nil && slices.Contains(c.Scopes, scope)
}

// HasAnyScope reports whether the caller holds at least one of scopes.
func (c *Claims) HasAnyScope(scopes ...string) bool {
	return slices.ContainsFunc(scopes, c.HasScope)
}

var (
	// ErrMissingToken is returned when no bearer token was presented.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken wraps signature, issuer and expiry failures.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// tokenClaims mirrors the provider's access token. Scopes arrive either as the OAuth
// space-delimited "scope" string or as a "scopes" array.
type tokenClaims struct {
	jwt.RegisteredClaims
	Email      string   `json:"email,omitempty"`
	Role       string   `json:"role,omitempty"`
	Scope      string   `json:"scope,omitempty"`
	ScopeArray []string `json:"scopes,omitempty"`
}

// Verifier checks HS256 tokens against one shared secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier builds a Verifier from cfg.
func NewVerifier(cfg Config) *Verifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Verifier{secret: []byte(cfg.Secret), parser: jwt.NewParser(opts...)}
}

// Verify parses raw and returns the caller's claims.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMissingToken
	}

	var tc tokenClaims
	if _, err := v.parser.ParseWithClaims(raw, &tc, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if tc.Subject == "" {
		return nil, fmt.Errorf("%w: subject is empty", ErrInvalidToken)
	}

	claims := &Claims{
		Subject: tc.Subject,
		Email:   tc.Email,
		Role:    tc.Role,
		Scopes:  collectScopes(tc.Scope, tc.ScopeArray),
	}
	if tc.ExpiresAt != nil {
		claims.ExpiresAt = tc.ExpiresAt.Time
	}
	return claims, nil
}

func collectScopes(delimited string, list []string) []string {
	var out []string
	for _, s := range append(strings.Fields(delimited), list...) {
		s = strings.TrimSpace(s)
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
