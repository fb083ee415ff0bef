package ws

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrMissingToken is returned when a request carries no access token.
	ErrMissingToken = errors.New("missing access_token")
	// ErrInvalidToken is returned for malformed, expired or forged tokens.
	ErrInvalidToken = errors.New("invalid access_token")
	// ErrUnknownKey is returned by Issue for keys not in the configured set.
	ErrUnknownKey = errors.New("unknown api key")
)

// Claims are carried by access tokens.
type Claims struct {
	Key string `json:"key"` // masked api key
	gojwt.RegisteredClaims
}

// TokenAuth issues and verifies HS256 access tokens for the streaming
// endpoints. A TokenAuth with no secret is disabled and accepts everything.
type TokenAuth struct {
	secret  []byte
	ttl     time.Duration
	apiKeys map[string]bool
	now     func() time.Time
}

// NewTokenAuth creates a TokenAuth.
func NewTokenAuth(secret string, ttl time.Duration, apiKeys []string) *TokenAuth {
	keys := make(map[string]bool, len(apiKeys))
	for _, k := range apiKeys {
		keys[k] = true
	}
	return &TokenAuth{
		secret:  []byte(secret),
		ttl:     ttl,
		apiKeys: keys,
		now:     time.Now,
	}
}

// Enabled reports whether tokens are required.
func (a *TokenAuth) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

// Issue signs a token for apiKey.
func (a *TokenAuth) Issue(apiKey string) (string, time.Time, error) {
	if !a.apiKeys[apiKey] {
		return "", time.Time{}, ErrUnknownKey
	}

	now := a.now()
	expires := now.Add(a.ttl)
	claims := Claims{
		Key: maskAPIKey(apiKey),
		RegisteredClaims: gojwt.RegisteredClaims{
			ID:        uuid.New().String(),
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(expires),
		},
	}

	signed, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, expires, nil
}

// Verify parses and validates a token.
func (a *TokenAuth) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	parser := gojwt.NewParser(
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithExpirationRequired(),
		gojwt.WithTimeFunc(a.now),
	)
	_, err := parser.ParseWithClaims(token, claims, func(*gojwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claims, nil
}

// Require rejects requests without a valid token, read from the access_token
// query parameter or a Bearer Authorization header.
func (a *TokenAuth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		token := r.URL.Query().Get("access_token")
		if token == "" {
			token, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if _, err := a.Verify(token); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// maskAPIKey masks all but the first 4 characters of an API key for logging.
func maskAPIKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}
