package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/adriannoes/asap-protocol/internal/config"
)

// ErrUnauthorized is returned when no configured scheme accepts the request.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator checks inbound requests against the configured schemes.
// An empty scheme list disables authentication.
type Authenticator struct {
	schemes   []string
	apiKeys   map[string]string
	jwtSecret []byte
}

// NewAuthenticator builds an authenticator from configuration.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{
		schemes:   cfg.Schemes,
		apiKeys:   cfg.APIKeys,
		jwtSecret: []byte(cfg.JWTSecret),
	}
}

// Enabled reports whether any scheme is configured.
func (a *Authenticator) Enabled() bool { return len(a.schemes) > 0 }

// Authenticate accepts the request if any configured scheme matches.
func (a *Authenticator) Authenticate(r *http.Request) error {
	if !a.Enabled() {
		return nil
	}
	for _, scheme := range a.schemes {
		var err error
		switch scheme {
		case "bearer":
			err = a.checkBearer(r)
		case "api-key":
			err = a.checkAPIKey(r)
		case "none":
			return nil
		default:
			err = fmt.Errorf("scheme %s not checkable at transport level", scheme)
		}
		if err == nil {
			return nil
		}
	}
	return ErrUnauthorized
}

func (a *Authenticator) checkBearer(r *http.Request) error {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	return nil
}

func (a *Authenticator) checkAPIKey(r *http.Request) error {
	presented := r.Header.Get("X-API-Key")
	if presented == "" {
		return fmt.Errorf("%w: missing api key", ErrUnauthorized)
	}
	for _, secret := range a.apiKeys {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) == 1 {
			return nil
		}
	}
	return fmt.Errorf("%w: unknown api key", ErrUnauthorized)
}

// MintToken issues a short-lived HS256 bearer token for an agent id,
// used by operators wiring up peer credentials.
func (a *Authenticator) MintToken(agentID string, claims jwt.MapClaims) (string, error) {
	if claims == nil {
		claims = jwt.MapClaims{}
	}
	claims["sub"] = agentID
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
