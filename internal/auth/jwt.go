// Package auth validates the bearer tokens approval responders present
// when resolving a pending tool-call approval over HTTP or a channel
// webhook, separate from the approval nonce/ownership checks in
// internal/agent/approval.go.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrAuthDisabled is returned when no signing secret is configured.
	ErrAuthDisabled = errors.New("auth: disabled (no jwt secret configured)")
	// ErrInvalidToken is returned for any unparseable, expired, or
	// badly-signed responder token.
	ErrInvalidToken = errors.New("auth: invalid responder token")
)

// ResponderClaims is the JWT payload a responder token carries: who is
// responding (Subject) and which authorization scopes they hold.
type ResponderClaims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// ResponderJWT signs and validates responder tokens with a shared HMAC
// secret, mirroring the teacher's JWTService shape.
type ResponderJWT struct {
	secret []byte
	expiry time.Duration
}

// NewResponderJWT builds a responder-token signer/validator. An empty
// secret disables both Generate and Validate (ErrAuthDisabled).
func NewResponderJWT(secret string, expiry time.Duration) *ResponderJWT {
	return &ResponderJWT{secret: []byte(secret), expiry: expiry}
}

// Generate issues a signed responder token for userID carrying scopes.
func (s *ResponderJWT) Generate(userID string, scopes []string) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("auth: responder id required")
	}

	claims := ResponderClaims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if s.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(s.expiry))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a responder token, returning the
// responder's user ID and scopes embedded in it.
func (s *ResponderJWT) Validate(token string) (userID string, scopes []string, err error) {
	if s == nil || len(s.secret) == 0 {
		return "", nil, ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &ResponderClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*ResponderClaims)
	if !ok || !parsed.Valid {
		return "", nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", nil, ErrInvalidToken
	}
	return claims.Subject, claims.Scopes, nil
}
