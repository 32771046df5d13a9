// Package store keeps session-scoped state: verification tokens on the
// client side and issued challenges on the gate side. Every store has an
// in-memory and a Redis implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNotFound = errors.New("store: not found")

// Tokens persists the verification token for a session.
type Tokens interface {
	Save(ctx context.Context, sessionID, token string, ttl time.Duration) error
	Load(ctx context.Context, sessionID string) (string, error)
	Delete(ctx context.Context, sessionID string) error
}

// ChallengeRecord is what the gate remembers about an issued challenge.
type ChallengeRecord struct {
	ID         string    `json:"id"`
	ServerSalt string    `json:"server_salt"`
	Prefix     string    `json:"prefix"`
	Difficulty int       `json:"difficulty"`
	IssuedAt   time.Time `json:"issued_at"`
	ClientIP   string    `json:"client_ip"`
}

// Challenges stores issued challenges until they are consumed or expire.
type Challenges interface {
	Put(ctx context.Context, rec ChallengeRecord, ttl time.Duration) error
	Get(ctx context.Context, id string) (ChallengeRecord, error)
	// Consume marks the challenge used. It returns false if it already was.
	Consume(ctx context.Context, id string) (bool, error)
	Used(ctx context.Context, id string) (bool, error)
}

// TokenTTL reads the exp claim of a JWT without verifying it and returns the
// time left. fallback is used when the token carries no usable expiry.
func TokenTTL(token string, now time.Time, fallback time.Duration) time.Duration {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fallback
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fallback
	}
	if ttl := exp.Sub(now); ttl > 0 {
		return ttl
	}
	return 0
}
