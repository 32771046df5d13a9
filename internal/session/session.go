// Package session holds everything one verification widget owns for its
// lifetime: the input aggregator, the drag puzzle, the active challenge and
// the stored token.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"captchify/internal/logging"
	"captchify/internal/puzzle"
	"captchify/internal/sensor"
	"captchify/internal/store"
	"captchify/internal/types"
)

// Session is created once per widget and passed explicitly to the
// components that need it.
type Session struct {
	ID         uuid.UUID
	Aggregator *sensor.Aggregator
	Puzzle     *puzzle.Machine

	tokens   store.Tokens
	tokenTTL time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	challenge *types.Challenge
}

// Options configure a new Session. Zero values are usable.
type Options struct {
	Geometry  puzzle.Geometry
	Renderer  puzzle.Renderer
	Tokens    store.Tokens
	TokenTTL  time.Duration
	StartedAt float64
	Logger    *zap.Logger
}

func New(opts Options) *Session {
	id := uuid.New()
	logger := logging.OrNop(opts.Logger).With(zap.String("session", id.String()))
	geo := opts.Geometry
	if geo == (puzzle.Geometry{}) {
		geo = puzzle.DefaultGeometry()
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = store.NewMemoryTokens()
	}
	ttl := opts.TokenTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Session{
		ID:         id,
		Aggregator: sensor.NewAggregator(opts.StartedAt, logger),
		Puzzle:     puzzle.NewMachine(geo, opts.Renderer, logger),
		tokens:     tokens,
		tokenTTL:   ttl,
		logger:     logger,
	}
}

// Logger returns the session-scoped logger.
func (s *Session) Logger() *zap.Logger { return s.logger }

// SetChallenge replaces the active challenge.
func (s *Session) SetChallenge(ch types.Challenge) {
	prefix := append([]byte(nil), ch.Prefix...)
	s.mu.Lock()
	s.challenge = &types.Challenge{ID: ch.ID, Prefix: prefix, Difficulty: ch.Difficulty}
	s.mu.Unlock()
	s.logger.Debug("challenge installed", zap.String("challenge", ch.ID), zap.Int("difficulty", ch.Difficulty))
}

// Challenge returns a copy of the active challenge, if any.
func (s *Session) Challenge() (types.Challenge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.challenge == nil {
		return types.Challenge{}, false
	}
	ch := *s.challenge
	ch.Prefix = append([]byte(nil), ch.Prefix...)
	return ch, true
}

// SaveToken stores the verification token until its own expiry, or the
// configured TTL when it has none.
func (s *Session) SaveToken(ctx context.Context, token string) error {
	ttl := store.TokenTTL(token, time.Now(), s.tokenTTL)
	if ttl <= 0 {
		return fmt.Errorf("session %s: token already expired", s.ID)
	}
	if err := s.tokens.Save(ctx, s.ID.String(), token, ttl); err != nil {
		return fmt.Errorf("session %s: save token: %w", s.ID, err)
	}
	return nil
}

// Token returns the stored token, or store.ErrNotFound.
func (s *Session) Token(ctx context.Context) (string, error) {
	return s.tokens.Load(ctx, s.ID.String())
}
