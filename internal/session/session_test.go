package session

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"captchify/internal/puzzle"
	"captchify/internal/store"
	"captchify/internal/types"
)

func TestNewDefaults(t *testing.T) {
	s := New(Options{Logger: zaptest.NewLogger(t)})
	assert.NotEqual(t, uuid.Nil, s.ID)
	assert.Equal(t, puzzle.Idle, s.Puzzle.State())
	assert.Equal(t, puzzle.DefaultGeometry().Marker.Center, s.Puzzle.Marker())
	assert.Zero(t, s.Aggregator.Snapshot().Counters.Moves)

	_, ok := s.Challenge()
	assert.False(t, ok)

	other := New(Options{})
	assert.NotEqual(t, s.ID, other.ID)
}

func TestChallengeIsCopied(t *testing.T) {
	s := New(Options{})
	in := types.Challenge{ID: "c1", Prefix: []byte{0x00}, Difficulty: 8}
	s.SetChallenge(in)
	in.Prefix[0] = 0xFF

	got, ok := s.Challenge()
	require.True(t, ok)
	assert.Equal(t, types.Challenge{ID: "c1", Prefix: []byte{0x00}, Difficulty: 8}, got)

	got.Prefix[0] = 0xAA
	again, _ := s.Challenge()
	assert.Equal(t, byte(0x00), again.Prefix[0])

	s.SetChallenge(types.Challenge{ID: "c2", Difficulty: 4})
	again, _ = s.Challenge()
	assert.Equal(t, "c2", again.ID)
}

func TestSaveToken(t *testing.T) {
	ctx := context.Background()
	tokens := store.NewMemoryTokens()
	s := New(Options{Tokens: tokens, TokenTTL: time.Minute})

	_, err := s.Token(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SaveToken(ctx, "opaque"))
	tok, err := s.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "opaque", tok)

	stored, err := tokens.Load(ctx, s.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "opaque", stored, "keyed by session id")
}

func TestSaveExpiredToken(t *testing.T) {
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	s := New(Options{})
	assert.Error(t, s.SaveToken(context.Background(), expired))
	_, err = s.Token(context.Background())
	assert.ErrorIs(t, err, store.ErrNotFound)
}
