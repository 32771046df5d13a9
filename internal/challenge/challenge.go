// Package challenge issues proof-of-work challenges and checks the proofs
// submitted against them.
package challenge

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"captchify/internal/config"
	"captchify/internal/logging"
	"captchify/internal/pow"
	"captchify/internal/store"
	"captchify/internal/types"
	"captchify/internal/utils"
)

var (
	ErrUnknown = errors.New("unknown challenge id")
	ErrUsed    = errors.New("challenge id already solved/used")
	ErrExpired = errors.New("challenge expired")
)

// prefixLen is the number of HMAC bytes handed out as the PoW prefix.
const prefixLen = 16

// Issuer creates challenges and validates answers to them.
type Issuer struct {
	secret     []byte
	difficulty int
	ttl        time.Duration
	store      store.Challenges
	logger     *zap.Logger
	now        func() time.Time
}

func NewIssuer(cfg config.GateConfig, st store.Challenges, logger *zap.Logger) *Issuer {
	return &Issuer{
		secret:     []byte(cfg.Secret),
		difficulty: cfg.Difficulty,
		ttl:        cfg.ChallengeTTL,
		store:      st,
		logger:     logging.OrNop(logger),
		now:        time.Now,
	}
}

// MakePrefix derives the PoW prefix for a challenge from the server secret,
// so prefixes cannot be predicted or chosen by clients.
func MakePrefix(secret []byte, id, srvNonce string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(id + ":" + srvNonce))
	return hex.EncodeToString(mac.Sum(nil)[:prefixLen])
}

// Issue creates and stores a new challenge for clientIP.
func (i *Issuer) Issue(ctx context.Context, clientIP string) (*types.InitResponse, error) {
	id := uuid.NewString()
	srvNonce, err := utils.GenerateNonce(16)
	if err != nil {
		return nil, err
	}
	rec := store.ChallengeRecord{
		ID:         id,
		ServerSalt: srvNonce,
		Prefix:     MakePrefix(i.secret, id, srvNonce),
		Difficulty: i.difficulty,
		IssuedAt:   i.now(),
		ClientIP:   clientIP,
	}
	// The record outlives its TTL so a late answer is reported as expired
	// rather than unknown.
	if err := i.store.Put(ctx, rec, 2*i.ttl); err != nil {
		return nil, fmt.Errorf("store challenge: %w", err)
	}
	i.logger.Debug("Issue: challenge created", zap.String("challenge", id), zap.String("ip", clientIP))
	return &types.InitResponse{
		ChallengeID: id,
		Prefix:      rec.Prefix,
		Difficulty:  rec.Difficulty,
		ExpiresIn:   int(i.ttl / time.Second),
	}, nil
}

// Lookup returns the live, unused challenge with the given id.
func (i *Issuer) Lookup(ctx context.Context, id string) (store.ChallengeRecord, error) {
	rec, err := i.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return rec, ErrUnknown
	}
	if err != nil {
		return rec, err
	}
	used, err := i.store.Used(ctx, id)
	if err != nil {
		return rec, err
	}
	if used {
		return rec, ErrUsed
	}
	if i.now().Sub(rec.IssuedAt) > i.ttl {
		return rec, ErrExpired
	}
	return rec, nil
}

// CheckProof reports the leading zero bits of the submitted nonce's digest
// and whether they meet the challenge difficulty. A nonce that is not in
// canonical decimal form never passes and counts as zero bits.
func CheckProof(rec store.ChallengeRecord, nonce string) (int, bool) {
	if !pow.Canonical(nonce) {
		return 0, false
	}
	prefix, err := hex.DecodeString(rec.Prefix)
	if err != nil {
		return 0, false
	}
	d := pow.Digest(prefix, nonce)
	lz := pow.LeadingZeroBits(d[:])
	return lz, lz >= rec.Difficulty
}

// Consume marks the challenge used. Only the first caller succeeds.
func (i *Issuer) Consume(ctx context.Context, id string) error {
	ok, err := i.store.Consume(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknown
	}
	if err != nil {
		return err
	}
	if !ok {
		return ErrUsed
	}
	return nil
}
