package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// New connects to Redis at addr.
func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

func key(prefix string, parts ...string) string {
	k := prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// RedisTokens stores tokens as plain string keys with a TTL.
type RedisTokens struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisTokens(rdb *redis.Client, prefix string) *RedisTokens {
	return &RedisTokens{rdb: rdb, prefix: prefix}
}

func (s *RedisTokens) Save(ctx context.Context, sessionID, token string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key(s.prefix, "token", sessionID), token, ttl).Err(); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (s *RedisTokens) Load(ctx context.Context, sessionID string) (string, error) {
	tok, err := s.rdb.Get(ctx, key(s.prefix, "token", sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load token: %w", err)
	}
	return tok, nil
}

func (s *RedisTokens) Delete(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, key(s.prefix, "token", sessionID)).Err(); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// RedisChallenges stores each challenge as JSON and tracks consumption with
// a separate SETNX key, so Consume is atomic across gate replicas.
type RedisChallenges struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisChallenges(rdb *redis.Client, prefix string) *RedisChallenges {
	return &RedisChallenges{rdb: rdb, prefix: prefix}
}

func (s *RedisChallenges) Put(ctx context.Context, rec ChallengeRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode challenge: %w", err)
	}
	if err := s.rdb.Set(ctx, key(s.prefix, "challenge", rec.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("put challenge: %w", err)
	}
	return nil
}

func (s *RedisChallenges) Get(ctx context.Context, id string) (ChallengeRecord, error) {
	var rec ChallengeRecord
	data, err := s.rdb.Get(ctx, key(s.prefix, "challenge", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("get challenge: %w", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode challenge: %w", err)
	}
	return rec, nil
}

func (s *RedisChallenges) Consume(ctx context.Context, id string) (bool, error) {
	ttl, err := s.rdb.PTTL(ctx, key(s.prefix, "challenge", id)).Result()
	if err != nil {
		return false, fmt.Errorf("consume challenge: %w", err)
	}
	// PTTL reports -2 for a missing key and -1 for a key without expiry.
	switch {
	case ttl == -2:
		return false, ErrNotFound
	case ttl < 0:
		ttl = 0
	}
	ok, err := s.rdb.SetNX(ctx, key(s.prefix, "used", id), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("consume challenge: %w", err)
	}
	return ok, nil
}

func (s *RedisChallenges) Used(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key(s.prefix, "used", id)).Result()
	if err != nil {
		return false, fmt.Errorf("check challenge: %w", err)
	}
	return n > 0, nil
}
