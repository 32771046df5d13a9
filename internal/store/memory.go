package store

import (
	"context"
	"sync"
	"time"
)

type entry[T any] struct {
	value   T
	expires time.Time
}

// expiring is a mutex-guarded map whose entries vanish after their TTL.
type expiring[T any] struct {
	mu   sync.Mutex
	data map[string]entry[T]
	now  func() time.Time
}

func newExpiring[T any]() *expiring[T] {
	return &expiring[T]{data: make(map[string]entry[T]), now: time.Now}
}

func (e *expiring[T]) put(key string, v T, ttl time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data[key] = entry[T]{value: v, expires: e.now().Add(ttl)}
}

func (e *expiring[T]) get(key string) (T, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.data[key]
	if !ok || e.now().After(ent.expires) {
		delete(e.data, key)
		var zero T
		return zero, false
	}
	return ent.value, true
}

func (e *expiring[T]) del(key string) {
	e.mu.Lock()
	delete(e.data, key)
	e.mu.Unlock()
}

func (e *expiring[T]) sweep() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	for k, ent := range e.data {
		if now.After(ent.expires) {
			delete(e.data, k)
		}
	}
}

// cleanupLoop sweeps every interval until ctx is done.
func cleanupLoop(ctx context.Context, interval time.Duration, sweep func()) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sweep()
		}
	}
}

// MemoryTokens keeps tokens in process memory.
type MemoryTokens struct {
	m *expiring[string]
}

func NewMemoryTokens() *MemoryTokens {
	return &MemoryTokens{m: newExpiring[string]()}
}

func (s *MemoryTokens) Save(_ context.Context, sessionID, token string, ttl time.Duration) error {
	s.m.put(sessionID, token, ttl)
	return nil
}

func (s *MemoryTokens) Load(_ context.Context, sessionID string) (string, error) {
	tok, ok := s.m.get(sessionID)
	if !ok {
		return "", ErrNotFound
	}
	return tok, nil
}

func (s *MemoryTokens) Delete(_ context.Context, sessionID string) error {
	s.m.del(sessionID)
	return nil
}

type challengeEntry struct {
	rec  ChallengeRecord
	used bool
}

// MemoryChallenges keeps issued challenges in process memory.
type MemoryChallenges struct {
	m *expiring[*challengeEntry]
}

func NewMemoryChallenges() *MemoryChallenges {
	return &MemoryChallenges{m: newExpiring[*challengeEntry]()}
}

// Run removes expired challenges periodically until ctx is done.
func (s *MemoryChallenges) Run(ctx context.Context, interval time.Duration) {
	cleanupLoop(ctx, interval, s.m.sweep)
}

func (s *MemoryChallenges) Put(_ context.Context, rec ChallengeRecord, ttl time.Duration) error {
	s.m.put(rec.ID, &challengeEntry{rec: rec}, ttl)
	return nil
}

func (s *MemoryChallenges) Get(_ context.Context, id string) (ChallengeRecord, error) {
	ent, ok := s.m.get(id)
	if !ok {
		return ChallengeRecord{}, ErrNotFound
	}
	return ent.rec, nil
}

func (s *MemoryChallenges) Consume(_ context.Context, id string) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	ent, ok := s.m.data[id]
	if !ok || s.m.now().After(ent.expires) {
		return false, ErrNotFound
	}
	if ent.value.used {
		return false, nil
	}
	ent.value.used = true
	return true, nil
}

func (s *MemoryChallenges) Used(_ context.Context, id string) (bool, error) {
	ent, ok := s.m.get(id)
	if !ok {
		return false, ErrNotFound
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return ent.used, nil
}
