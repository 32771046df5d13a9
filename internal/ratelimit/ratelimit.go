// Package ratelimit limits how often one client may call the gate.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides whether a client identifier may make another request.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Store gives every client its own token bucket in process memory.
type Store struct {
	sync.Mutex
	data  map[string]*visitor
	rps   rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time
}

// NewStore allows rps requests per second per key with the given burst.
// Buckets unused for idle are forgotten by Run.
func NewStore(rps float64, burst int, idle time.Duration) *Store {
	return &Store{
		data:  make(map[string]*visitor),
		rps:   rate.Limit(rps),
		burst: burst,
		idle:  idle,
		now:   time.Now,
	}
}

func (s *Store) Allow(_ context.Context, key string) (bool, error) {
	s.Lock()
	defer s.Unlock()
	now := s.now()
	v, ok := s.data[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(s.rps, s.burst)}
		s.data[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1), nil
}

// Len reports how many clients are tracked.
func (s *Store) Len() int {
	s.Lock()
	defer s.Unlock()
	return len(s.data)
}

func (s *Store) sweep() {
	s.Lock()
	defer s.Unlock()
	now := s.now()
	for k, v := range s.data {
		if now.Sub(v.lastSeen) > s.idle {
			delete(s.data, k)
		}
	}
}

// Run forgets idle clients every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweep()
		}
	}
}
