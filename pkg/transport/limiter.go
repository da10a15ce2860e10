package transport

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimitPolicy caps outbound publish throughput per actor.
type LimitPolicy struct {
	RatePerSec float64
	Burst      int
}

// LimiterStore abstracts the storage for rate-limiting buckets so a
// multi-instance deployment can share one budget (see RedisLimiterStore).
type LimiterStore interface {
	// Allow reports whether the actor may spend cost tokens now.
	Allow(ctx context.Context, actorID string, policy LimitPolicy, cost int) (bool, error)
}

// MemoryLimiterStore keeps one token bucket per actor in process.
type MemoryLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewMemoryLimiterStore() *MemoryLimiterStore {
	return &MemoryLimiterStore{buckets: make(map[string]*rate.Limiter)}
}

func (s *MemoryLimiterStore) Allow(ctx context.Context, actorID string, policy LimitPolicy, cost int) (bool, error) {
	s.mu.Lock()
	limiter, ok := s.buckets[actorID]
	if !ok {
		perSec := policy.RatePerSec
		if perSec <= 0 {
			perSec = 1
		}
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(perSec), burst)
		s.buckets[actorID] = limiter
	}
	s.mu.Unlock()

	return limiter.AllowN(time.Now(), cost), nil
}
