// Package ratelimit throttles signing-link traffic per client key.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy is a token bucket: RPS tokens per second up to Burst.
type Policy struct {
	RPS   float64
	Burst int
}

// Limiter decides whether a request from key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// visitor tracks the rate limiter and last seen time for a key.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Memory keeps one rate.Limiter per key in process memory. Idle keys are
// evicted after idleTTL.
type Memory struct {
	policy   Policy
	idleTTL  time.Duration
	mu       sync.Mutex
	visitors map[string]*visitor
	stop     chan struct{}
	once     sync.Once
}

// NewMemory starts a limiter and its background eviction loop.
func NewMemory(p Policy) *Memory {
	m := &Memory{
		policy:   p,
		idleTTL:  3 * time.Minute,
		visitors: make(map[string]*visitor),
		stop:     make(chan struct{}),
	}
	go m.cleanupLoop(time.Minute)
	return m
}

func (m *Memory) Allow(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	v, ok := m.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(m.policy.RPS), m.policy.Burst)}
		m.visitors[key] = v
	}
	v.lastSeen = time.Now()
	m.mu.Unlock()

	return v.limiter.Allow(), nil
}

func (m *Memory) cleanupLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-t.C:
			m.evict(now)
		}
	}
}

func (m *Memory) evict(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, v := range m.visitors {
		if now.Sub(v.lastSeen) > m.idleTTL {
			delete(m.visitors, key)
		}
	}
}

// Close stops the eviction loop.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}
