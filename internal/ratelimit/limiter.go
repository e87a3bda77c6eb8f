// Package ratelimit implements per-key token-bucket admission control.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"
)

const shardCount = 16

// Policy names a bucket shape. Capacity is the burst size and RefillRate the
// number of tokens restored per second.
type Policy struct {
	Name       string
	Capacity   int
	RefillRate float64
}

// Decision is the outcome of an admission check.
type Decision struct {
	Policy     string
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // whole seconds, zero when allowed or when cost exceeds capacity
	ResetAt    time.Time     // when the bucket will be full again
}

// RetryAfterSeconds returns RetryAfter in whole seconds.
func (d Decision) RetryAfterSeconds() int {
	return int(d.RetryAfter / time.Second)
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen atomic.Int64 // unix nanoseconds
}

type shard struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

// Limiter holds one token bucket per (policy, key). Buckets are spread over
// shards so checks for different keys rarely contend.
type Limiter struct {
	shards [shardCount]*shard
	idle   time.Duration
	now    func() time.Time
}

// New creates a limiter whose buckets become eligible for eviction after
// idle without a check.
func New(idle time.Duration) *Limiter {
	l := &Limiter{idle: idle, now: time.Now}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return l
}

// SetClock replaces the limiter's clock. Used by tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

func (l *Limiter) shardFor(key string) *shard {
	return l.shards[xxhash.Sum64String(key)%shardCount]
}

// Allow refills the bucket for key under policy and tries to debit cost
// tokens. A cost above the policy capacity is denied with a zero RetryAfter. The refill, debit and report happen while the shard is held, so a
// concurrent Sweep never drops a bucket mid-check.
func (l *Limiter) Allow(key string, cost int, p Policy) Decision {
	if cost < 1 {
		cost = 1
	}
	id := p.Name + ":" + key
	now := l.now()
	s := l.shardFor(id)

	s.mu.RLock()
	b, ok := s.buckets[id]
	for !ok {
		s.mu.RUnlock()
		s.mu.Lock()
		if _, exists := s.buckets[id]; !exists {
			nb := &bucket{lim: rate.NewLimiter(rate.Limit(p.RefillRate), p.Capacity)}
			nb.lastSeen.Store(now.UnixNano())
			s.buckets[id] = nb
		}
		s.mu.Unlock()
		s.mu.RLock()
		b, ok = s.buckets[id]
	}
	defer s.mu.RUnlock()

	if b.lim.Burst() != p.Capacity || float64(b.lim.Limit()) != p.RefillRate {
		b.lim.SetBurstAt(now, p.Capacity)
		b.lim.SetLimitAt(now, rate.Limit(p.RefillRate))
	}
	b.lastSeen.Store(now.UnixNano())

	d := Decision{Policy: p.Name, Limit: p.Capacity}
	switch {
	case cost > p.Capacity:
		// Never admissible. RetryAfter stays zero and nothing is debited.
	case b.lim.AllowN(now, cost):
		d.Allowed = true
	default:
		missing := float64(cost) - b.lim.TokensAt(now)
		d.RetryAfter = time.Duration(math.Ceil(missing/p.RefillRate)) * time.Second
		if d.RetryAfter < time.Second {
			d.RetryAfter = time.Second
		}
	}

	tokens := b.lim.TokensAt(now)
	d.Remaining = int(math.Floor(math.Max(tokens, 0)))
	d.ResetAt = now.Add(secondsToDuration((float64(p.Capacity) - tokens) / p.RefillRate))
	return d
}

// Sweep evicts buckets that have been idle longer than the idle period and
// are full. It returns the number of evicted buckets.
func (l *Limiter) Sweep() int {
	now := l.now()
	cutoff := now.Add(-l.idle).UnixNano()
	evicted := 0

	for _, s := range l.shards {
		s.mu.Lock()
		for id, b := range s.buckets {
			if b.lastSeen.Load() > cutoff {
				continue
			}
			if b.lim.TokensAt(now) < float64(b.lim.Burst()) {
				continue
			}
			delete(s.buckets, id)
			evicted++
		}
		s.mu.Unlock()
	}

	return evicted
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.RLock()
		n += len(s.buckets)
		s.mu.RUnlock()
	}
	return n
}

// Run sweeps every interval until ctx is done. onSweep, if set, receives the
// number of evicted buckets.
func (l *Limiter) Run(ctx context.Context, interval time.Duration, onSweep func(evicted int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := l.Sweep()
			if onSweep != nil {
				onSweep(n)
			}
		}
	}
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
