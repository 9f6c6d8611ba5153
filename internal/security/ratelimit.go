package security

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/conneroisu/livegate/internal/config"
)

// Scope selects one of the independently configured quotas.
type Scope string

const (
	ScopeConnection Scope = "connection"
	ScopeMessage    Scope = "message"
	ScopeEvent      Scope = "event"
)

// Store counts consumptions in fixed windows. Increment adds one to key,
// opening a new window of the given length when none is active, and returns
// the count in the active window together with its start.
type Store interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int, windowStart time.Time, err error)
	Forget(ctx context.Context, key string) error
}

// Sweeper is implemented by stores that hold expired windows in memory.
type Sweeper interface {
	Sweep() int
}

type memWindow struct {
	count  int
	start  time.Time
	length time.Duration
}

// MemoryStore keeps windows in a sharded map; each key is updated under its
// own bucket lock.
type MemoryStore struct {
	windows *xsync.Map[string, memWindow]
	clock   Clock
}

// NewMemoryStore creates an in-process store.
func NewMemoryStore(clock Clock) *MemoryStore {
	if clock == nil {
		clock = SystemClock{}
	}
	return &MemoryStore{
		windows: xsync.NewMap[string, memWindow](),
		clock:   clock,
	}
}

func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (int, time.Time, error) {
	now := s.clock.Now()
	w, _ := s.windows.Compute(key, func(old memWindow, loaded bool) (memWindow, xsync.ComputeOp) {
		if !loaded || now.Sub(old.start) >= old.length {
			return memWindow{count: 1, start: now, length: window}, xsync.UpdateOp
		}
		old.count++
		return old, xsync.UpdateOp
	})
	return w.count, w.start, nil
}

func (s *MemoryStore) Forget(_ context.Context, key string) error {
	s.windows.Delete(key)
	return nil
}

// Sweep drops expired windows and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	now := s.clock.Now()
	var expired []string
	s.windows.Range(func(key string, w memWindow) bool {
		if now.Sub(w.start) >= w.length {
			expired = append(expired, key)
		}
		return true
	})

	removed := 0
	for _, key := range expired {
		s.windows.Compute(key, func(old memWindow, loaded bool) (memWindow, xsync.ComputeOp) {
			if loaded && now.Sub(old.start) >= old.length {
				removed++
				return old, xsync.DeleteOp
			}
			return old, xsync.CancelOp
		})
	}
	return removed
}

// Len returns the number of tracked windows.
func (s *MemoryStore) Len() int {
	return s.windows.Size()
}

// Result describes one consumption.
type Result struct {
	Allowed   bool
	Scope     Scope
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter applies the per-scope quotas on top of a Store. Rejected
// attempts are still counted.
type RateLimiter struct {
	store  Store
	limits atomic.Pointer[config.RateLimitsConfig]
}

// NewRateLimiter creates a limiter over store with the given quotas.
func NewRateLimiter(store Store, limits config.RateLimitsConfig) *RateLimiter {
	rl := &RateLimiter{store: store}
	rl.SetLimits(limits)
	return rl
}

// SetLimits replaces the quotas. Windows already open keep their length.
func (rl *RateLimiter) SetLimits(limits config.RateLimitsConfig) {
	rl.limits.Store(&limits)
}

func (rl *RateLimiter) quota(scope Scope) (config.Quota, error) {
	limits := rl.limits.Load()
	switch scope {
	case ScopeConnection:
		return limits.Connection, nil
	case ScopeMessage:
		return limits.Message, nil
	case ScopeEvent:
		return limits.Event, nil
	default:
		return config.Quota{}, fmt.Errorf("unknown rate limit scope %q", scope)
	}
}

// Consume counts one attempt for (scope, key). An error means the store or
// the scope is broken; callers must treat it as a rejection.
func (rl *RateLimiter) Consume(ctx context.Context, scope Scope, key string) (Result, error) {
	q, err := rl.quota(scope)
	if err != nil {
		return Result{Scope: scope}, err
	}

	count, start, err := rl.store.Increment(ctx, bucketKey(scope, key), q.Window)
	if err != nil {
		return Result{Scope: scope, Limit: q.MaxPoints}, fmt.Errorf("rate limit store: %w", err)
	}

	remaining := q.MaxPoints - count
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   count <= q.MaxPoints,
		Scope:     scope,
		Count:     count,
		Limit:     q.MaxPoints,
		Remaining: remaining,
		ResetAt:   start.Add(q.Window),
	}, nil
}

// Release forgets the window for (scope, key).
func (rl *RateLimiter) Release(ctx context.Context, scope Scope, key string) error {
	return rl.store.Forget(ctx, bucketKey(scope, key))
}

// Sweep drops expired windows when the store keeps them in memory.
func (rl *RateLimiter) Sweep() int {
	if s, ok := rl.store.(Sweeper); ok {
		return s.Sweep()
	}
	return 0
}

func bucketKey(scope Scope, key string) string {
	return string(scope) + ":" + key
}
