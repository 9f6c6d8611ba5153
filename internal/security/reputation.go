package security

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/conneroisu/livegate/internal/logging"
)

// ReputationEntry is the per-address history used for block decisions.
type ReputationEntry struct {
	Address         string    `json:"address"`
	ConnectionCount int       `json:"connection_count"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	LastUserAgent   string    `json:"last_user_agent,omitempty"`
	SuspiciousScore int       `json:"suspicious_score"`
	Blocked         bool      `json:"blocked"`
	BlockReason     string    `json:"block_reason,omitempty"`
	BlockedAt       time.Time `json:"blocked_at,omitempty"`
}

// ReputationMetrics is the part of SecurityMetrics the reputation table can
// compute on its own.
type ReputationMetrics struct {
	TrackedAddresses     int
	BlockedAddresses     int
	TotalConnections     int64
	SuspiciousActivities int64
}

const autoBlockReason = "suspicious activity threshold reached"

// ReputationManager tracks remote addresses, escalates repeated abuse to a
// block, and evicts idle addresses. Each address is updated under its own
// map bucket lock.
type ReputationManager struct {
	entries *xsync.Map[string, ReputationEntry]
	limiter *RateLimiter
	audit   *AuditLog
	clock   Clock
	logger  logging.Logger

	threshold atomic.Int64
	ttl       atomic.Int64

	totalConnections     *xsync.Counter
	suspiciousActivities *xsync.Counter

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewReputationManager creates a manager. threshold is the score at which an
// address is blocked; ttl is the idle time after which it is evicted.
func NewReputationManager(limiter *RateLimiter, audit *AuditLog, clock Clock, logger logging.Logger, threshold int, ttl time.Duration) *ReputationManager {
	if clock == nil {
		clock = SystemClock{}
	}
	rm := &ReputationManager{
		entries:              xsync.NewMap[string, ReputationEntry](),
		limiter:              limiter,
		audit:                audit,
		clock:                clock,
		logger:               logging.OrNop(logger).WithComponent("reputation"),
		totalConnections:     xsync.NewCounter(),
		suspiciousActivities: xsync.NewCounter(),
		stop:                 make(chan struct{}),
		done:                 make(chan struct{}),
	}
	rm.SetPolicy(threshold, ttl)
	return rm
}

// SetPolicy updates the block threshold and idle TTL.
func (rm *ReputationManager) SetPolicy(threshold int, ttl time.Duration) {
	rm.threshold.Store(int64(threshold))
	rm.ttl.Store(int64(ttl))
}

// CheckConnectionLimit rejects blocked addresses outright and otherwise
// consumes the connection quota for address.
func (rm *ReputationManager) CheckConnectionLimit(ctx context.Context, address string) (Result, error) {
	if rm.IsBlocked(address) {
		return Result{Allowed: false, Scope: ScopeConnection}, nil
	}
	return rm.limiter.Consume(ctx, ScopeConnection, address)
}

// CheckMessageLimit consumes the message quota for identifier.
func (rm *ReputationManager) CheckMessageLimit(ctx context.Context, identifier string) (Result, error) {
	return rm.limiter.Consume(ctx, ScopeMessage, identifier)
}

// CheckEventLimit consumes the event quota for identifier.
func (rm *ReputationManager) CheckEventLimit(ctx context.Context, identifier string) (Result, error) {
	return rm.limiter.Consume(ctx, ScopeEvent, identifier)
}

// TrackConnection records an admitted connection from address.
func (rm *ReputationManager) TrackConnection(address, userAgent string) {
	now := rm.clock.Now()
	rm.entries.Compute(address, func(e ReputationEntry, loaded bool) (ReputationEntry, xsync.ComputeOp) {
		if !loaded {
			e = ReputationEntry{Address: address, FirstSeenAt: now}
		}
		e.ConnectionCount++
		e.LastSeenAt = now
		if userAgent != "" {
			e.LastUserAgent = userAgent
		}
		return e, xsync.UpdateOp
	})
	rm.totalConnections.Inc()
}

// ReportSuspiciousActivity raises the score of address by one and blocks it
// once the threshold is reached. It returns the new score and whether this
// call caused the block.
func (rm *ReputationManager) ReportSuspiciousActivity(ctx context.Context, address string) (int, bool) {
	now := rm.clock.Now()
	threshold := int(rm.threshold.Load())
	newlyBlocked := false

	e, _ := rm.entries.Compute(address, func(e ReputationEntry, loaded bool) (ReputationEntry, xsync.ComputeOp) {
		if !loaded {
			e = ReputationEntry{Address: address, FirstSeenAt: now}
		}
		e.SuspiciousScore++
		e.LastSeenAt = now
		if !e.Blocked && e.SuspiciousScore >= threshold {
			e.Blocked = true
			e.BlockReason = autoBlockReason
			e.BlockedAt = now
			newlyBlocked = true
		}
		return e, xsync.UpdateOp
	})
	rm.suspiciousActivities.Inc()

	rm.audit.Record(ctx, AuditEntry{
		Type:          AuditSuspiciousActivity,
		RemoteAddress: address,
		Message:       "suspicious activity reported",
		Severity:      SeverityMedium,
		Metadata:      map[string]interface{}{"score": e.SuspiciousScore, "threshold": threshold},
	})

	if newlyBlocked {
		rm.recordBlock(ctx, address, autoBlockReason, e.SuspiciousScore)
	}
	return e.SuspiciousScore, newlyBlocked
}

// BlockIP blocks address until it is unblocked or evicted.
func (rm *ReputationManager) BlockIP(ctx context.Context, address, reason string) {
	now := rm.clock.Now()
	e, _ := rm.entries.Compute(address, func(e ReputationEntry, loaded bool) (ReputationEntry, xsync.ComputeOp) {
		if !loaded {
			e = ReputationEntry{Address: address, FirstSeenAt: now, LastSeenAt: now}
		}
		e.Blocked = true
		e.BlockReason = reason
		e.BlockedAt = now
		return e, xsync.UpdateOp
	})
	rm.recordBlock(ctx, address, reason, e.SuspiciousScore)
}

func (rm *ReputationManager) recordBlock(ctx context.Context, address, reason string, score int) {
	rm.logger.Warn(ctx, nil, "IP address blocked", "address", address, "reason", reason, "score", score)
	rm.audit.Record(ctx, AuditEntry{
		Type:          AuditIPBlocked,
		RemoteAddress: address,
		Message:       "address blocked: " + reason,
		Severity:      SeverityCritical,
		Metadata:      map[string]interface{}{"reason": reason, "score": score},
	})
}

// UnblockIP clears the block on address. It reports whether a block was
// cleared. The suspicious score is kept.
func (rm *ReputationManager) UnblockIP(ctx context.Context, address string) bool {
	cleared := false
	rm.entries.Compute(address, func(e ReputationEntry, loaded bool) (ReputationEntry, xsync.ComputeOp) {
		if !loaded || !e.Blocked {
			return e, xsync.CancelOp
		}
		e.Blocked = false
		e.BlockReason = ""
		e.BlockedAt = time.Time{}
		cleared = true
		return e, xsync.UpdateOp
	})
	if !cleared {
		return false
	}

	rm.logger.Info(ctx, "IP address unblocked", "address", address)
	rm.audit.Record(ctx, AuditEntry{
		Type:          AuditConnectionAttempt,
		RemoteAddress: address,
		Message:       "address unblocked",
		Severity:      SeverityLow,
		Metadata:      map[string]interface{}{"action": "unblock"},
	})
	return true
}

// IsBlocked reports whether address is currently blocked.
func (rm *ReputationManager) IsBlocked(address string) bool {
	e, ok := rm.entries.Load(address)
	return ok && e.Blocked
}

// BlockedAttempt reports whether address is blocked. A blocked address that
// keeps connecting has LastSeenAt refreshed, so Cleanup does not evict it
// while the attempts continue.
func (rm *ReputationManager) BlockedAttempt(address string) bool {
	if !rm.IsBlocked(address) {
		return false
	}
	now := rm.clock.Now()
	blocked := false
	rm.entries.Compute(address, func(e ReputationEntry, loaded bool) (ReputationEntry, xsync.ComputeOp) {
		if !loaded || !e.Blocked {
			return e, xsync.CancelOp
		}
		e.LastSeenAt = now
		blocked = true
		return e, xsync.UpdateOp
	})
	return blocked
}

// Entry returns a copy of the entry for address.
func (rm *ReputationManager) Entry(address string) (ReputationEntry, bool) {
	return rm.entries.Load(address)
}

// List returns every tracked entry ordered by address.
func (rm *ReputationManager) List() []ReputationEntry {
	out := make([]ReputationEntry, 0, rm.entries.Size())
	rm.entries.Range(func(_ string, e ReputationEntry) bool {
		out = append(out, e)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Cleanup evicts entries idle for longer than the TTL, block state included,
// and sweeps expired rate limit windows. Safe to call during live traffic.
func (rm *ReputationManager) Cleanup() int {
	now := rm.clock.Now()
	ttl := time.Duration(rm.ttl.Load())

	var stale []string
	rm.entries.Range(func(address string, e ReputationEntry) bool {
		if now.Sub(e.LastSeenAt) > ttl {
			stale = append(stale, address)
		}
		return true
	})

	evicted := 0
	for _, address := range stale {
		rm.entries.Compute(address, func(e ReputationEntry, loaded bool) (ReputationEntry, xsync.ComputeOp) {
			if loaded && now.Sub(e.LastSeenAt) > ttl {
				evicted++
				return e, xsync.DeleteOp
			}
			return e, xsync.CancelOp
		})
	}

	swept := rm.limiter.Sweep()
	if evicted > 0 || swept > 0 {
		rm.logger.Debug(context.Background(), "Reputation cleanup", "evicted", evicted, "expired_windows", swept)
	}
	return evicted
}

// Metrics returns the counts visible to the reputation table.
func (rm *ReputationManager) Metrics() ReputationMetrics {
	m := ReputationMetrics{
		TotalConnections:     rm.totalConnections.Value(),
		SuspiciousActivities: rm.suspiciousActivities.Value(),
	}
	rm.entries.Range(func(_ string, e ReputationEntry) bool {
		m.TrackedAddresses++
		if e.Blocked {
			m.BlockedAddresses++
		}
		return true
	})
	return m
}

// Start runs Cleanup every interval until ctx is cancelled or Stop is
// called. It returns immediately and must be called at most once.
func (rm *ReputationManager) Start(ctx context.Context, interval time.Duration) {
	go func() {
		defer close(rm.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-rm.stop:
				return
			case <-ticker.C:
				rm.Cleanup()
			}
		}
	}()
}

// Stop ends the cleanup loop started by Start. It is idempotent.
func (rm *ReputationManager) Stop() {
	rm.stopOnce.Do(func() {
		close(rm.stop)
	})
}

// Done is closed when the cleanup loop exits.
func (rm *ReputationManager) Done() <-chan struct{} {
	return rm.done
}
