package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReputation(clock *FakeClock) (*ReputationManager, *AuditLog) {
	audit := NewAuditLog(clock, nil)
	limiter := NewRateLimiter(NewMemoryStore(clock), testLimits())
	return NewReputationManager(limiter, audit, clock, nil, 10, 24*time.Hour), audit
}

func TestReputationAutoBlockAtThreshold(t *testing.T) {
	ctx := context.Background()
	rm, audit := newTestReputation(NewFakeClock(epoch))

	for i := 1; i < 10; i++ {
		score, blocked := rm.ReportSuspiciousActivity(ctx, "198.51.100.1")
		assert.Equal(t, i, score)
		assert.False(t, blocked)
		assert.False(t, rm.IsBlocked("198.51.100.1"))
	}

	score, blocked := rm.ReportSuspiciousActivity(ctx, "198.51.100.1")
	assert.Equal(t, 10, score)
	assert.True(t, blocked)
	assert.True(t, rm.IsBlocked("198.51.100.1"))

	// Further reports keep the block and do not re-block.
	score, blocked = rm.ReportSuspiciousActivity(ctx, "198.51.100.1")
	assert.Equal(t, 11, score)
	assert.False(t, blocked)

	blocks := audit.Query(AuditFilter{Types: []AuditEventType{AuditIPBlocked}})
	require.Len(t, blocks, 1)
	assert.Equal(t, SeverityCritical, blocks[0].Severity)

	res, err := rm.CheckConnectionLimit(ctx, "198.51.100.1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestReputationTrackConnection(t *testing.T) {
	clock := NewFakeClock(epoch)
	rm, _ := newTestReputation(clock)

	rm.TrackConnection("198.51.100.2", "curl/8")
	clock.Advance(time.Minute)
	rm.TrackConnection("198.51.100.2", "")

	e, ok := rm.Entry("198.51.100.2")
	require.True(t, ok)
	assert.Equal(t, 2, e.ConnectionCount)
	assert.Equal(t, epoch, e.FirstSeenAt)
	assert.Equal(t, epoch.Add(time.Minute), e.LastSeenAt)
	assert.Equal(t, "curl/8", e.LastUserAgent)

	m := rm.Metrics()
	assert.Equal(t, 1, m.TrackedAddresses)
	assert.Equal(t, int64(2), m.TotalConnections)
}

func TestReputationBlockUnblock(t *testing.T) {
	ctx := context.Background()
	rm, audit := newTestReputation(NewFakeClock(epoch))

	assert.False(t, rm.UnblockIP(ctx, "198.51.100.3"), "nothing to unblock")

	rm.BlockIP(ctx, "198.51.100.3", "manual")
	e, _ := rm.Entry("198.51.100.3")
	assert.True(t, e.Blocked)
	assert.Equal(t, "manual", e.BlockReason)
	assert.Equal(t, 1, rm.Metrics().BlockedAddresses)

	assert.True(t, rm.UnblockIP(ctx, "198.51.100.3"))
	assert.False(t, rm.IsBlocked("198.51.100.3"))

	unblocks := audit.Query(AuditFilter{Types: []AuditEventType{AuditConnectionAttempt}})
	require.Len(t, unblocks, 1)
	assert.Equal(t, "unblock", unblocks[0].Metadata["action"])
}

func TestReputationCleanupEvictsIdleEntries(t *testing.T) {
	ctx := context.Background()
	clock := NewFakeClock(epoch)
	rm, _ := newTestReputation(clock)

	rm.BlockIP(ctx, "198.51.100.4", "manual")
	rm.TrackConnection("198.51.100.5", "")

	clock.Advance(23 * time.Hour)
	rm.TrackConnection("198.51.100.5", "")
	assert.Equal(t, 0, rm.Cleanup())

	clock.Advance(time.Hour + time.Second)
	assert.Equal(t, 1, rm.Cleanup())
	assert.False(t, rm.IsBlocked("198.51.100.4"), "eviction releases the block")
	_, ok := rm.Entry("198.51.100.4")
	assert.False(t, ok)
	_, ok = rm.Entry("198.51.100.5")
	assert.True(t, ok)
}

func TestReputationBlockedAttemptsKeepBlock(t *testing.T) {
	ctx := context.Background()
	clock := NewFakeClock(epoch)
	rm, _ := newTestReputation(clock)

	assert.False(t, rm.BlockedAttempt("198.51.100.6"))
	_, ok := rm.Entry("198.51.100.6")
	assert.False(t, ok, "unknown addresses are not tracked by a check")

	rm.BlockIP(ctx, "198.51.100.6", "manual")
	for i := 0; i < 3; i++ {
		clock.Advance(20 * time.Hour)
		assert.True(t, rm.BlockedAttempt("198.51.100.6"))
		assert.Equal(t, 0, rm.Cleanup())
	}
	e, _ := rm.Entry("198.51.100.6")
	assert.Equal(t, clock.Now(), e.LastSeenAt)

	clock.Advance(24*time.Hour + time.Second)
	assert.Equal(t, 1, rm.Cleanup())
	assert.False(t, rm.IsBlocked("198.51.100.6"))
}

func TestReputationListIsSorted(t *testing.T) {
	rm, _ := newTestReputation(NewFakeClock(epoch))
	rm.TrackConnection("10.0.0.2", "")
	rm.TrackConnection("10.0.0.1", "")

	list := rm.List()
	require.Len(t, list, 2)
	assert.Equal(t, "10.0.0.1", list[0].Address)
}

func TestReputationStartStop(t *testing.T) {
	clock := NewFakeClock(epoch)
	rm, _ := newTestReputation(clock)
	rm.TrackConnection("10.0.0.9", "")
	clock.Advance(25 * time.Hour)

	rm.Start(context.Background(), 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, ok := rm.Entry("10.0.0.9")
		return !ok
	}, time.Second, 5*time.Millisecond)

	rm.Stop()
	rm.Stop()
	select {
	case <-rm.Done():
	case <-time.After(time.Second):
		t.Fatal("cleanup loop did not stop")
	}
}
