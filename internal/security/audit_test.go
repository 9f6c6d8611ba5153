package security

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/livegate/internal/config"
	"github.com/conneroisu/livegate/internal/logging"
)

type recordingSink struct {
	entries []AuditEntry
	err     error
}

func (s *recordingSink) Write(_ context.Context, e AuditEntry) error {
	s.entries = append(s.entries, e)
	return s.err
}

func TestAuditLogRecord(t *testing.T) {
	clock := NewFakeClock(epoch)
	sink := &recordingSink{err: assert.AnError}
	log := NewAuditLog(clock, nil, sink)

	e := log.Record(context.Background(), AuditEntry{Type: AuditInvalidOrigin, RemoteAddress: "10.0.0.1"})

	_, err := uuid.Parse(e.ID)
	assert.NoError(t, err)
	assert.Equal(t, epoch, e.Timestamp)
	assert.Equal(t, SeverityLow, e.Severity, "severity defaults to low")
	assert.Equal(t, 1, log.Count(), "sink failure does not undo the append")
	require.Len(t, sink.entries, 1)
	assert.Equal(t, e.ID, sink.entries[0].ID)
}

func TestAuditLogQuery(t *testing.T) {
	ctx := context.Background()
	clock := NewFakeClock(epoch)
	log := NewAuditLog(clock, nil)

	log.Record(ctx, AuditEntry{Type: AuditConnectionAttempt, RemoteAddress: "a", Severity: SeverityLow})
	clock.Advance(time.Second)
	log.Record(ctx, AuditEntry{Type: AuditRateLimitExceeded, RemoteAddress: "a", ConnectionID: "c1", Severity: SeverityMedium})
	clock.Advance(time.Second)
	log.Record(ctx, AuditEntry{Type: AuditIPBlocked, RemoteAddress: "b", Severity: SeverityCritical})

	all := log.Query(AuditFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, AuditIPBlocked, all[0].Type, "newest first")

	assert.Len(t, log.Query(AuditFilter{Address: "a"}), 2)
	assert.Len(t, log.Query(AuditFilter{ConnectionID: "c1"}), 1)
	assert.Len(t, log.Query(AuditFilter{MinSeverity: SeverityMedium}), 2)
	assert.Len(t, log.Query(AuditFilter{Since: epoch.Add(time.Second)}), 2)
	assert.Len(t, log.Query(AuditFilter{Limit: 1}), 1)
	assert.Len(t, log.Query(AuditFilter{Types: []AuditEventType{AuditIPBlocked, AuditConnectionAttempt}}), 2)

	counts := log.CountByType()
	assert.Equal(t, 1, counts[AuditRateLimitExceeded])
	counts[AuditRateLimitExceeded] = 99
	assert.Equal(t, 1, log.CountByType()[AuditRateLimitExceeded], "returned map is a copy")
}

func TestSeverityRank(t *testing.T) {
	assert.Less(t, SeverityLow.Rank(), SeverityMedium.Rank())
	assert.Less(t, SeverityHigh.Rank(), SeverityCritical.Rank())
	assert.Equal(t, 0, Severity("bogus").Rank())

	sev, err := ParseSeverity("high")
	require.NoError(t, err)
	assert.Equal(t, SeverityHigh, sev)
	_, err = ParseSeverity("HIGH")
	assert.Error(t, err)
}

func TestFileSinkAndReadAuditEntries(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink := NewFileSink(config.AuditConfig{File: path, MaxSizeMB: 1})

	clock := NewFakeClock(epoch)
	log := NewAuditLog(clock, nil, sink)
	log.Record(ctx, AuditEntry{Type: AuditConnectionAttempt, RemoteAddress: "a"})
	clock.Advance(time.Second)
	log.Record(ctx, AuditEntry{Type: AuditUnauthorizedEvent, RemoteAddress: "a", Severity: SeverityHigh, EventName: "stream:start"})
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))

	data = append(data, []byte("not json\n")...)
	entries, skipped, err := ReadAuditEntries(bytes.NewReader(data), AuditFilter{MinSeverity: SeverityHigh})
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	require.Len(t, entries, 1)
	assert.Equal(t, "stream:start", entries[0].EventName)
	assert.True(t, entries[0].Timestamp.Equal(epoch.Add(time.Second)))
}

func TestLoggerSinkRoutesThroughSecurityEvent(t *testing.T) {
	logger := &countingLogger{}
	sink := LoggerSink{Logger: logger}
	require.NoError(t, sink.Write(context.Background(), AuditEntry{Type: AuditIPBlocked, Severity: SeverityCritical}))
	require.NoError(t, sink.Write(context.Background(), AuditEntry{Type: AuditConnectionAttempt, Severity: SeverityLow}))
	assert.Equal(t, 1, logger.errors)
	assert.Equal(t, 1, logger.infos)
}

type countingLogger struct {
	mu                   sync.Mutex
	debugs, infos, warns int
	errors               int
}

func (l *countingLogger) Debug(context.Context, string, ...interface{}) {
	l.mu.Lock()
	l.debugs++
	l.mu.Unlock()
}

func (l *countingLogger) Info(context.Context, string, ...interface{}) {
	l.mu.Lock()
	l.infos++
	l.mu.Unlock()
}

func (l *countingLogger) Warn(context.Context, error, string, ...interface{}) {
	l.mu.Lock()
	l.warns++
	l.mu.Unlock()
}

func (l *countingLogger) Error(context.Context, error, string, ...interface{}) {
	l.mu.Lock()
	l.errors++
	l.mu.Unlock()
}

func (l *countingLogger) Fatal(ctx context.Context, err error, msg string, fields ...interface{}) {
	l.Error(ctx, err, msg, fields...)
}

func (l *countingLogger) With(...interface{}) logging.Logger { return l }

func (l *countingLogger) WithComponent(string) logging.Logger { return l }
