package security

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/conneroisu/livegate/internal/config"
	"github.com/conneroisu/livegate/internal/logging"
)

// AuditEventType classifies an audit entry.
type AuditEventType string

const (
	AuditConnectionAttempt  AuditEventType = "connection_attempt"
	AuditConnectionBlocked  AuditEventType = "connection_blocked"
	AuditAuthSuccess        AuditEventType = "auth_success"
	AuditAuthFailure        AuditEventType = "auth_failure"
	AuditRateLimitExceeded  AuditEventType = "rate_limit_exceeded"
	AuditPayloadTooLarge    AuditEventType = "payload_too_large"
	AuditInvalidOrigin      AuditEventType = "invalid_origin"
	AuditSuspiciousActivity AuditEventType = "suspicious_activity"
	AuditIPBlocked          AuditEventType = "ip_blocked"
	AuditUnauthorizedEvent  AuditEventType = "unauthorized_event"
	AuditValidationError    AuditEventType = "validation_error"
)

// Severity of an audit entry.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// ParseSeverity accepts the lowercase severity names.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if sev.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// AuditEntry is one security-relevant occurrence. Entries are never mutated
// after Record returns them.
type AuditEntry struct {
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	Type          AuditEventType         `json:"event_type"`
	RemoteAddress string                 `json:"remote_address"`
	ConnectionID  string                 `json:"connection_id,omitempty"`
	Identity      *Identity              `json:"identity,omitempty"`
	EventName     string                 `json:"event_name,omitempty"`
	Message       string                 `json:"message"`
	Severity      Severity               `json:"severity"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// AuditSink receives every recorded entry.
type AuditSink interface {
	Write(ctx context.Context, entry AuditEntry) error
}

// AuditFilter selects entries for Query. Zero fields match everything.
type AuditFilter struct {
	Types        []AuditEventType
	MinSeverity  Severity
	Address      string
	ConnectionID string
	Since        time.Time
	Limit        int
}

func (f AuditFilter) matches(e *AuditEntry) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinSeverity != "" && e.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	if f.Address != "" && f.Address != e.RemoteAddress {
		return false
	}
	if f.ConnectionID != "" && f.ConnectionID != e.ConnectionID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// AuditLog is the append-only security trail. Entries are kept for the
// lifetime of the process and copied to every sink.
type AuditLog struct {
	mu      sync.RWMutex
	entries []AuditEntry
	counts  map[AuditEventType]int

	sinks  []AuditSink
	clock  Clock
	logger logging.Logger
}

// NewAuditLog creates an audit log writing to sinks.
func NewAuditLog(clock Clock, logger logging.Logger, sinks ...AuditSink) *AuditLog {
	if clock == nil {
		clock = SystemClock{}
	}
	return &AuditLog{
		counts: make(map[AuditEventType]int),
		sinks:  sinks,
		clock:  clock,
		logger: logging.OrNop(logger).WithComponent("audit"),
	}
}

// Record stamps entry with an id and timestamp, appends it and forwards it
// to the sinks. Sink failures are logged and do not undo the append.
func (a *AuditLog) Record(ctx context.Context, entry AuditEntry) AuditEntry {
	entry.ID = uuid.NewString()
	entry.Timestamp = a.clock.Now()
	if entry.Severity == "" {
		entry.Severity = SeverityLow
	}

	a.mu.Lock()
	a.entries = append(a.entries, entry)
	a.counts[entry.Type]++
	a.mu.Unlock()

	for _, sink := range a.sinks {
		if err := sink.Write(ctx, entry); err != nil {
			a.logger.Warn(ctx, err, "Audit sink write failed", "entry_id", entry.ID)
		}
	}
	return entry
}

// Query returns matching entries, newest first.
func (a *AuditLog) Query(filter AuditFilter) []AuditEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []AuditEntry
	for i := len(a.entries) - 1; i >= 0; i-- {
		e := &a.entries[i]
		if !filter.matches(e) {
			continue
		}
		out = append(out, *e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Count returns the total number of entries.
func (a *AuditLog) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

// CountByType returns per-type entry counts.
func (a *AuditLog) CountByType() map[AuditEventType]int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[AuditEventType]int, len(a.counts))
	for k, v := range a.counts {
		out[k] = v
	}
	return out
}

// LoggerSink writes entries through the structured logger with severity
// mapped onto log levels.
type LoggerSink struct {
	Logger logging.Logger
}

func (s LoggerSink) Write(ctx context.Context, e AuditEntry) error {
	details := map[string]interface{}{
		"audit_id":       e.ID,
		"remote_address": e.RemoteAddress,
		"message":        e.Message,
	}
	if e.ConnectionID != "" {
		details["connection_id"] = e.ConnectionID
	}
	if e.EventName != "" {
		details["event_name"] = e.EventName
	}
	if e.Identity != nil {
		details["user_id"] = e.Identity.UserID
	}
	for k, v := range e.Metadata {
		details["meta_"+k] = v
	}
	logging.LogSecurityEvent(ctx, s.Logger, string(e.Type), string(e.Severity), details)
	return nil
}

// FileSink appends entries as JSON lines to a rotating file.
type FileSink struct {
	mu  sync.Mutex
	out *lumberjack.Logger
}

// NewFileSink opens a rotating JSON-lines audit file.
func NewFileSink(cfg config.AuditConfig) *FileSink {
	return &FileSink{out: &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}}
}

func (s *FileSink) Write(_ context.Context, e AuditEntry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding audit entry: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(line); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Close()
}

// ReadAuditEntries decodes a JSON-lines audit stream and applies filter,
// returning matches newest first. Malformed lines are skipped and counted.
func ReadAuditEntries(r io.Reader, filter AuditFilter) ([]AuditEntry, int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var (
		out     []AuditEntry
		skipped int
	)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			skipped++
			continue
		}
		if filter.matches(&e) {
			out = append(out, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, fmt.Errorf("reading audit stream: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, skipped, nil
}
