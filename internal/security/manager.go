// Package security implements connection admission and per-event validation
// for the live event channel: origin checks, rate limits, address
// reputation, payload validation, and the audit trail.
//
// SecurityManager composes these into two gates. Both gates return a
// Decision; a rejection is a normal value, always accompanied by an audit
// entry. Internal faults are recovered at the gate boundary and turned into
// rejections.
package security

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/conneroisu/livegate/internal/config"
	gateerrors "github.com/conneroisu/livegate/internal/errors"
	"github.com/conneroisu/livegate/internal/logging"
)

// ConnectionInfo is what the transport knows at handshake time.
type ConnectionInfo struct {
	RemoteAddress string
	Origin        string
	UserAgent     string
	Token         string
}

// Connection is the admission record for one transport connection. It is
// created by Admit and must be passed to Release when the transport closes.
type Connection struct {
	ID            string
	RemoteAddress string
	Origin        string
	UserAgent     string
	EstablishedAt time.Time
	Identity      *Identity

	lastActivity    atomic.Int64
	suspiciousScore atomic.Int64
	released        atomic.Bool
}

// Anonymous reports whether no identity was resolved.
func (c *Connection) Anonymous() bool {
	return c.Identity == nil
}

// LastActivityAt returns the time of the last validated event.
func (c *Connection) LastActivityAt() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// SuspiciousScore counts rejections on this connection.
func (c *Connection) SuspiciousScore() int64 {
	return c.suspiciousScore.Load()
}

// SecurityMetrics is a point-in-time view of the admission counters.
type SecurityMetrics struct {
	TotalConnections         int64     `json:"total_connections"`
	ActiveConnections        int64     `json:"active_connections"`
	AnonymousConnections     int64     `json:"anonymous_connections"`
	AuthenticatedConnections int64     `json:"authenticated_connections"`
	BlockedAttempts          int64     `json:"blocked_attempts"`
	SuspiciousActivities     int64     `json:"suspicious_activities"`
	RateLimitViolations      int64     `json:"rate_limit_violations"`
	PayloadViolations        int64     `json:"payload_violations"`
	InternalFaults           int64     `json:"internal_faults"`
	TrackedAddresses         int       `json:"tracked_addresses"`
	BlockedAddresses         int       `json:"blocked_addresses"`
	AuditEntries             int       `json:"audit_entries"`
	LastUpdated              time.Time `json:"last_updated"`
}

// ManagerOptions carries the collaborators of a SecurityManager. Zero values
// select in-process defaults.
type ManagerOptions struct {
	Clock      Clock
	Store      Store
	Resolver   IdentityResolver
	Sanitizer  Sanitizer
	Logger     logging.Logger
	AuditSinks []AuditSink
}

// gates is the validator set built from one configuration snapshot.
type gates struct {
	cfg     *config.SecurityConfig
	origins *OriginValidator
	payload *PayloadValidator
}

// SecurityManager owns the admission gates and their shared state.
type SecurityManager struct {
	store      *config.Store
	gates      atomic.Pointer[gates]
	writeMu    sync.Mutex
	sanitizer  Sanitizer
	limiter    *RateLimiter
	reputation *ReputationManager
	audit      *AuditLog
	resolver   IdentityResolver
	clock      Clock
	logger     logging.Logger

	connections *xsync.Map[string, *Connection]

	totalConnections    *xsync.Counter
	authenticated       *xsync.Counter
	blockedAttempts     *xsync.Counter
	rateLimitViolations *xsync.Counter
	payloadViolations   *xsync.Counter
	internalFaults      *xsync.Counter
	anonymous           atomic.Int64
}

// NewSecurityManager builds a manager around cfg. cfg becomes the first
// published snapshot and must not be modified afterwards.
func NewSecurityManager(cfg *config.SecurityConfig, opts ManagerOptions) (*SecurityManager, error) {
	if cfg == nil {
		return nil, errors.New("security config is required")
	}
	if err := config.ValidateSecurity(cfg); err != nil {
		return nil, err
	}

	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryStore(clock)
	}
	logger := logging.OrNop(opts.Logger)

	audit := NewAuditLog(clock, logger, opts.AuditSinks...)
	limiter := NewRateLimiter(store, cfg.RateLimits)

	m := &SecurityManager{
		store:               config.NewStore(cfg),
		sanitizer:           opts.Sanitizer,
		limiter:             limiter,
		audit:               audit,
		resolver:            opts.Resolver,
		clock:               clock,
		logger:              logger.WithComponent("security"),
		reputation:          NewReputationManager(limiter, audit, clock, logger, cfg.SuspiciousActivityThreshold, cfg.ReputationTTL),
		connections:         xsync.NewMap[string, *Connection](),
		totalConnections:    xsync.NewCounter(),
		authenticated:       xsync.NewCounter(),
		blockedAttempts:     xsync.NewCounter(),
		rateLimitViolations: xsync.NewCounter(),
		payloadViolations:   xsync.NewCounter(),
		internalFaults:      xsync.NewCounter(),
	}

	g, err := m.buildGates(cfg)
	if err != nil {
		return nil, err
	}
	m.gates.Store(g)
	return m, nil
}

func (m *SecurityManager) buildGates(cfg *config.SecurityConfig) (*gates, error) {
	payload, err := NewPayloadValidator(cfg, m.sanitizer)
	if err != nil {
		return nil, fmt.Errorf("building payload validator: %w", err)
	}
	return &gates{
		cfg:     cfg,
		origins: NewOriginValidator(cfg),
		payload: payload,
	}, nil
}

// Admit runs the connection admission gate. On acceptance it returns the new
// connection record; on rejection the record is nil.
func (m *SecurityManager) Admit(ctx context.Context, info ConnectionInfo) (conn *Connection, d Decision) {
	defer func() {
		if r := recover(); r != nil {
			conn = nil
			d = m.fault(ctx, info.RemoteAddress, "", "", gatePanic("admission", r))
		}
	}()

	g := m.gates.Load()
	addr := info.RemoteAddress
	meta := map[string]interface{}{"origin": info.Origin, "user_agent": info.UserAgent}

	if m.reputation.BlockedAttempt(addr) {
		return nil, m.rejectConnection(ctx, addr, reject(RejectedByReputation, DetailBlocked),
			AuditConnectionBlocked, SeverityHigh, "connection from blocked address", meta, false)
	}

	if !g.origins.IsValidOrigin(info.Origin) {
		return nil, m.rejectConnection(ctx, addr, reject(RejectedByOrigin, ""),
			AuditInvalidOrigin, SeverityMedium, "origin not allowed", meta, true)
	}

	res, err := m.reputation.CheckConnectionLimit(ctx, addr)
	if err != nil {
		return nil, m.fault(ctx, addr, "", "", err)
	}
	if !res.Allowed {
		m.rateLimitViolations.Inc()
		meta["scope"] = string(ScopeConnection)
		meta["count"] = res.Count
		return nil, m.rejectConnection(ctx, addr, reject(RejectedByRateLimit, string(ScopeConnection)),
			AuditRateLimitExceeded, SeverityMedium, "connection rate limit exceeded", meta, true)
	}

	var identity *Identity
	if info.Token != "" {
		id, d, ok := m.resolveIdentity(ctx, addr, info.Token, meta)
		if !ok {
			return nil, d
		}
		identity = &id
	}

	if identity == nil {
		if !g.cfg.AllowAnonymous {
			return nil, m.rejectConnection(ctx, addr, reject(RejectedByAuth, DetailAnonymousDisallowed),
				AuditConnectionBlocked, SeverityMedium, "anonymous connections are disabled", meta, false)
		}
		if !m.reserveAnonymous(int64(g.cfg.MaxAnonymousConnections)) {
			return nil, m.rejectConnection(ctx, addr, reject(RejectedByAuth, DetailAnonymousLimit),
				AuditConnectionBlocked, SeverityMedium, "anonymous connection limit reached", meta, false)
		}
	} else {
		m.authenticated.Inc()
	}

	now := m.clock.Now()
	conn = &Connection{
		ID:            uuid.NewString(),
		RemoteAddress: addr,
		Origin:        info.Origin,
		UserAgent:     info.UserAgent,
		EstablishedAt: now,
		Identity:      identity,
	}
	conn.lastActivity.Store(now.UnixNano())

	m.connections.Store(conn.ID, conn)
	m.reputation.TrackConnection(addr, info.UserAgent)
	m.totalConnections.Inc()

	m.audit.Record(ctx, AuditEntry{
		Type:          AuditConnectionAttempt,
		RemoteAddress: addr,
		ConnectionID:  conn.ID,
		Identity:      identity,
		Message:       "connection admitted",
		Severity:      SeverityLow,
		Metadata:      meta,
	})

	return conn, allow(nil)
}

// resolveIdentity calls the resolver under the configured timeout. Any
// failure is a rejection.
func (m *SecurityManager) resolveIdentity(ctx context.Context, addr, token string, meta map[string]interface{}) (Identity, Decision, bool) {
	if m.resolver == nil {
		d := m.rejectConnection(ctx, addr, reject(RejectedByAuth, DetailInvalidToken),
			AuditAuthFailure, SeverityMedium, "token supplied but no identity resolver configured", meta, false)
		return Identity{}, d, false
	}

	timeout := m.gates.Load().cfg.IdentityTimeout
	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		id  Identity
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("identity resolver panic: %v", r)}
			}
		}()
		id, err := m.resolver.ResolveIdentity(lookupCtx, token)
		ch <- outcome{id: id, err: err}
	}()

	var out outcome
	select {
	case out = <-ch:
	case <-lookupCtx.Done():
		out.err = fmt.Errorf("identity lookup: %w", lookupCtx.Err())
	}

	switch {
	case out.err == nil && out.id.UserID != "":
		m.audit.Record(ctx, AuditEntry{
			Type:          AuditAuthSuccess,
			RemoteAddress: addr,
			Identity:      &Identity{UserID: out.id.UserID, Role: out.id.Role},
			Message:       "identity resolved",
			Severity:      SeverityLow,
		})
		return out.id, Decision{}, true

	case out.err == nil || errors.Is(out.err, ErrInvalidToken):
		d := m.rejectConnection(ctx, addr, reject(RejectedByAuth, DetailInvalidToken),
			AuditAuthFailure, SeverityMedium, "token rejected", meta, true)
		return Identity{}, d, false

	default:
		return Identity{}, m.fault(ctx, addr, "", "", out.err), false
	}
}

// reserveAnonymous takes one anonymous slot if fewer than max are in use.
func (m *SecurityManager) reserveAnonymous(max int64) bool {
	for {
		cur := m.anonymous.Load()
		if cur >= max {
			return false
		}
		if m.anonymous.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (m *SecurityManager) rejectConnection(ctx context.Context, addr string, d Decision, typ AuditEventType, sev Severity, msg string, meta map[string]interface{}, suspicious bool) Decision {
	m.blockedAttempts.Inc()
	entry := m.audit.Record(ctx, AuditEntry{
		Type:          typ,
		RemoteAddress: addr,
		Message:       msg,
		Severity:      sev,
		Metadata:      withReason(meta, d),
	})
	d.AuditID = entry.ID

	m.logger.Info(ctx, "Connection rejected", "address", addr, "reason", string(d.Reason), "detail", d.Detail)

	if suspicious {
		m.reputation.ReportSuspiciousActivity(ctx, addr)
	}
	return d
}

// ValidateEvent runs the per-event gate for one inbound event on conn. On
// acceptance Decision.Payload holds the payload to forward.
func (m *SecurityManager) ValidateEvent(ctx context.Context, conn *Connection, eventName string, payload []byte) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			var addr, id string
			if conn != nil {
				addr, id = conn.RemoteAddress, conn.ID
			}
			d = m.fault(ctx, addr, id, eventName, gatePanic("event", r))
		}
	}()

	g := m.gates.Load()

	res, err := m.reputation.CheckEventLimit(ctx, conn.ID)
	if err != nil {
		return m.fault(ctx, conn.RemoteAddress, conn.ID, eventName, err)
	}
	if !res.Allowed {
		m.rateLimitViolations.Inc()
		return m.rejectEvent(ctx, conn, eventName, reject(RejectedByRateLimit, string(ScopeEvent)),
			AuditRateLimitExceeded, SeverityMedium, "event rate limit exceeded")
	}

	if g.payload.RequiresAuthentication(eventName) && conn.Anonymous() {
		return m.rejectEvent(ctx, conn, eventName, reject(RejectedByAuth, DetailMissingIdentity),
			AuditUnauthorizedEvent, SeverityHigh, "event requires authentication")
	}

	if !g.payload.ValidatePayloadSize(payload) {
		m.payloadViolations.Inc()
		return m.rejectEvent(ctx, conn, eventName, reject(RejectedByPayload, DetailTooLarge),
			AuditPayloadTooLarge, SeverityMedium, fmt.Sprintf("payload of %d bytes exceeds limit", len(payload)))
	}

	if !g.payload.ValidateEventType(eventName) {
		return m.rejectEvent(ctx, conn, eventName, reject(RejectedByPayload, DetailDisallowedType),
			AuditValidationError, SeverityMedium, "event type not allowed")
	}

	if field, text, ok := ExtractText(payload); ok {
		res, err := m.reputation.CheckMessageLimit(ctx, messageKey(conn))
		if err != nil {
			return m.fault(ctx, conn.RemoteAddress, conn.ID, eventName, err)
		}
		if !res.Allowed {
			m.rateLimitViolations.Inc()
			return m.rejectEvent(ctx, conn, eventName, reject(RejectedByRateLimit, string(ScopeMessage)),
				AuditRateLimitExceeded, SeverityMedium, "message rate limit exceeded")
		}

		if !g.payload.ValidateMessageLength(text) {
			if g.cfg.RejectOverlongText {
				m.payloadViolations.Inc()
				return m.rejectEvent(ctx, conn, eventName, reject(RejectedByPayload, DetailTooLong),
					AuditValidationError, SeverityMedium, "message text too long")
			}
			text = g.payload.TruncateMessage(text)
		}

		clean := g.payload.SanitizeMessage(text)
		rewritten, err := ReplaceText(payload, field, clean)
		if err != nil {
			return m.fault(ctx, conn.RemoteAddress, conn.ID, eventName, err)
		}
		payload = rewritten
	}

	conn.lastActivity.Store(m.clock.Now().UnixNano())
	return allow(payload)
}

func messageKey(conn *Connection) string {
	if conn.Identity != nil {
		return "user:" + conn.Identity.UserID
	}
	return "addr:" + conn.RemoteAddress
}

func (m *SecurityManager) rejectEvent(ctx context.Context, conn *Connection, eventName string, d Decision, typ AuditEventType, sev Severity, msg string) Decision {
	entry := m.audit.Record(ctx, AuditEntry{
		Type:          typ,
		RemoteAddress: conn.RemoteAddress,
		ConnectionID:  conn.ID,
		Identity:      conn.Identity,
		EventName:     eventName,
		Message:       msg,
		Severity:      sev,
		Metadata:      withReason(nil, d),
	})
	d.AuditID = entry.ID

	conn.suspiciousScore.Add(1)
	m.reputation.ReportSuspiciousActivity(ctx, conn.RemoteAddress)
	return d
}

func gatePanic(gate string, r interface{}) error {
	return gateerrors.NewInternalError(gateerrors.ErrCodeInternalError, fmt.Sprintf("panic in %s gate: %v", gate, r), nil)
}

// fault converts an internal error into a fail-closed rejection.
func (m *SecurityManager) fault(ctx context.Context, addr, connID, eventName string, err error) Decision {
	m.internalFaults.Inc()
	m.blockedAttempts.Inc()

	gerr := gateerrors.WrapInternal(err, gateerrors.ErrCodeInternalError, "security gate fault")
	m.logger.Error(ctx, gerr, "Security gate fault, rejecting", "address", addr, "connection_id", connID, "event", eventName)

	d := reject(RejectedByAuth, DetailInternalFault)
	entry := m.audit.Record(ctx, AuditEntry{
		Type:          AuditAuthFailure,
		RemoteAddress: addr,
		ConnectionID:  connID,
		EventName:     eventName,
		Message:       "internal fault: " + gateerrors.GetRootCause(gerr).Error(),
		Severity:      SeverityCritical,
		Metadata:      withReason(nil, d),
	})
	d.AuditID = entry.ID
	return d
}

func withReason(meta map[string]interface{}, d Decision) map[string]interface{} {
	out := make(map[string]interface{}, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	out["reason"] = string(d.Reason)
	if d.Detail != "" {
		out["detail"] = d.Detail
	}
	return out
}

// Release ends the admission record of conn. It is idempotent.
func (m *SecurityManager) Release(ctx context.Context, conn *Connection) {
	if conn == nil || !conn.released.CompareAndSwap(false, true) {
		return
	}

	m.connections.Delete(conn.ID)
	if conn.Anonymous() {
		m.anonymous.Add(-1)
	} else {
		m.authenticated.Dec()
	}

	if err := m.limiter.Release(ctx, ScopeEvent, conn.ID); err != nil {
		m.logger.Warn(ctx, err, "Failed to release event window", "connection_id", conn.ID)
	}
}

// Connection returns the live connection with id.
func (m *SecurityManager) Connection(id string) (*Connection, bool) {
	return m.connections.Load(id)
}

// Config returns the current snapshot. Callers must not modify it.
func (m *SecurityManager) Config() *config.SecurityConfig {
	return m.store.Load()
}

// UpdateConfig validates cfg and publishes it. Gates built from the
// previous snapshot finish their current check unchanged.
func (m *SecurityManager) UpdateConfig(ctx context.Context, cfg *config.SecurityConfig) error {
	if err := config.ValidateSecurity(cfg); err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	g, err := m.buildGates(cfg)
	if err != nil {
		return err
	}
	m.store.Swap(cfg)
	m.apply(ctx, g)
	return nil
}

// apply installs gates built from the snapshot just published.
func (m *SecurityManager) apply(ctx context.Context, g *gates) {
	cfg := g.cfg
	m.gates.Store(g)
	m.limiter.SetLimits(cfg.RateLimits)
	m.reputation.SetPolicy(cfg.SuspiciousActivityThreshold, cfg.ReputationTTL)

	m.logger.Info(ctx, "Security configuration updated", "version", m.store.Version())
}

// AddOrigin adds origin to the allow-set of a new snapshot.
func (m *SecurityManager) AddOrigin(ctx context.Context, origin string) error {
	if _, ok := normalizeOrigin(origin); !ok {
		return gateerrors.ErrInvalidOrigin(origin)
	}
	return m.editOrigins(ctx, func(origins []string) []string {
		for _, o := range origins {
			if o == origin {
				return origins
			}
		}
		return append(origins, origin)
	})
}

// RemoveOrigin removes origin from the allow-set of a new snapshot.
func (m *SecurityManager) RemoveOrigin(ctx context.Context, origin string) error {
	return m.editOrigins(ctx, func(origins []string) []string {
		out := origins[:0]
		for _, o := range origins {
			if o != origin {
				out = append(out, o)
			}
		}
		return out
	})
}

func (m *SecurityManager) editOrigins(ctx context.Context, edit func([]string) []string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	var g *gates
	_, err := m.store.Update(func(next *config.SecurityConfig) error {
		next.CORS.AllowedOrigins = edit(next.CORS.AllowedOrigins)
		var err error
		if err = config.ValidateSecurity(next); err != nil {
			return err
		}
		g, err = m.buildGates(next)
		return err
	})
	if err != nil {
		return err
	}
	m.apply(ctx, g)
	return nil
}

// BlockIP blocks address administratively.
func (m *SecurityManager) BlockIP(ctx context.Context, address, reason string) {
	if reason == "" {
		reason = "blocked by administrator"
	}
	m.reputation.BlockIP(ctx, address, reason)
}

// UnblockIP clears a block. It reports whether one existed.
func (m *SecurityManager) UnblockIP(ctx context.Context, address string) bool {
	return m.reputation.UnblockIP(ctx, address)
}

// Metrics combines admission counters with the reputation table.
func (m *SecurityManager) Metrics() SecurityMetrics {
	rep := m.reputation.Metrics()
	anon := m.anonymous.Load()
	auth := m.authenticated.Value()

	return SecurityMetrics{
		TotalConnections:         m.totalConnections.Value(),
		ActiveConnections:        anon + auth,
		AnonymousConnections:     anon,
		AuthenticatedConnections: auth,
		BlockedAttempts:          m.blockedAttempts.Value(),
		SuspiciousActivities:     rep.SuspiciousActivities,
		RateLimitViolations:      m.rateLimitViolations.Value(),
		PayloadViolations:        m.payloadViolations.Value(),
		InternalFaults:           m.internalFaults.Value(),
		TrackedAddresses:         rep.TrackedAddresses,
		BlockedAddresses:         rep.BlockedAddresses,
		AuditEntries:             m.audit.Count(),
		LastUpdated:              m.clock.Now(),
	}
}

// Audit returns the audit log.
func (m *SecurityManager) Audit() *AuditLog {
	return m.audit
}

// Reputation returns the reputation manager.
func (m *SecurityManager) Reputation() *ReputationManager {
	return m.reputation
}

// Start launches the periodic reputation cleanup.
func (m *SecurityManager) Start(ctx context.Context) {
	m.reputation.Start(ctx, m.store.Load().CleanupInterval)
}

// Stop ends background work.
func (m *SecurityManager) Stop() {
	m.reputation.Stop()
}
