package security

import (
	"net/http"

	gateerrors "github.com/conneroisu/livegate/internal/errors"
)

// RejectReason is the category of a rejection.
type RejectReason string

const (
	RejectedByOrigin     RejectReason = "origin"
	RejectedByRateLimit  RejectReason = "rate_limit"
	RejectedByReputation RejectReason = "reputation"
	RejectedByPayload    RejectReason = "payload"
	RejectedByAuth       RejectReason = "auth"
)

// Rejection details. Rate limit rejections use the Scope name instead.
const (
	DetailBlocked             = "blocked"
	DetailTooLarge            = "too_large"
	DetailTooLong             = "too_long"
	DetailDisallowedType      = "disallowed_type"
	DetailMissingIdentity     = "missing_identity"
	DetailInvalidToken        = "invalid_token"
	DetailAnonymousLimit      = "anonymous_limit"
	DetailAnonymousDisallowed = "anonymous_disallowed"
	DetailInternalFault       = "internal_fault"
)

// Decision is the outcome of a gate. Rejections are ordinary values; a gate
// never returns an error for them.
type Decision struct {
	Allowed bool
	Reason  RejectReason
	Detail  string

	// Payload is the payload to forward after an allowed event, possibly
	// sanitized or truncated.
	Payload []byte

	// AuditID references the audit entry written for a rejection.
	AuditID string
}

func allow(payload []byte) Decision {
	return Decision{Allowed: true, Payload: payload}
}

func reject(reason RejectReason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// IsFault reports whether the rejection was caused by an internal fault.
func (d Decision) IsFault() bool {
	return !d.Allowed && d.Detail == DetailInternalFault
}

// Category is the client-facing description of a rejection. It names only
// the violated category and never quota or scoring details.
func (d Decision) Category() string {
	if d.Allowed {
		return ""
	}
	switch d.Reason {
	case RejectedByRateLimit:
		return "rate limit exceeded"
	case RejectedByPayload:
		if d.Detail == DetailDisallowedType {
			return "event not allowed"
		}
		return "payload rejected"
	case RejectedByAuth:
		return "authentication required"
	default:
		return "connection refused"
	}
}

// HTTPStatus is the status used when a connection is refused before the
// protocol upgrade.
func (d Decision) HTTPStatus() int {
	switch {
	case d.Allowed:
		return http.StatusOK
	case d.Reason == RejectedByRateLimit:
		return http.StatusTooManyRequests
	case d.Reason == RejectedByAuth && d.Detail == DetailInvalidToken:
		return http.StatusUnauthorized
	default:
		return http.StatusForbidden
	}
}

// Err converts a rejection into a GateError for callers that propagate it
// as an error. It returns nil for allowed decisions.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}

	var err *gateerrors.GateError
	switch d.Reason {
	case RejectedByOrigin:
		err = gateerrors.NewSecurityError(gateerrors.ErrCodeInvalidOrigin, "origin not allowed")
	case RejectedByRateLimit:
		err = gateerrors.NewSecurityError(gateerrors.ErrCodeRateLimited, "rate limit exceeded")
	case RejectedByReputation:
		err = gateerrors.NewSecurityError(gateerrors.ErrCodeBlocked, "address blocked")
	case RejectedByPayload:
		err = gateerrors.NewValidationError(gateerrors.ErrCodePayloadRejected, "payload rejected")
	default:
		err = gateerrors.NewSecurityError(gateerrors.ErrCodeUnauthorized, "not authorized")
	}

	err = err.WithComponent("security").WithContext("detail", d.Detail)
	if d.AuditID != "" {
		err = err.WithContext("audit_id", d.AuditID)
	}
	return err
}
