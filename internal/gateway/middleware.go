package gateway

import (
	"context"
	"net/http"

	"github.com/conneroisu/livegate/internal/logging"
	"github.com/conneroisu/livegate/internal/security"
)

type connectionKey struct{}

// ConnectionFromContext returns the admission record stored by
// AdmissionMiddleware.
func ConnectionFromContext(ctx context.Context) (*security.Connection, bool) {
	conn, ok := ctx.Value(connectionKey{}).(*security.Connection)
	return conn, ok
}

// Admitter is the admission gate used by the middleware.
type Admitter interface {
	Admit(ctx context.Context, info security.ConnectionInfo) (*security.Connection, security.Decision)
	Release(ctx context.Context, conn *security.Connection)
}

// AdmissionMiddleware runs the admission gate before next sees the request.
// Refused requests get a status and a generic reason; the audit reference
// goes into a response header for support lookups.
func AdmissionMiddleware(gate Admitter, trustedProxies int, logger logging.Logger) func(http.Handler) http.Handler {
	logger = logging.OrNop(logger).WithComponent("gateway")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := security.ConnectionInfo{
				RemoteAddress: ClientIP(r, trustedProxies),
				Origin:        r.Header.Get("Origin"),
				UserAgent:     r.UserAgent(),
				Token:         bearerToken(r),
			}

			conn, d := gate.Admit(r.Context(), info)
			if !d.Allowed {
				logger.Debug(r.Context(), "Handshake refused",
					"address", info.RemoteAddress, "origin", logging.SanitizeForLog(info.Origin), "error", d.Err())
				if d.AuditID != "" {
					w.Header().Set("X-Audit-Ref", d.AuditID)
				}
				http.Error(w, refusalText(d), d.HTTPStatus())
				return
			}

			ctx := context.WithValue(r.Context(), connectionKey{}, conn)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// refusalText names only the refusal category.
func refusalText(d security.Decision) string {
	switch d.Reason {
	case security.RejectedByRateLimit:
		return "rate limit exceeded"
	default:
		return "connection refused"
	}
}
