package security

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/conneroisu/livegate/internal/config"
)

var localhostOrigin = regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d{1,5})?$`)

// OriginValidator decides whether a declared Origin header is acceptable.
//
// AddOrigin and RemoveOrigin are not synchronized. SecurityManager never
// mutates a validator that is visible to readers; it builds a new one from a
// new configuration snapshot instead.
type OriginValidator struct {
	allowed         map[string]struct{}
	wildcard        bool
	allowMissing    bool
	permissiveLocal bool
}

// NewOriginValidator builds a validator from a security snapshot.
func NewOriginValidator(cfg *config.SecurityConfig) *OriginValidator {
	v := &OriginValidator{
		allowed:         make(map[string]struct{}, len(cfg.CORS.AllowedOrigins)),
		allowMissing:    cfg.AllowMissingOrigin,
		permissiveLocal: cfg.PermissiveOriginsInDev && cfg.IsDevelopment(),
	}
	for _, origin := range cfg.CORS.AllowedOrigins {
		v.AddOrigin(origin)
	}
	return v
}

// IsValidOrigin reports whether origin is allowed. An empty origin is a
// non-browser client and follows the missing-origin policy.
func (v *OriginValidator) IsValidOrigin(origin string) bool {
	if origin == "" {
		return v.allowMissing
	}
	if v.wildcard {
		return true
	}

	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	if _, ok := v.allowed[normalized]; ok {
		return true
	}

	return v.permissiveLocal && localhostOrigin.MatchString(normalized)
}

// AddOrigin adds origin to the allow-set. "*" allows every origin.
func (v *OriginValidator) AddOrigin(origin string) {
	if origin == "*" {
		v.wildcard = true
		return
	}
	if normalized, ok := normalizeOrigin(origin); ok {
		v.allowed[normalized] = struct{}{}
	}
}

// RemoveOrigin removes origin from the allow-set.
func (v *OriginValidator) RemoveOrigin(origin string) {
	if origin == "*" {
		v.wildcard = false
		return
	}
	if normalized, ok := normalizeOrigin(origin); ok {
		delete(v.allowed, normalized)
	}
}

// normalizeOrigin reduces origin to lower-case scheme://host[:port].
func normalizeOrigin(origin string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	if u.User != nil {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}
