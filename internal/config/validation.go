package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	gateerrors "github.com/conneroisu/livegate/internal/errors"
)

// ValidationError represents a configuration validation error with suggestions
type ValidationError struct {
	Field       string
	Value       interface{}
	Message     string
	Suggestions []string
}

func (ve *ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", ve.Field, ve.Message)
}

// ValidationResult holds the result of configuration validation
type ValidationResult struct {
	Valid    bool
	Errors   []ValidationError
	Warnings []ValidationError
}

// HasErrors returns true if there are any validation errors
func (vr *ValidationResult) HasErrors() bool {
	return len(vr.Errors) > 0
}

// HasWarnings returns true if there are any validation warnings
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

// String returns a formatted string of all validation issues
func (vr *ValidationResult) String() string {
	var builder strings.Builder

	if len(vr.Errors) > 0 {
		builder.WriteString("Validation errors:\n")
		writeIssues(&builder, vr.Errors)
		builder.WriteString("\n")
	}

	if len(vr.Warnings) > 0 {
		builder.WriteString("Validation warnings:\n")
		writeIssues(&builder, vr.Warnings)
	}

	return builder.String()
}

func writeIssues(b *strings.Builder, issues []ValidationError) {
	for _, issue := range issues {
		fmt.Fprintf(b, "  - %s: %s\n", issue.Field, issue.Message)
		for _, suggestion := range issue.Suggestions {
			fmt.Fprintf(b, "      hint: %s\n", suggestion)
		}
	}
}

func (vr *ValidationResult) addError(field string, value interface{}, message string, suggestions ...string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message, Suggestions: suggestions})
}

func (vr *ValidationResult) addWarning(field string, value interface{}, message string, suggestions ...string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message, Suggestions: suggestions})
}

// Validate returns a config error describing the first problem in cfg, or nil.
func Validate(cfg *Config) error {
	result := ValidateWithDetails(cfg)
	if !result.HasErrors() {
		return nil
	}
	first := result.Errors[0]
	return gateerrors.ConfigurationError(first.Field, first.Message, first.Value).
		WithContext("error_count", len(result.Errors))
}

// ValidateWithDetails performs comprehensive validation with detailed feedback
func ValidateWithDetails(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateServer(&cfg.Server, result)
	validateSecurity(&cfg.Security, "security", result)
	validateThrottle(&cfg.Throttle, result)
	validateAuth(&cfg.Auth, result)
	validateAdmin(&cfg.Admin, result)

	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		result.addError("redis.addr", cfg.Redis.Addr, "redis is enabled but no address is set")
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		result.addError("logging.format", cfg.Logging.Format, "format must be text or json")
	}

	result.Valid = !result.HasErrors()
	return result
}

// ValidateSecurity validates a standalone security snapshot, as supplied to
// the admin config-replace endpoint.
func ValidateSecurity(s *SecurityConfig) error {
	result := &ValidationResult{}
	validateSecurity(s, "security", result)
	if !result.HasErrors() {
		return nil
	}
	first := result.Errors[0]
	return gateerrors.ConfigurationError(first.Field, first.Message, first.Value)
}

func validateServer(s *ServerConfig, result *ValidationResult) {
	if s.Port < 0 || s.Port > 65535 {
		result.addError("server.port", s.Port, fmt.Sprintf("port %d is not in valid range 0-65535", s.Port),
			"Port 0 allows the system to assign an available port")
	}
	if !strings.HasPrefix(s.Path, "/") {
		result.addError("server.path", s.Path, "path must start with /")
	}
	if s.TrustedProxies < 0 {
		result.addError("server.trusted_proxies", s.TrustedProxies, "must not be negative")
	}
	if s.MaxSubscriptions < 0 {
		result.addError("server.max_subscriptions", s.MaxSubscriptions, "must not be negative")
	}
}

func validateSecurity(s *SecurityConfig, prefix string, result *ValidationResult) {
	for _, origin := range s.CORS.AllowedOrigins {
		if origin == "*" {
			if !s.IsDevelopment() {
				result.addWarning(prefix+".cors.allowed_origins", origin,
					"wildcard origin accepts every site in production",
					"List the exact storefront origins instead")
			}
			continue
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			result.addError(prefix+".cors.allowed_origins", origin, "origin must be scheme://host[:port]",
				"Example: https://shop.example.com")
		}
	}

	for name, q := range map[string]Quota{
		"connection": s.RateLimits.Connection,
		"message":    s.RateLimits.Message,
		"event":      s.RateLimits.Event,
	} {
		if q.MaxPoints <= 0 {
			result.addError(prefix+".rate_limits."+name+".max_points", q.MaxPoints, "must be positive")
		}
		if q.Window < time.Millisecond {
			result.addError(prefix+".rate_limits."+name+".window", q.Window, "must be at least 1ms")
		}
	}

	if s.MaxPayloadBytes <= 0 {
		result.addError(prefix+".max_payload_bytes", s.MaxPayloadBytes, "must be positive")
	}
	if s.MaxMessageLength <= 0 {
		result.addError(prefix+".max_message_length", s.MaxMessageLength, "must be positive")
	}
	if s.MaxAnonymousConnections < 0 {
		result.addError(prefix+".max_anonymous_connections", s.MaxAnonymousConnections, "must not be negative")
	}
	if s.SuspiciousActivityThreshold <= 0 {
		result.addError(prefix+".suspicious_activity_threshold", s.SuspiciousActivityThreshold, "must be positive")
	}

	switch s.Sanitizer {
	case "regex", "html":
	default:
		result.addError(prefix+".sanitizer", s.Sanitizer, "sanitizer must be regex or html")
	}

	if s.IdentityTimeout <= 0 {
		result.addError(prefix+".identity_timeout", s.IdentityTimeout, "must be positive")
	}
	if s.CleanupInterval <= 0 {
		result.addError(prefix+".cleanup_interval", s.CleanupInterval, "must be positive")
	}
	if s.ReputationTTL <= 0 {
		result.addError(prefix+".reputation_ttl", s.ReputationTTL, "must be positive")
	}

	if s.PermissiveOriginsInDev && s.IsDevelopment() {
		result.addWarning(prefix+".permissive_origins_in_dev", true, "localhost origins are accepted in development")
	}
}

func validateThrottle(t *ThrottleConfig, result *ValidationResult) {
	for name, d := range map[string]time.Duration{
		"max_delay_critical": t.MaxDelayCritical,
		"max_delay_high":     t.MaxDelayHigh,
		"max_delay_medium":   t.MaxDelayMedium,
		"max_delay_low":      t.MaxDelayLow,
	} {
		if d < 0 {
			result.addError("throttle."+name, d, "must not be negative")
		}
	}
	for event, rule := range t.Rules {
		switch strings.ToLower(rule.Priority) {
		case "critical", "high", "medium", "low":
		default:
			result.addError("throttle.rules."+event+".priority", rule.Priority,
				"priority must be critical, high, medium, or low")
		}
		if rule.MinInterval < 0 {
			result.addError("throttle.rules."+event+".min_interval", rule.MinInterval, "must not be negative")
		}
	}
}

func validateAuth(a *AuthConfig, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	switch strings.ToUpper(a.Algorithm) {
	case "HS256":
		if len(a.Secret) < 32 {
			result.addError("auth.secret", "[REDACTED]", "HS256 secret must be at least 32 bytes")
		}
	case "RS256":
		if a.PublicKeyFile == "" {
			result.addError("auth.public_key_file", a.PublicKeyFile, "RS256 requires a public key file")
		}
	default:
		result.addError("auth.algorithm", a.Algorithm, "algorithm must be HS256 or RS256")
	}
}

func validateAdmin(a *AdminConfig, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	if a.Port < 0 || a.Port > 65535 {
		result.addError("admin.port", a.Port, fmt.Sprintf("port %d is not in valid range 0-65535", a.Port))
	}
	if a.Token == "" {
		result.addWarning("admin.token", "", "admin API is enabled without a token and serves loopback clients only",
			"Set LIVEGATE_ADMIN_TOKEN")
	}
}
