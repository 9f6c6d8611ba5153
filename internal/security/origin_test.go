package security

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/conneroisu/livegate/internal/config"
)

func TestOriginValidator(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*config.SecurityConfig)
		origin   string
		expected bool
	}{
		{
			name:     "exact match",
			mutate:   func(c *config.SecurityConfig) { c.CORS.AllowedOrigins = []string{"https://shop.example"} },
			origin:   "https://shop.example",
			expected: true,
		},
		{
			name:     "match ignores case and trailing slash",
			mutate:   func(c *config.SecurityConfig) { c.CORS.AllowedOrigins = []string{"https://shop.example"} },
			origin:   "HTTPS://Shop.Example/",
			expected: true,
		},
		{
			name:     "different port",
			mutate:   func(c *config.SecurityConfig) { c.CORS.AllowedOrigins = []string{"https://shop.example"} },
			origin:   "https://shop.example:8443",
			expected: false,
		},
		{
			name:     "subdomain is not the origin",
			mutate:   func(c *config.SecurityConfig) { c.CORS.AllowedOrigins = []string{"https://shop.example"} },
			origin:   "https://evil.shop.example",
			expected: false,
		},
		{
			name:     "wildcard",
			mutate:   func(c *config.SecurityConfig) { c.CORS.AllowedOrigins = []string{"*"} },
			origin:   "https://anything.example",
			expected: true,
		},
		{
			name:     "null origin",
			mutate:   func(c *config.SecurityConfig) {},
			origin:   "null",
			expected: false,
		},
		{
			name:     "userinfo is rejected",
			mutate:   func(c *config.SecurityConfig) { c.CORS.AllowedOrigins = []string{"https://shop.example"} },
			origin:   "https://user@shop.example",
			expected: false,
		},
		{
			name:     "missing origin allowed by policy",
			mutate:   func(c *config.SecurityConfig) { c.AllowMissingOrigin = true },
			origin:   "",
			expected: true,
		},
		{
			name:     "missing origin refused by policy",
			mutate:   func(c *config.SecurityConfig) { c.AllowMissingOrigin = false },
			origin:   "",
			expected: false,
		},
		{
			name: "localhost in development",
			mutate: func(c *config.SecurityConfig) {
				c.Environment = "development"
				c.PermissiveOriginsInDev = true
			},
			origin:   "http://localhost:5173",
			expected: true,
		},
		{
			name: "localhost in development with flag off",
			mutate: func(c *config.SecurityConfig) {
				c.Environment = "development"
				c.PermissiveOriginsInDev = false
			},
			origin:   "http://localhost:5173",
			expected: false,
		},
		{
			name: "localhost in production",
			mutate: func(c *config.SecurityConfig) {
				c.Environment = "production"
				c.PermissiveOriginsInDev = true
			},
			origin:   "http://127.0.0.1:5173",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultSecurityConfig()
			tt.mutate(cfg)
			v := NewOriginValidator(cfg)
			assert.Equal(t, tt.expected, v.IsValidOrigin(tt.origin))
		})
	}
}

func TestOriginValidatorAddRemove(t *testing.T) {
	cfg := config.DefaultSecurityConfig()
	cfg.CORS.AllowedOrigins = nil
	v := NewOriginValidator(cfg)

	assert.False(t, v.IsValidOrigin("https://live.example"))
	v.AddOrigin("https://live.example")
	assert.True(t, v.IsValidOrigin("https://live.example"))
	v.RemoveOrigin("https://live.example")
	assert.False(t, v.IsValidOrigin("https://live.example"))

	v.AddOrigin("*")
	assert.True(t, v.IsValidOrigin("https://other.example"))
	v.RemoveOrigin("*")
	assert.False(t, v.IsValidOrigin("https://other.example"))
}
