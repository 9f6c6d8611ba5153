package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		xff     string
		realIP  string
		proxies int
		want    string
	}{
		{name: "direct", remote: "198.51.100.7:5123", want: "198.51.100.7"},
		{name: "headers ignored without proxies", remote: "198.51.100.7:5123", xff: "203.0.113.1", want: "198.51.100.7"},
		{name: "one proxy", remote: "10.0.0.2:80", xff: "203.0.113.1", proxies: 1, want: "203.0.113.1"},
		{name: "spoofed left entry", remote: "10.0.0.2:80", xff: "6.6.6.6, 203.0.113.1", proxies: 1, want: "203.0.113.1"},
		{name: "two proxies", remote: "10.0.0.2:80", xff: "6.6.6.6, 203.0.113.1, 10.0.0.9", proxies: 2, want: "203.0.113.1"},
		{name: "more proxies than entries", remote: "10.0.0.2:80", xff: "203.0.113.1", proxies: 3, want: "203.0.113.1"},
		{name: "garbage falls back to real ip", remote: "10.0.0.2:80", xff: "nope", realIP: "203.0.113.5", proxies: 1, want: "203.0.113.5"},
		{name: "garbage falls back to remote", remote: "10.0.0.2:80", xff: "nope", proxies: 1, want: "10.0.0.2"},
		{name: "ipv6", remote: "[2001:db8::1]:443", want: "2001:db8::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			assert.Equal(t, tt.want, ClientIP(r, tt.proxies))
		})
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
	assert.Equal(t, "from-query", bearerToken(r))

	r.Header.Set("Authorization", "bearer abc.def")
	assert.Equal(t, "abc.def", bearerToken(r))

	r.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	assert.Empty(t, bearerToken(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.Empty(t, bearerToken(r))
}
