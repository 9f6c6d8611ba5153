package gateway

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the address of the peer that opened the request. With
// trustedProxies > 0 the X-Forwarded-For entry appended by the outermost
// trusted proxy is used; spoofed entries to its left are ignored.
func ClientIP(r *http.Request, trustedProxies int) string {
	if trustedProxies > 0 {
		if ip := fromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxies); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}
	return hostOnly(r.RemoteAddr)
}

func fromForwardedFor(xff string, trustedProxies int) string {
	if xff == "" {
		return ""
	}
	ips := strings.Split(xff, ",")
	idx := len(ips) - trustedProxies
	if idx < 0 {
		idx = 0
	}
	ip := strings.TrimSpace(ips[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}

func hostOnly(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// bearerToken reads the token from the Authorization header or, for
// browsers that cannot set headers on a WebSocket handshake, the token
// query parameter.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		const prefix = "Bearer "
		if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
			return strings.TrimSpace(auth[len(prefix):])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
