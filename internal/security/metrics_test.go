package security

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	m := newTestManager(t, nil, ManagerOptions{})
	ctx := context.Background()

	admitAnonymous(t, m, "203.0.113.30")
	_, d := m.Admit(ctx, ConnectionInfo{RemoteAddress: "203.0.113.31", Origin: "https://evil.example"})
	require.False(t, d.Allowed)

	c := NewCollector(m)
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	expected := `
# HELP livegate_security_connections_active Currently admitted connections.
# TYPE livegate_security_connections_active gauge
livegate_security_connections_active{kind="anonymous"} 1
livegate_security_connections_active{kind="authenticated"} 0
# HELP livegate_security_connections_total Connections admitted since start.
# TYPE livegate_security_connections_total counter
livegate_security_connections_total 1
# HELP livegate_security_blocked_attempts_total Connection attempts rejected by the admission gate.
# TYPE livegate_security_blocked_attempts_total counter
livegate_security_blocked_attempts_total 1
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"livegate_security_connections_active",
		"livegate_security_connections_total",
		"livegate_security_blocked_attempts_total",
	)
	assert.NoError(t, err)

	// connection_attempt, invalid_origin and suspicious_activity.
	assert.Equal(t, 3, testutil.CollectAndCount(c, "livegate_security_audit_entries_total"))
}
