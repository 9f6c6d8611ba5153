package gateway

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	h := newHarness(t, nil, nil)
	c := h.mustDial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte("{")))
	readError(t, c)

	col := NewCollector(h.gw)
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(col))

	expected := `
# HELP livegate_gateway_malformed_frames_total Inbound frames that were not a valid envelope.
# TYPE livegate_gateway_malformed_frames_total counter
livegate_gateway_malformed_frames_total 1
# HELP livegate_gateway_sessions Open WebSocket sessions.
# TYPE livegate_gateway_sessions gauge
livegate_gateway_sessions 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"livegate_gateway_malformed_frames_total", "livegate_gateway_sessions"))
	assert.Equal(t, 2, testutil.CollectAndCount(col, "livegate_gateway_frames_total"))
}
