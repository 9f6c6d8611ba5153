package throttle

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	d := newTestDistributor(t, nil)
	rec := &recorder{}
	_, err := d.Subscribe("stream:S", rec)
	require.NoError(t, err)

	publish(t, d, "stream:S", "stream:ended", nil)
	publish(t, d, "stream:none", "stream:ended", nil)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(d)))

	expected := `
# HELP livegate_throttle_published_total Events published to the distributor.
# TYPE livegate_throttle_published_total counter
livegate_throttle_published_total 2
# HELP livegate_throttle_active_keys Keys with at least one subscriber.
# TYPE livegate_throttle_active_keys gauge
livegate_throttle_active_keys 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"livegate_throttle_published_total", "livegate_throttle_active_keys"))
}
