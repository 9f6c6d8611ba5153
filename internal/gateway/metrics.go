package gateway

import "github.com/prometheus/client_golang/prometheus"

// Collector exposes transport Stats to Prometheus.
type Collector struct {
	g *Gateway

	sessions     *prometheus.Desc
	frames       *prometheus.Desc
	rejected     *prometheus.Desc
	malformed    *prometheus.Desc
	droppedSends *prometheus.Desc
}

// NewCollector creates a collector for g.
func NewCollector(g *Gateway) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("livegate", "gateway", name), help, labels, nil)
	}
	return &Collector{
		g:            g,
		sessions:     desc("sessions", "Open WebSocket sessions."),
		frames:       desc("frames_total", "Frames handled, by direction.", "direction"),
		rejected:     desc("rejected_events_total", "Inbound events refused by the event gate."),
		malformed:    desc("malformed_frames_total", "Inbound frames that were not a valid envelope."),
		droppedSends: desc("dropped_sends_total", "Outbound events dropped on a full send buffer."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessions
	ch <- c.frames
	ch <- c.rejected
	ch <- c.malformed
	ch <- c.droppedSends
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.g.Stats()
	ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(s.Sessions))
	ch <- prometheus.MustNewConstMetric(c.frames, prometheus.CounterValue, float64(s.FramesIn), "in")
	ch <- prometheus.MustNewConstMetric(c.frames, prometheus.CounterValue, float64(s.FramesOut), "out")
	ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue, float64(s.Rejected))
	ch <- prometheus.MustNewConstMetric(c.malformed, prometheus.CounterValue, float64(s.Malformed))
	ch <- prometheus.MustNewConstMetric(c.droppedSends, prometheus.CounterValue, float64(s.DroppedSends))
}
