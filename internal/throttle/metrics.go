package throttle

import "github.com/prometheus/client_golang/prometheus"

// Collector exposes distributor Stats to Prometheus.
type Collector struct {
	d *Distributor

	published  *prometheus.Desc
	delivered  *prometheus.Desc
	coalesced  *prometheus.Desc
	immediate  *prometheus.Desc
	dropped    *prometheus.Desc
	activeKeys *prometheus.Desc
}

// NewCollector creates a collector for d.
func NewCollector(d *Distributor) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("livegate", "throttle", name), help, nil, nil)
	}
	return &Collector{
		d:          d,
		published:  desc("published_total", "Events published to the distributor."),
		delivered:  desc("delivered_total", "Event deliveries to subscribers."),
		coalesced:  desc("coalesced_total", "Queued events replaced by a later event of the same type."),
		immediate:  desc("immediate_total", "Events emitted without queueing."),
		dropped:    desc("dropped_total", "Events discarded without delivery."),
		activeKeys: desc("active_keys", "Keys with at least one subscriber."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.published
	ch <- c.delivered
	ch <- c.coalesced
	ch <- c.immediate
	ch <- c.dropped
	ch <- c.activeKeys
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.d.Stats()
	ch <- prometheus.MustNewConstMetric(c.published, prometheus.CounterValue, float64(s.Published))
	ch <- prometheus.MustNewConstMetric(c.delivered, prometheus.CounterValue, float64(s.Delivered))
	ch <- prometheus.MustNewConstMetric(c.coalesced, prometheus.CounterValue, float64(s.Coalesced))
	ch <- prometheus.MustNewConstMetric(c.immediate, prometheus.CounterValue, float64(s.Immediate))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(s.Dropped))
	ch <- prometheus.MustNewConstMetric(c.activeKeys, prometheus.GaugeValue, float64(s.ActiveKeys))
}
