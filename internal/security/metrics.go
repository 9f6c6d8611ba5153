package security

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "livegate"

// Collector exposes SecurityMetrics and audit counts to Prometheus. Values
// are read from the manager on every scrape.
type Collector struct {
	manager *SecurityManager

	totalConnections    *prometheus.Desc
	activeConnections   *prometheus.Desc
	blockedAttempts     *prometheus.Desc
	suspicious          *prometheus.Desc
	rateLimitViolations *prometheus.Desc
	payloadViolations   *prometheus.Desc
	internalFaults      *prometheus.Desc
	trackedAddresses    *prometheus.Desc
	blockedAddresses    *prometheus.Desc
	auditEntries        *prometheus.Desc
}

// NewCollector creates a collector for m.
func NewCollector(m *SecurityManager) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "security", name), help, labels, nil)
	}
	return &Collector{
		manager:             m,
		totalConnections:    desc("connections_total", "Connections admitted since start."),
		activeConnections:   desc("connections_active", "Currently admitted connections.", "kind"),
		blockedAttempts:     desc("blocked_attempts_total", "Connection attempts rejected by the admission gate."),
		suspicious:          desc("suspicious_activities_total", "Suspicious activity reports."),
		rateLimitViolations: desc("rate_limit_violations_total", "Rate limit rejections across all scopes."),
		payloadViolations:   desc("payload_violations_total", "Events rejected for payload size or length."),
		internalFaults:      desc("internal_faults_total", "Gate faults converted into rejections."),
		trackedAddresses:    desc("tracked_addresses", "Addresses in the reputation table."),
		blockedAddresses:    desc("blocked_addresses", "Addresses currently blocked."),
		auditEntries:        desc("audit_entries_total", "Audit entries recorded, by event type.", "event_type"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalConnections
	ch <- c.activeConnections
	ch <- c.blockedAttempts
	ch <- c.suspicious
	ch <- c.rateLimitViolations
	ch <- c.payloadViolations
	ch <- c.internalFaults
	ch <- c.trackedAddresses
	ch <- c.blockedAddresses
	ch <- c.auditEntries
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.manager.Metrics()

	ch <- prometheus.MustNewConstMetric(c.totalConnections, prometheus.CounterValue, float64(m.TotalConnections))
	ch <- prometheus.MustNewConstMetric(c.activeConnections, prometheus.GaugeValue, float64(m.AnonymousConnections), "anonymous")
	ch <- prometheus.MustNewConstMetric(c.activeConnections, prometheus.GaugeValue, float64(m.AuthenticatedConnections), "authenticated")
	ch <- prometheus.MustNewConstMetric(c.blockedAttempts, prometheus.CounterValue, float64(m.BlockedAttempts))
	ch <- prometheus.MustNewConstMetric(c.suspicious, prometheus.CounterValue, float64(m.SuspiciousActivities))
	ch <- prometheus.MustNewConstMetric(c.rateLimitViolations, prometheus.CounterValue, float64(m.RateLimitViolations))
	ch <- prometheus.MustNewConstMetric(c.payloadViolations, prometheus.CounterValue, float64(m.PayloadViolations))
	ch <- prometheus.MustNewConstMetric(c.internalFaults, prometheus.CounterValue, float64(m.InternalFaults))
	ch <- prometheus.MustNewConstMetric(c.trackedAddresses, prometheus.GaugeValue, float64(m.TrackedAddresses))
	ch <- prometheus.MustNewConstMetric(c.blockedAddresses, prometheus.GaugeValue, float64(m.BlockedAddresses))

	for typ, n := range c.manager.Audit().CountByType() {
		ch <- prometheus.MustNewConstMetric(c.auditEntries, prometheus.CounterValue, float64(n), string(typ))
	}
}
