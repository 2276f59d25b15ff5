package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// GaugeSnapshot is the subset of forward.Stats the Prometheus exposition
// turns into gauges. Defined here rather than importing forward.Stats
// directly so metrics stays usable without pulling in the Facade's full
// Dial/Delegate surface; the composition root adapts forward.Stats into
// this shape with a one-line conversion.
type GaugeSnapshot struct {
	ActiveConnections       int
	SessionPoolSize         int
	BrokenAltServiceEntries int
}

// StatsProvider supplies a live GaugeSnapshot on every scrape.
type StatsProvider func() GaugeSnapshot

// PrometheusCollector implements prometheus.Collector, pulling live values
// from a Collector's atomic counters and a StatsProvider's gauges on every
// scrape. Grounded on mercator-hq-jupiter's pkg/telemetry/metrics.Collector
// (one Collector type wrapping several prometheus instruments behind
// Record*/Update* methods), adapted here to the pull model: rather than
// pre-registering per-metric instruments and calling Set on each event, a
// single Collect implementation reads this engine's own atomic counters and
// the Facade/Registry/Pool's live state on every scrape, since SPEC_FULL.md's
// counters are already maintained elsewhere (Collector, altsvc.Registry,
// session.Pool) and don't need a second copy inside prometheus instruments.
type PrometheusCollector struct {
	collector *Collector
	stats     StatsProvider

	connectionsActive  *prometheus.Desc
	connectionsTotal   *prometheus.Desc
	bytesTotal         *prometheus.Desc
	altsvcBrokenTotal  *prometheus.Desc
	sessionPoolSize    *prometheus.Desc
	dialDurationBucket *prometheus.Desc
	dialFailuresTotal  *prometheus.Desc
}

// NewPrometheusCollector wires a Collector and StatsProvider into the
// forward_connections_active, forward_bytes_total{direction},
// altsvc_broken_entries, session_pool_size, and dial_duration_seconds
// metrics named in SPEC_FULL.md's DOMAIN STACK.
func NewPrometheusCollector(c *Collector, stats StatsProvider) *PrometheusCollector {
	return &PrometheusCollector{
		collector: c,
		stats:     stats,
		connectionsActive: prometheus.NewDesc(
			"forward_connections_active", "Forward Connections currently open.", nil, nil),
		connectionsTotal: prometheus.NewDesc(
			"forward_connections_total", "Forward Connections opened since start.", nil, nil),
		bytesTotal: prometheus.NewDesc(
			"forward_bytes_total", "Bytes copied by the Byte-Pump.", []string{"direction"}, nil),
		altsvcBrokenTotal: prometheus.NewDesc(
			"altsvc_broken_entries", "Alt-Service Entries currently marked broken.", nil, nil),
		sessionPoolSize: prometheus.NewDesc(
			"session_pool_size", "Upstream Sessions currently held by the Session Pool.", nil, nil),
		dialDurationBucket: prometheus.NewDesc(
			"dial_duration_seconds_bucket", "Upstream-Dialer attempt duration histogram.", []string{"le"}, nil),
		dialFailuresTotal: prometheus.NewDesc(
			"dial_failures_total", "Upstream-Dialer attempts that failed.", nil, nil),
	}
}

func (p *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.connectionsActive
	ch <- p.connectionsTotal
	ch <- p.bytesTotal
	ch <- p.altsvcBrokenTotal
	ch <- p.sessionPoolSize
	ch <- p.dialDurationBucket
	ch <- p.dialFailuresTotal
}

func (p *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	snap := p.collector.Snapshot()

	ch <- prometheus.MustNewConstMetric(p.connectionsTotal, prometheus.CounterValue, float64(snap.ConnectionsOpened))
	ch <- prometheus.MustNewConstMetric(p.bytesTotal, prometheus.CounterValue, float64(snap.BytesClientServer), "client_to_server")
	ch <- prometheus.MustNewConstMetric(p.bytesTotal, prometheus.CounterValue, float64(snap.BytesServerClient), "server_to_client")
	ch <- prometheus.MustNewConstMetric(p.dialFailuresTotal, prometheus.CounterValue, float64(snap.DialFailures))

	var cumulative int64
	for i, count := range snap.DialBuckets {
		cumulative += count
		le := "+Inf"
		if i < len(snap.DialBuckets)-1 {
			le = bucketUpperBoundMs(i, snap.DialBucketWidthMs)
		}
		ch <- prometheus.MustNewConstMetric(p.dialDurationBucket, prometheus.CounterValue, float64(cumulative), le)
	}

	if p.stats != nil {
		gauges := p.stats()
		ch <- prometheus.MustNewConstMetric(p.connectionsActive, prometheus.GaugeValue, float64(gauges.ActiveConnections))
		ch <- prometheus.MustNewConstMetric(p.altsvcBrokenTotal, prometheus.GaugeValue, float64(gauges.BrokenAltServiceEntries))
		ch <- prometheus.MustNewConstMetric(p.sessionPoolSize, prometheus.GaugeValue, float64(gauges.SessionPoolSize))
	}
}

func bucketUpperBoundMs(idx, widthMs int) string {
	ms := (idx + 1) * widthMs
	return strconv.FormatFloat(float64(ms)/1000, 'f', -1, 64)
}
