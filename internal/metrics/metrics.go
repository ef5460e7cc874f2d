// Package metrics exposes the node's Prometheus statistics blocks (spec §3
// BpDB "statistics blocks", made observable the way the teacher's
// pkg/metrics/prometheus wraps its subsystems). Unlike the teacher, which
// indirects every metric through a RegisterXMetricsConstructor function
// variable to avoid an import cycle between pkg/metrics and pkg/metrics/
// prometheus, this package registers its collectors directly: there is only
// one metrics implementation in this repo, so the indirection the teacher
// needed to keep its interface package free of a prometheus import has no
// job left to do here (see DESIGN.md).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector this node registers. A nil *Metrics is
// valid everywhere it's accepted as a parameter: every Observe/Inc/Set
// method below nil-checks its receiver, so metrics stay fully optional
// (spec.md's Non-goals exclude telemetry as a required component).
type Metrics struct {
	bundlesAccepted   *prometheus.CounterVec
	bundlesForwarded  *prometheus.CounterVec
	bundlesDelivered  prometheus.Counter
	bundlesDestroyed  *prometheus.CounterVec
	bundlesCongestive prometheus.Counter

	outductBacklog *prometheus.GaugeVec
	outductQueue   *prometheus.GaugeVec

	throttleCapacity *prometheus.GaugeVec

	timelineEvents  *prometheus.CounterVec
	timelineLatency prometheus.Histogram

	custodySignalsSent prometheus.Counter
	statusReportsSent  *prometheus.CounterVec
	limboQueueDepth    prometheus.Gauge
}

// New registers every collector against reg. Pass prometheus.NewRegistry()
// for an isolated registry (tests, multiple nodes in one process) or
// prometheus.DefaultRegisterer to expose on the process-wide /metrics
// endpoint.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		bundlesAccepted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "bpcore_bundles_accepted_total",
			Help: "Bundles accepted by the lifecycle engine, by source scheme.",
		}, []string{"scheme"}),
		bundlesForwarded: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "bpcore_bundles_forwarded_total",
			Help: "Bundles handed to a scheme-specific forwarder, by scheme.",
		}, []string{"scheme"}),
		bundlesDelivered: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "bpcore_bundles_delivered_total",
			Help: "Bundles delivered to a local application endpoint.",
		}),
		bundlesDestroyed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "bpcore_bundles_destroyed_total",
			Help: "Bundles destroyed, by reason (expired, delivered, abandoned).",
		}, []string{"reason"}),
		bundlesCongestive: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "bpcore_acquisitions_congestive_total",
			Help: "Inbound acquisitions refused because the ZCO/heap budget was exhausted.",
		}),
		outductBacklog: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "bpcore_outduct_backlog_bytes",
			Help: "Outduct queue backlog in bytes, by duct name and priority class.",
		}, []string{"duct", "priority"}),
		outductQueue: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "bpcore_outduct_queue_depth",
			Help: "Outduct queue depth in bundles, by duct name and priority class.",
		}, []string{"duct", "priority"}),
		throttleCapacity: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "bpcore_throttle_capacity_bytes",
			Help: "Current token-bucket capacity, by protocol name.",
		}, []string{"protocol"}),
		timelineEvents: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "bpcore_timeline_events_dispatched_total",
			Help: "Timeline events dispatched by the clock engine, by event type.",
		}, []string{"event_type"}),
		timelineLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "bpcore_timeline_dispatch_latency_milliseconds",
			Help:    "Time between a timeline event's due time and its dispatch.",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		}),
		custodySignalsSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "bpcore_custody_signals_sent_total",
			Help: "Custody signals emitted toward a custodian.",
		}),
		statusReportsSent: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "bpcore_status_reports_sent_total",
			Help: "Status reports emitted toward a report-to EID, by flag.",
		}, []string{"flag"}),
		limboQueueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "bpcore_limbo_queue_depth",
			Help: "Bundles currently parked in the limbo queue awaiting a route.",
		}),
	}
}

func (m *Metrics) AcceptedBundle(scheme string) {
	if m == nil {
		return
	}
	m.bundlesAccepted.WithLabelValues(scheme).Inc()
}

func (m *Metrics) ForwardedBundle(scheme string) {
	if m == nil {
		return
	}
	m.bundlesForwarded.WithLabelValues(scheme).Inc()
}

func (m *Metrics) DeliveredBundle() {
	if m == nil {
		return
	}
	m.bundlesDelivered.Inc()
}

func (m *Metrics) DestroyedBundle(reason string) {
	if m == nil {
		return
	}
	m.bundlesDestroyed.WithLabelValues(reason).Inc()
}

func (m *Metrics) CongestiveAcquisition() {
	if m == nil {
		return
	}
	m.bundlesCongestive.Inc()
}

func (m *Metrics) SetOutductBacklog(duct, priority string, bytes uint64) {
	if m == nil {
		return
	}
	m.outductBacklog.WithLabelValues(duct, priority).Set(float64(bytes))
}

func (m *Metrics) SetOutductQueueDepth(duct, priority string, depth int) {
	if m == nil {
		return
	}
	m.outductQueue.WithLabelValues(duct, priority).Set(float64(depth))
}

func (m *Metrics) SetThrottleCapacity(protocol string, capacity int64) {
	if m == nil {
		return
	}
	m.throttleCapacity.WithLabelValues(protocol).Set(float64(capacity))
}

func (m *Metrics) TimelineEventDispatched(eventType string, latencyMs float64) {
	if m == nil {
		return
	}
	m.timelineEvents.WithLabelValues(eventType).Inc()
	m.timelineLatency.Observe(latencyMs)
}

func (m *Metrics) CustodySignalSent() {
	if m == nil {
		return
	}
	m.custodySignalsSent.Inc()
}

func (m *Metrics) StatusReportSent(flag string) {
	if m == nil {
		return
	}
	m.statusReportsSent.WithLabelValues(flag).Inc()
}

func (m *Metrics) SetLimboQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.limboQueueDepth.Set(float64(depth))
}
