package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for kernel metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	cranksTotal      *prometheus.CounterVec
	vatsLaunched     prometheus.Counter
	vatsTerminated   prometheus.Counter
	vatsCrashed      prometheus.Counter
	vatsRestarted    prometheus.Counter
	reconnectsTotal  *prometheus.CounterVec
	gcRetiresTotal   prometheus.Counter

	// Histograms
	crankDuration       *prometheus.HistogramVec
	vatLaunchDuration   *prometheus.HistogramVec
	reconnectBackoffMs  *prometheus.HistogramVec
	remoteSendLatencyMs *prometheus.HistogramVec

	// Gauges
	uptime           prometheus.GaugeFunc
	runQueueDepth    prometheus.Gauge
	peersConnected   prometheus.Gauge
	peersReconnecting prometheus.Gauge
	peersFailed      prometheus.Gauge

	// Subcluster / peer state
	peerStateGauge      *prometheus.GaugeVec
	peerStateTransitions *prometheus.CounterVec
}

// Default histogram buckets for crank duration (in milliseconds).
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		cranksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cranks_total",
				Help:      "Total number of run-queue entries delivered to vats",
			},
			[]string{"kind", "status"},
		),

		vatsLaunched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vats_launched_total",
				Help:      "Total vat workers launched",
			},
		),

		vatsTerminated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vats_terminated_total",
				Help:      "Total vat workers terminated",
			},
		),

		vatsCrashed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vats_crashed_total",
				Help:      "Total vat workers that exited unexpectedly",
			},
		),

		vatsRestarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vats_restarted_total",
				Help:      "Total vat workers restarted after a crash",
			},
		),

		reconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_reconnects_total",
				Help:      "Total reconnection attempts by outcome",
			},
			[]string{"peer", "outcome"},
		),

		gcRetiresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gc_retires_total",
				Help:      "Total kernel objects retired by the garbage collector",
			},
		),

		crankDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "crank_duration_milliseconds",
				Help:      "Duration of a single crank in milliseconds",
				Buckets:   buckets,
			},
			[]string{"vat", "kind"},
		),

		vatLaunchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "vat_launch_duration_milliseconds",
				Help:      "Duration of vat worker launch in milliseconds",
				Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2000},
			},
			[]string{"vat"},
		),

		reconnectBackoffMs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_reconnect_backoff_milliseconds",
				Help:      "Backoff delay chosen before a reconnection attempt",
				Buckets:   []float64{50, 100, 250, 500, 1000, 5000, 15000, 30000},
			},
			[]string{"peer"},
		),

		remoteSendLatencyMs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_send_latency_milliseconds",
				Help:      "Latency of sends over a remote transport",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 25, 50, 100},
			},
			[]string{"transport"}, // tcp, vsock
		),

		runQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "run_queue_depth",
				Help:      "Current number of pending run-queue entries",
			},
		),

		peersConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "peers_connected",
				Help:      "Number of remote peers currently connected",
			},
		),

		peersReconnecting: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "peers_reconnecting",
				Help:      "Number of remote peers currently reconnecting",
			},
		),

		peersFailed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "peers_permanently_failed",
				Help:      "Number of remote peers in the permanently_failed state",
			},
		),

		peerStateGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "peer_state",
				Help:      "Current peer state (0=idle, 1=reconnecting, 2=permanently_failed)",
			},
			[]string{"peer"},
		),

		peerStateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "peer_state_transitions_total",
				Help:      "Total peer state transitions",
			},
			[]string{"peer", "to_state"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the kernel process started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.cranksTotal,
		pm.vatsLaunched,
		pm.vatsTerminated,
		pm.vatsCrashed,
		pm.vatsRestarted,
		pm.reconnectsTotal,
		pm.gcRetiresTotal,
		pm.crankDuration,
		pm.vatLaunchDuration,
		pm.reconnectBackoffMs,
		pm.remoteSendLatencyMs,
		pm.uptime,
		pm.runQueueDepth,
		pm.peersConnected,
		pm.peersReconnecting,
		pm.peersFailed,
		pm.peerStateGauge,
		pm.peerStateTransitions,
	)

	promMetrics = pm
}

// RecordPrometheusCrank records a delivered crank in Prometheus collectors.
func RecordPrometheusCrank(vatID, kind string, durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}

	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.cranksTotal.WithLabelValues(kind, status).Inc()
	promMetrics.crankDuration.WithLabelValues(vatID, kind).Observe(float64(durationMs))
}

// RecordPrometheusVatLaunched records a vat launch in Prometheus.
func RecordPrometheusVatLaunched() {
	if promMetrics == nil {
		return
	}
	promMetrics.vatsLaunched.Inc()
}

// RecordPrometheusVatTerminated records a vat termination in Prometheus.
func RecordPrometheusVatTerminated() {
	if promMetrics == nil {
		return
	}
	promMetrics.vatsTerminated.Inc()
}

// RecordPrometheusVatCrashed records a vat crash in Prometheus.
func RecordPrometheusVatCrashed() {
	if promMetrics == nil {
		return
	}
	promMetrics.vatsCrashed.Inc()
}

// RecordPrometheusVatRestarted records a vat restart in Prometheus.
func RecordPrometheusVatRestarted() {
	if promMetrics == nil {
		return
	}
	promMetrics.vatsRestarted.Inc()
}

// RecordVatLaunchDuration records vat worker launch time in Prometheus.
func RecordVatLaunchDuration(vatID string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.vatLaunchDuration.WithLabelValues(vatID).Observe(float64(durationMs))
}

// RecordReconnectAttempt records a reconnection attempt outcome.
func RecordReconnectAttempt(peerID, outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.reconnectsTotal.WithLabelValues(peerID, outcome).Inc()
}

// RecordReconnectBackoff records the backoff delay chosen for a peer.
func RecordReconnectBackoff(peerID string, backoffMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.reconnectBackoffMs.WithLabelValues(peerID).Observe(backoffMs)
}

// RecordRemoteSendLatency records send latency for a remote transport.
func RecordRemoteSendLatency(transport string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.remoteSendLatencyMs.WithLabelValues(transport).Observe(durationMs)
}

// RecordGCRetire records a kernel object being retired by the collector.
func RecordGCRetire() {
	if promMetrics == nil {
		return
	}
	promMetrics.gcRetiresTotal.Inc()
}

// SetRunQueueDepth sets the run-queue depth gauge.
func SetRunQueueDepth(depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.runQueueDepth.Set(float64(depth))
}

// SetPrometheusPeerCounts sets the peer-state count gauges.
func SetPrometheusPeerCounts(connected, reconnecting, failed int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.peersConnected.Set(float64(connected))
	promMetrics.peersReconnecting.Set(float64(reconnecting))
	promMetrics.peersFailed.Set(float64(failed))
}

// SetPeerState sets a specific peer's state gauge.
// state: 0=idle, 1=reconnecting, 2=permanently_failed
func SetPeerState(peerID string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.peerStateGauge.WithLabelValues(peerID).Set(float64(state))
}

// RecordPeerStateTransition records a peer state transition.
func RecordPeerStateTransition(peerID, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.peerStateTransitions.WithLabelValues(peerID, toState).Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
