// Package metrics collects and exposes kernel runtime observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (per-vat counters + time series) for
//     the lightweight JSON /metrics endpoint used by kernelctl.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems (Grafana, Alertmanager, etc.).
//
// Keeping both allows kernelctl to work without a Prometheus sidecar
// while still supporting production monitoring stacks.
//
// # Concurrency — hot path
//
// RecordCrank is called by the run-queue dispatcher after every delivered
// entry and must be as fast as possible. It uses atomic increments for
// global counters and dispatches a lightweight event onto a buffered
// channel (tsChan) for the time-series worker to process asynchronously.
// This avoids holding any lock on the crank hot path.
//
// The per-vat VatMetrics struct also uses atomic operations exclusively;
// the sync.Map that stores the per-vat entries is read-heavy and
// write-once-per-new-vat, which is the ideal use case for sync.Map.
//
// # Invariants
//
//   - TotalCranks == SuccessCranks + FailedCranks (maintained by
//     RecordCrank).
//   - The time-series ring buffer holds at most timeSeriesBucketCount
//     buckets (24 * 60 = 1440 for the last 24 hours at 1-minute
//     granularity).
//   - tsChan capacity is 8192 events; events dropped when full are
//     counted in tsDroppedEvents for observability.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores metrics for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Cranks       int64
	Errors       int64
	TotalLatency int64
	Count        int64 // for calculating avg
}

// Metrics collects and exposes kernel runtime metrics.
type Metrics struct {
	// Crank metrics
	TotalCranks  atomic.Int64
	SuccessCranks atomic.Int64
	FailedCranks  atomic.Int64
	SendCranks    atomic.Int64
	NotifyCranks  atomic.Int64
	GCCranks      atomic.Int64

	// Latency metrics (in milliseconds)
	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	// Vat lifecycle metrics
	VatsLaunched   atomic.Int64
	VatsTerminated atomic.Int64
	VatsCrashed    atomic.Int64
	VatsRestarted  atomic.Int64

	// Remote peer metrics
	PeersConnected    atomic.Int64
	PeersReconnecting atomic.Int64
	PeersFailed       atomic.Int64

	// Per-vat metrics
	vatMetrics sync.Map // vatID -> *VatMetrics

	// Time-series data (minute buckets for last 24 hours)
	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

// timeSeriesEvent is sent over a channel to avoid write-lock contention on
// the crank hot path.
type timeSeriesEvent struct {
	durationMs int64
	isError    bool
}

// VatMetrics tracks crank metrics for a single vat.
type VatMetrics struct {
	Cranks      atomic.Int64
	Successes   atomic.Int64
	Failures    atomic.Int64
	SendCranks  atomic.Int64
	NotifyCranks atomic.Int64
	TotalMs     atomic.Int64
	MinMs       atomic.Int64
	MaxMs       atomic.Int64
}

// Global metrics instance.
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1)) // Max int64
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

// initTimeSeries initializes minute-level buckets for the last 24 hours.
func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized.
func StartTime() time.Time {
	return global.startTime
}

// RecordCrank records the outcome of a single crank (run-queue entry
// delivered to a vat).
func (m *Metrics) RecordCrank(vatID, kind string, durationMs int64, success bool) {
	m.TotalCranks.Add(1)

	if success {
		m.SuccessCranks.Add(1)
	} else {
		m.FailedCranks.Add(1)
	}

	switch kind {
	case "send":
		m.SendCranks.Add(1)
	case "notify":
		m.NotifyCranks.Add(1)
	case "gc-drop", "gc-retire":
		m.GCCranks.Add(1)
	}

	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	vm := m.getVatMetrics(vatID)
	vm.Cranks.Add(1)
	if success {
		vm.Successes.Add(1)
	} else {
		vm.Failures.Add(1)
	}
	switch kind {
	case "send":
		vm.SendCranks.Add(1)
	case "notify":
		vm.NotifyCranks.Add(1)
	}
	vm.TotalMs.Add(durationMs)
	updateMin(&vm.MinMs, durationMs)
	updateMax(&vm.MaxMs, durationMs)

	m.recordTimeSeries(durationMs, !success)

	RecordPrometheusCrank(vatID, kind, durationMs, success)
}

// recordTimeSeries enqueues a time-series event for async processing,
// avoiding a write-lock on the crank hot path.
func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isError: isError}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

// processTimeSeriesLoop drains tsChan and applies events under a write lock.
func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.durationMs, evt.isError)
	}
}

// applyTimeSeriesEvent updates the time-series buckets (must be called
// from a single goroutine).
func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		bucketsDiff := int(now.Sub(lastBucket.Timestamp) / timeSeriesBucketDuration)

		if bucketsDiff > 0 {
			if bucketsDiff >= timeSeriesBucketCount {
				m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
				for i := 0; i < timeSeriesBucketCount; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[bucketsDiff:]
				for i := 0; i < bucketsDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * timeSeriesBucketDuration),
					})
				}
			}
		}
	}

	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Cranks++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

// RecordVatLaunched records a new vat launch.
func (m *Metrics) RecordVatLaunched() {
	m.VatsLaunched.Add(1)
	RecordPrometheusVatLaunched()
}

// RecordVatTerminated records a vat being terminated.
func (m *Metrics) RecordVatTerminated() {
	m.VatsTerminated.Add(1)
	RecordPrometheusVatTerminated()
}

// RecordVatCrashed records a vat worker process crashing unexpectedly.
func (m *Metrics) RecordVatCrashed() {
	m.VatsCrashed.Add(1)
	RecordPrometheusVatCrashed()
}

// RecordVatRestarted records a vat being restarted after a crash.
func (m *Metrics) RecordVatRestarted() {
	m.VatsRestarted.Add(1)
	RecordPrometheusVatRestarted()
}

// SetPeerCounts sets the current remote-peer state gauges.
func (m *Metrics) SetPeerCounts(connected, reconnecting, failed int64) {
	m.PeersConnected.Store(connected)
	m.PeersReconnecting.Store(reconnecting)
	m.PeersFailed.Store(failed)
	SetPrometheusPeerCounts(connected, reconnecting, failed)
}

func (m *Metrics) getVatMetrics(vatID string) *VatMetrics {
	if v, ok := m.vatMetrics.Load(vatID); ok {
		return v.(*VatMetrics)
	}

	vm := &VatMetrics{}
	vm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.vatMetrics.LoadOrStore(vatID, vm)
	return actual.(*VatMetrics)
}

// GetVatMetrics returns the metrics for a specific vat (or nil if none
// recorded yet).
func (m *Metrics) GetVatMetrics(vatID string) *VatMetrics {
	if v, ok := m.vatMetrics.Load(vatID); ok {
		return v.(*VatMetrics)
	}
	return nil
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalCranks.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	result := map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"cranks": map[string]interface{}{
			"total":   total,
			"success": m.SuccessCranks.Load(),
			"failed":  m.FailedCranks.Load(),
			"send":    m.SendCranks.Load(),
			"notify":  m.NotifyCranks.Load(),
			"gc":      m.GCCranks.Load(),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"vats": map[string]interface{}{
			"launched":   m.VatsLaunched.Load(),
			"terminated": m.VatsTerminated.Load(),
			"crashed":    m.VatsCrashed.Load(),
			"restarted":  m.VatsRestarted.Load(),
		},
		"peers": map[string]interface{}{
			"connected":    m.PeersConnected.Load(),
			"reconnecting": m.PeersReconnecting.Load(),
			"failed":       m.PeersFailed.Load(),
		},
		"ts_dropped_events": m.tsDroppedEvents.Load(),
	}

	return result
}

// VatStats returns per-vat crank metrics.
func (m *Metrics) VatStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.vatMetrics.Range(func(key, value interface{}) bool {
		vatID := key.(string)
		vm := value.(*VatMetrics)

		total := vm.Cranks.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(vm.TotalMs.Load()) / float64(total)
		}

		minMs := vm.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[vatID] = map[string]interface{}{
			"cranks":      total,
			"successes":   vm.Successes.Load(),
			"failures":    vm.Failures.Load(),
			"send_cranks": vm.SendCranks.Load(),
			"avg_ms":      avgMs,
			"min_ms":      minMs,
			"max_ms":      vm.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["vat_stats"] = m.VatStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns minute-level time-series data for the last 24 hours.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"cranks":       bucket.Cranks,
			"errors":       bucket.Errors,
			"avg_duration": avgDuration,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics.
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

// Helper functions

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
