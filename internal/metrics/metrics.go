package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Sampling loop counters
	Cycles          atomic.Uint64
	SamplingMisses  atomic.Uint64
	WorkerFailures  atomic.Uint64
	WorkerStarts    atomic.Uint64
	DepthInvalid    atomic.Uint64
	DetectionsTotal atomic.Uint64

	// Latest snapshot
	SnapshotVersion    atomic.Uint64
	SnapshotDetections atomic.Uint64
	SnapshotUnixMs     atomic.Int64
	WorkerState        atomic.Int64

	// Latency tracking
	CycleLatencyMs     atomic.Uint64
	InferenceLatencyMs atomic.Uint64

	// Subscribers
	StreamSubscribers atomic.Int64
	WebRTCClients     atomic.Int64

	// Sinks
	PublishDropped  atomic.Uint64
	RecorderWritten atomic.Uint64
	RecorderDropped atomic.Uint64
	RecordingActive atomic.Uint64 // 0 = inactive, 1 = active
	HistoryErrors   atomic.Uint64
	MQTTPublished   atomic.Uint64
	MQTTErrors      atomic.Uint64

	inference prometheus.Histogram

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		inference: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "detection_inference_seconds",
			Help:    "Detector inference duration",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
	}

	m.registerPrometheusMetrics()

	return m
}

type gauge struct {
	name string
	help string
	fn   func() float64
}

func (m *Metrics) registerPrometheusMetrics() {
	u := func(v *atomic.Uint64) func() float64 { return func() float64 { return float64(v.Load()) } }
	i := func(v *atomic.Int64) func() float64 { return func() float64 { return float64(v.Load()) } }

	gauges := []gauge{
		{"detection_cycles_total", "Completed sampling cycles", u(&m.Cycles)},
		{"detection_sampling_misses_total", "Frame pairs not delivered within the timeout", u(&m.SamplingMisses)},
		{"detection_worker_failures_total", "Sampling loop failures", u(&m.WorkerFailures)},
		{"detection_worker_starts_total", "Successful worker starts", u(&m.WorkerStarts)},
		{"detection_depth_invalid_total", "Detections whose depth reading was unusable", u(&m.DepthInvalid)},
		{"detection_objects_total", "Detections published across all snapshots", u(&m.DetectionsTotal)},
		{"detection_snapshot_version", "Version of the latest snapshot", u(&m.SnapshotVersion)},
		{"detection_snapshot_objects", "Detections in the latest snapshot", u(&m.SnapshotDetections)},
		{"detection_snapshot_age_seconds", "Age of the latest snapshot", m.snapshotAge},
		{"detection_worker_state", "Worker state (0=stopped 1=starting 2=running 3=failed)", i(&m.WorkerState)},
		{"detection_cycle_latency_ms", "Duration of the last sampling cycle in milliseconds", u(&m.CycleLatencyMs)},
		{"detection_inference_latency_ms", "Duration of the last inference in milliseconds", u(&m.InferenceLatencyMs)},
		{"detection_stream_subscribers", "Active stream subscribers", i(&m.StreamSubscribers)},
		{"detection_webrtc_clients", "Active WebRTC data channel clients", i(&m.WebRTCClients)},
		{"detection_publish_dropped_total", "Snapshots dropped by slow sinks", u(&m.PublishDropped)},
		{"detection_recorder_written_total", "Snapshots written to the recording", u(&m.RecorderWritten)},
		{"detection_recorder_dropped_total", "Snapshots dropped by the recorder", u(&m.RecorderDropped)},
		{"detection_recording_active", "Recording active (0=inactive, 1=active)", u(&m.RecordingActive)},
		{"detection_history_errors_total", "History store write failures", u(&m.HistoryErrors)},
		{"detection_mqtt_published_total", "Summaries published to MQTT", u(&m.MQTTPublished)},
		{"detection_mqtt_errors_total", "MQTT publish failures", u(&m.MQTTErrors)},
	}

	for _, g := range gauges {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			g.fn,
		))
	}
	m.registry.MustRegister(m.inference)
}

func (m *Metrics) snapshotAge() float64 {
	ms := m.SnapshotUnixMs.Load()
	if ms == 0 {
		return 0
	}
	return time.Since(time.UnixMilli(ms)).Seconds()
}

// ObserveInference records one detector call
func (m *Metrics) ObserveInference(d time.Duration) {
	m.InferenceLatencyMs.Store(uint64(d.Milliseconds()))
	m.inference.Observe(d.Seconds())
}

// UpdateCycleLatency records the duration of the last sampling cycle
func (m *Metrics) UpdateCycleLatency(d time.Duration) {
	m.CycleLatencyMs.Store(uint64(d.Milliseconds()))
}

// RecordSnapshot updates snapshot gauges after a Replace
func (m *Metrics) RecordSnapshot(version uint64, count int, capturedAt time.Time) {
	m.SnapshotVersion.Store(version)
	m.SnapshotDetections.Store(uint64(count))
	m.SnapshotUnixMs.Store(capturedAt.UnixMilli())
	m.DetectionsTotal.Add(uint64(count))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics on addr
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
