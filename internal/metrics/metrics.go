// Package metrics holds the Prometheus collectors shared by the event log,
// the content store, storage, and the worker reconcilers.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "xs"

// Metrics groups every collector exported by a process.
type Metrics struct {
	reg *prometheus.Registry

	FramesAppended *prometheus.CounterVec
	AppendLatency  prometheus.Histogram
	FramesRemoved  *prometheus.CounterVec
	Subscriptions  prometheus.Gauge
	LaggedSubs     prometheus.Counter

	CASBytesWritten prometheus.Counter
	CASDedupHits    prometheus.Counter

	WorkerStarts  *prometheus.CounterVec
	WorkerStops   *prometheus.CounterVec
	WorkerErrors  *prometheus.CounterVec
	EvalLatency   *prometheus.HistogramVec
	WorkersActive *prometheus.GaugeVec

	storageWrite  prometheus.Histogram
	storageRead   prometheus.Histogram
	storageCommit prometheus.Histogram
	storageBytes  *prometheus.CounterVec
}

// New builds a Metrics bound to a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		FramesAppended: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "eventlog", Name: "frames_appended_total",
			Help: "Frames appended, by TTL kind.",
		}, []string{"ttl"}),
		AppendLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "eventlog", Name: "append_seconds",
			Help:    "Append latency including payload writes.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		FramesRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "eventlog", Name: "frames_removed_total",
			Help: "Frames removed, by cause (head, expired, explicit).",
		}, []string{"cause"}),
		Subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "eventlog", Name: "subscriptions",
			Help: "Live followers currently registered.",
		}),
		LaggedSubs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "eventlog", Name: "subscriptions_lagged_total",
			Help: "Followers dropped for exceeding their pending budget.",
		}),
		CASBytesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cas", Name: "bytes_written_total",
			Help: "Payload bytes hashed by CAS writers.",
		}),
		CASDedupHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cas", Name: "dedup_hits_total",
			Help: "Commits whose digest was already stored.",
		}),
		WorkerStarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "workers", Name: "starts_total",
			Help: "Workers started, by kind.",
		}, []string{"kind"}),
		WorkerStops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "workers", Name: "stops_total",
			Help: "Workers stopped, by kind and reason.",
		}, []string{"kind", "reason"}),
		WorkerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "workers", Name: "errors_total",
			Help: "Error frames emitted, by kind.",
		}, []string{"kind"}),
		EvalLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "workers", Name: "evaluate_seconds",
			Help:    "Evaluator latency on the blocking pool.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"kind"}),
		WorkersActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "workers", Name: "active",
			Help: "Running workers, by kind.",
		}, []string{"kind"}),
		storageWrite: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "storage", Name: "write_seconds",
			Help: "Single-key write latency.",
		}),
		storageRead: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "storage", Name: "read_seconds",
			Help: "Point read latency.",
		}),
		storageCommit: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "storage", Name: "batch_commit_seconds",
			Help: "Batch commit latency.",
		}),
		storageBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "storage", Name: "bytes_total",
			Help: "Bytes moved through storage, by op.",
		}, []string{"op"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveWrite implements the storage metrics hook.
func (m *Metrics) ObserveWrite(elapsed time.Duration, bytes int) {
	m.storageWrite.Observe(elapsed.Seconds())
	m.storageBytes.WithLabelValues("write").Add(float64(bytes))
}

// ObserveRead implements the storage metrics hook.
func (m *Metrics) ObserveRead(elapsed time.Duration, bytes int) {
	m.storageRead.Observe(elapsed.Seconds())
	m.storageBytes.WithLabelValues("read").Add(float64(bytes))
}

// ObserveBatchCommit implements the storage metrics hook.
func (m *Metrics) ObserveBatchCommit(elapsed time.Duration, _ int, bytes int) {
	m.storageCommit.Observe(elapsed.Seconds())
	m.storageBytes.WithLabelValues("commit").Add(float64(bytes))
}
