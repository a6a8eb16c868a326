// Package metrics provides Prometheus implementations of the Metrics
// interfaces declared by the cache, connection, and transfer packages.
//
// Every recorder is nil-safe: a nil *CacheMetrics (or other) is a valid
// no-op, so callers never need to branch on whether metrics are enabled.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pylon_client"

// NewRegistry returns a registry with the Go runtime and process
// collectors already registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// CacheMetrics implements cache.Metrics.
type CacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	sizeBytes prometheus.Gauge
	entries   prometheus.Gauge
}

// NewCacheMetrics registers the cache collectors on reg.
func NewCacheMetrics(reg prometheus.Registerer) *CacheMetrics {
	return &CacheMetrics{
		hits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Blob cache lookups that found an entry",
		}),
		misses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Blob cache lookups that found nothing",
		}),
		evictions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Entries evicted to make room for new ones",
		}),
		sizeBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_size_bytes",
			Help:      "Bytes currently held by the blob cache",
		}),
		entries: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Entries currently held by the blob cache",
		}),
	}
}

func (m *CacheMetrics) CacheHit() {
	if m == nil {
		return
	}

	m.hits.Inc()
}

func (m *CacheMetrics) CacheMiss() {
	if m == nil {
		return
	}

	m.misses.Inc()
}

func (m *CacheMetrics) CacheEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}

	m.evictions.Add(float64(n))
}

func (m *CacheMetrics) CacheSize(bytes int64, entries int) {
	if m == nil {
		return
	}

	m.sizeBytes.Set(float64(bytes))
	m.entries.Set(float64(entries))
}

// ConnectionMetrics implements connection.Metrics.
type ConnectionMetrics struct {
	up                prometheus.Gauge
	connects          prometheus.Counter
	reconnects        prometheus.Counter
	heartbeatTimeouts prometheus.Counter
}

// NewConnectionMetrics registers the connection collectors on reg.
func NewConnectionMetrics(reg prometheus.Registerer) *ConnectionMetrics {
	return &ConnectionMetrics{
		up: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connected",
			Help:      "1 while a relay connection is open",
		}),
		connects: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_connects_total",
			Help:      "Relay connections established",
		}),
		reconnects: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after a drop or dial failure",
		}),
		heartbeatTimeouts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_heartbeat_timeouts_total",
			Help:      "Connections closed because no pong arrived in time",
		}),
	}
}

func (m *ConnectionMetrics) ConnectionUp() {
	if m == nil {
		return
	}

	m.up.Set(1)
	m.connects.Inc()
}

func (m *ConnectionMetrics) ConnectionDown() {
	if m == nil {
		return
	}

	m.up.Set(0)
}

func (m *ConnectionMetrics) ReconnectScheduled() {
	if m == nil {
		return
	}

	m.reconnects.Inc()
}

func (m *ConnectionMetrics) HeartbeatTimedOut() {
	if m == nil {
		return
	}

	m.heartbeatTimeouts.Inc()
}

// TransferMetrics implements transfer.Metrics.
type TransferMetrics struct {
	chunks   *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	finished *prometheus.CounterVec
}

// NewTransferMetrics registers the transfer collectors on reg.
func NewTransferMetrics(reg prometheus.Registerer) *TransferMetrics {
	return &TransferMetrics{
		chunks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_chunks_total",
			Help:      "Blob chunks moved, by direction",
		}, []string{"direction"}),
		bytes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Decoded blob bytes moved, by direction",
		}, []string{"direction"}),
		finished: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_finished_total",
			Help:      "Transfers that reached a terminal state, by direction and outcome",
		}, []string{"direction", "outcome"}),
	}
}

func (m *TransferMetrics) ChunkSent(bytes int) {
	m.chunk("upload", bytes)
}

func (m *TransferMetrics) ChunkReceived(bytes int) {
	m.chunk("download", bytes)
}

func (m *TransferMetrics) chunk(direction string, bytes int) {
	if m == nil {
		return
	}

	m.chunks.WithLabelValues(direction).Inc()
	m.bytes.WithLabelValues(direction).Add(float64(bytes))
}

func (m *TransferMetrics) TransferFinished(direction, outcome string) {
	if m == nil {
		return
	}

	m.finished.WithLabelValues(direction, outcome).Inc()
}
