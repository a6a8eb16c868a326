package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/pylon-client/internal/cache"
	"github.com/alexjbarnes/pylon-client/internal/connection"
	"github.com/alexjbarnes/pylon-client/internal/transfer"
)

var (
	_ cache.Metrics      = (*CacheMetrics)(nil)
	_ connection.Metrics = (*ConnectionMetrics)(nil)
	_ transfer.Metrics   = (*TransferMetrics)(nil)
)

func TestNilRecordersAreNoOps(t *testing.T) {
	var c *CacheMetrics
	var conn *ConnectionMetrics
	var tr *TransferMetrics

	assert.NotPanics(t, func() {
		c.CacheHit()
		c.CacheMiss()
		c.CacheEvicted(3)
		c.CacheSize(10, 1)
		conn.ConnectionUp()
		conn.ConnectionDown()
		conn.ReconnectScheduled()
		conn.HeartbeatTimedOut()
		tr.ChunkSent(5)
		tr.ChunkReceived(5)
		tr.TransferFinished("upload", "completed")
	})
}

func TestCacheMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCacheMetrics(reg)

	m.CacheHit()
	m.CacheHit()
	m.CacheMiss()
	m.CacheEvicted(2)
	m.CacheEvicted(0)
	m.CacheSize(1024, 3)

	assert.InDelta(t, 2, testutil.ToFloat64(m.hits), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.misses), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.evictions), 0)
	assert.InDelta(t, 1024, testutil.ToFloat64(m.sizeBytes), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.entries), 0)
}

func TestCacheMetrics_WiredIntoCache(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCacheMetrics(reg)
	c := cache.New(10, m)

	c.Set("a", []byte("12345"))
	c.Set("b", []byte("12345"))
	c.Set("c", []byte("12345"))
	c.Get("a")
	c.Get("c")

	assert.InDelta(t, 1, testutil.ToFloat64(m.evictions), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.misses), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.hits), 0)
	assert.InDelta(t, 10, testutil.ToFloat64(m.sizeBytes), 0)
}

func TestConnectionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewConnectionMetrics(reg)

	m.ConnectionUp()
	assert.InDelta(t, 1, testutil.ToFloat64(m.up), 0)

	m.ConnectionDown()
	m.ReconnectScheduled()
	m.HeartbeatTimedOut()
	m.ConnectionUp()

	assert.InDelta(t, 1, testutil.ToFloat64(m.up), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.connects), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.reconnects), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.heartbeatTimeouts), 0)
}

func TestTransferMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewTransferMetrics(reg)

	m.ChunkSent(100)
	m.ChunkSent(50)
	m.ChunkReceived(7)
	m.TransferFinished("upload", "completed")
	m.TransferFinished("download", "failed")

	assert.InDelta(t, 2, testutil.ToFloat64(m.chunks.WithLabelValues("upload")), 0)
	assert.InDelta(t, 150, testutil.ToFloat64(m.bytes.WithLabelValues("upload")), 0)
	assert.InDelta(t, 7, testutil.ToFloat64(m.bytes.WithLabelValues("download")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.finished.WithLabelValues("download", "failed")), 0)
}

func TestDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCacheMetrics(reg)

	assert.Panics(t, func() { NewCacheMetrics(reg) })
}

func TestHandler_ServesRegisteredMetrics(t *testing.T) {
	reg := NewRegistry()
	NewCacheMetrics(reg).CacheHit()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "pylon_client_cache_hits_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
