// Package metrics holds the prometheus collectors for sync activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is nil-safe: every method is a no-op on a nil receiver.
type Metrics struct {
	CacheHits        *prometheus.CounterVec
	CacheMisses      prometheus.Counter
	TransferredBytes *prometheus.CounterVec
	BulkFallbacks    prometheus.Counter
	UploadsSkipped   prometheus.Counter
	LockWait         prometheus.Histogram
}

// New creates the collectors and registers them with reg when reg is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blobsync_cache_hits_total",
			Help: "Downloads satisfied without a network transfer, by where the verified copy was found.",
		}, []string{"source"}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blobsync_cache_misses_total",
			Help: "Downloads that transferred bytes from the remote store.",
		}),
		TransferredBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blobsync_transferred_bytes_total",
			Help: "Bytes moved to or from the remote store.",
		}, []string{"direction"}),
		BulkFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blobsync_bulk_fallbacks_total",
			Help: "Bulk accelerator attempts that fell back to the standard transfer path.",
		}),
		UploadsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blobsync_uploads_skipped_total",
			Help: "Uploads skipped because the remote already held matching content.",
		}),
		LockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "blobsync_lock_wait_seconds",
			Help:    "Time spent waiting for a resource lock.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.CacheHits, m.CacheMisses, m.TransferredBytes, m.BulkFallbacks, m.UploadsSkipped, m.LockWait)
	}
	return m
}

func (m *Metrics) Hit(source string) {
	if m != nil {
		m.CacheHits.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) Miss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) Transferred(direction string, n int64) {
	if m != nil && n > 0 {
		m.TransferredBytes.WithLabelValues(direction).Add(float64(n))
	}
}

func (m *Metrics) BulkFallback() {
	if m != nil {
		m.BulkFallbacks.Inc()
	}
}

func (m *Metrics) UploadSkipped() {
	if m != nil {
		m.UploadsSkipped.Inc()
	}
}

func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m != nil {
		m.LockWait.Observe(d.Seconds())
	}
}
