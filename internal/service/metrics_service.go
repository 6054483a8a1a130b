package service

import (
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/docvault-api/internal/models"
)

// MetricsService owns the process Prometheus registry: queue depth, job
// outcomes, document traffic and cache effectiveness. Every method is
// nil-safe so callers can leave instrumentation unwired.
type MetricsService struct {
	registry *prometheus.Registry
	handler  http.Handler

	queuePending    prometheus.Gauge
	queueProcessing prometheus.Gauge
	jobsCompleted   prometheus.Counter
	jobsFailed      prometheus.Counter
	jobRetries      prometheus.Counter
	leasesExpired   prometheus.Counter
	ocrDuration     prometheus.Histogram

	documentsUploaded prometheus.Counter
	documentDownloads prometheus.Counter

	cacheLatency  prometheus.Histogram
	cacheWrite    prometheus.Histogram
	cacheHitRatio prometheus.Gauge
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter

	cacheHitCount  uint64
	cacheMissCount uint64
}

// NewMetricsService registers the core collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	queuePending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ocr_queue_pending_jobs",
		Help: "Jobs waiting for a worker",
	})
	queueProcessing := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ocr_queue_processing_jobs",
		Help: "Jobs currently leased by workers",
	})
	jobsCompleted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ocr_jobs_completed_total",
		Help: "OCR jobs that finished successfully",
	})
	jobsFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ocr_jobs_failed_total",
		Help: "OCR jobs that failed terminally",
	})
	jobRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ocr_job_retries_total",
		Help: "Failed attempts that were requeued with backoff",
	})
	leasesExpired := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ocr_lease_expired_total",
		Help: "Leases reclaimed from unresponsive workers",
	})
	ocrDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ocr_processing_seconds",
		Help:    "Wall time from lease to completion",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	})

	documentsUploaded := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "documents_uploaded_total",
		Help: "Documents accepted through upload",
	})
	documentDownloads := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "document_downloads_total",
		Help: "Download URLs issued",
	})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache lookups",
		Buckets: prometheus.DefBuckets,
	})
	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})
	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})
	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})
	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(queuePending, queueProcessing, jobsCompleted, jobsFailed, jobRetries,
		leasesExpired, ocrDuration, documentsUploaded, documentDownloads,
		cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses, goroutines)

	return &MetricsService{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		queuePending:      queuePending,
		queueProcessing:   queueProcessing,
		jobsCompleted:     jobsCompleted,
		jobsFailed:        jobsFailed,
		jobRetries:        jobRetries,
		leasesExpired:     leasesExpired,
		ocrDuration:       ocrDuration,
		documentsUploaded: documentsUploaded,
		documentDownloads: documentDownloads,
		cacheLatency:      cacheLatency,
		cacheWrite:        cacheWrite,
		cacheHitRatio:     cacheHitRatio,
		cacheHits:         cacheHits,
		cacheMisses:       cacheMisses,
	}
}

// Handler exposes the Prometheus scrape endpoint.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// SetQueueStats refreshes the queue depth gauges from a stats snapshot.
func (m *MetricsService) SetQueueStats(stats *models.QueueStats) {
	if m == nil || stats == nil {
		return
	}
	m.queuePending.Set(float64(stats.Pending))
	m.queueProcessing.Set(float64(stats.Processing))
}

// JobCompleted records a successful job and its processing time.
func (m *MetricsService) JobCompleted(duration time.Duration) {
	if m == nil {
		return
	}
	m.jobsCompleted.Inc()
	m.ocrDuration.Observe(duration.Seconds())
}

// JobFailed records a failed attempt; terminal failures and requeued retries
// count separately.
func (m *MetricsService) JobFailed(terminal bool) {
	if m == nil {
		return
	}
	if terminal {
		m.jobsFailed.Inc()
	} else {
		m.jobRetries.Inc()
	}
}

// LeasesExpired adds reclaimed leases from a sweep.
func (m *MetricsService) LeasesExpired(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.leasesExpired.Add(float64(count))
}

// DocumentUploaded counts an accepted upload.
func (m *MetricsService) DocumentUploaded() {
	if m == nil {
		return
	}
	m.documentsUploaded.Inc()
}

// DocumentDownloaded counts an issued download URL.
func (m *MetricsService) DocumentDownloaded() {
	if m == nil {
		return
	}
	m.documentDownloads.Inc()
}

// RecordCacheOperation records a cache lookup and updates the hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	if total := hits + misses; total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite tracks the duration of cache set operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// RegisterAccessLogDropped exposes the audit pipeline's drop counter. Call at
// most once during wiring.
func (m *MetricsService) RegisterAccessLogDropped(dropped func() int64) {
	if m == nil || dropped == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "access_logs_dropped_total",
		Help: "Audit entries dropped by the async writer",
	}, func() float64 {
		return float64(dropped())
	}))
}
