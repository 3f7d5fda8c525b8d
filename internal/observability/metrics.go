package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	searchDuration   *prometheus.HistogramVec
	syncDuration     *prometheus.HistogramVec
	syncFilesTotal   *prometheus.CounterVec
	chunksTotal      prometheus.Gauge
	filesTotal       prometheus.Gauge
	vectorsTotal     prometheus.Gauge
	embedCacheTotal  *prometheus.CounterVec
	embedCallsTotal  *prometheus.CounterVec
	providerDegraded *prometheus.GaugeVec
	healthTotal      *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			searchDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "memory_search_duration_seconds",
					Help:    "Recall duration in seconds by retrieval mode.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"mode"},
			),
			syncDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "memory_sync_duration_seconds",
					Help:    "Sync duration in seconds by kind (file, full, rebuild).",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"kind"},
			),
			syncFilesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_sync_files_total",
					Help: "Files processed by sync, by outcome.",
				},
				[]string{"outcome"},
			),
			chunksTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "memory_chunks_total",
					Help: "Chunks currently indexed.",
				},
			),
			filesTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "memory_files_total",
					Help: "Files currently indexed.",
				},
			),
			vectorsTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "memory_vectors_total",
					Help: "Vector rows currently indexed.",
				},
			),
			embedCacheTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_embedding_cache_total",
					Help: "Embedding cache lookups by result (hit, miss).",
				},
				[]string{"result"},
			),
			embedCallsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "embedding_calls_total",
					Help: "Embedding provider calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			providerDegraded: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "embedding_provider_degraded",
					Help: "Embedding provider degraded state (1 degraded, 0 not).",
				},
				[]string{"provider"},
			),
			healthTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "plugin_health_transitions_total",
					Help: "Plugin health transitions by plugin, type and resulting state.",
				},
				[]string{"plugin", "type", "state"},
			),
		}

		prometheus.MustRegister(
			m.searchDuration,
			m.syncDuration,
			m.syncFilesTotal,
			m.chunksTotal,
			m.filesTotal,
			m.vectorsTotal,
			m.embedCacheTotal,
			m.embedCallsTotal,
			m.providerDegraded,
			m.healthTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordMemorySearch(mode string, duration time.Duration) {
	getMetrics().searchDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func RecordMemorySync(kind string, duration time.Duration) {
	getMetrics().syncDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordSyncedFile(outcome string) {
	getMetrics().syncFilesTotal.WithLabelValues(outcome).Inc()
}

func SetIndexSize(files, chunks, vectors int) {
	m := getMetrics()
	m.filesTotal.Set(float64(files))
	m.chunksTotal.Set(float64(chunks))
	m.vectorsTotal.Set(float64(vectors))
}

func RecordEmbeddingCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	getMetrics().embedCacheTotal.WithLabelValues(result).Inc()
}

func RecordEmbeddingCall(provider string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().embedCallsTotal.WithLabelValues(provider, status).Inc()
}

func SetProviderDegraded(provider string, degraded bool) {
	value := 0.0
	if degraded {
		value = 1.0
	}
	getMetrics().providerDegraded.WithLabelValues(provider).Set(value)
}

func RecordHealthTransition(plugin, pluginType string, healthy bool) {
	state := "unhealthy"
	if healthy {
		state = "healthy"
	}
	getMetrics().healthTotal.WithLabelValues(plugin, pluginType, state).Inc()
}
