// Package metrics exposes Prometheus instrumentation for the archive pipeline.
//
// Every collector lives on a private registry owned by Metrics, so several
// daemons (or tests) in one process never collide. All methods are safe on a
// nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline collectors.
type Metrics struct {
	reg *prometheus.Registry

	pages       *prometheus.CounterVec
	messages    *prometheus.CounterVec
	rateLimits  prometheus.Counter
	embedded    prometheus.Counter
	embedFailed prometheus.Counter
	searches    *prometheus.CounterVec
	searchLat   prometheus.Histogram
	jobsRunning *prometheus.GaugeVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatvault_pages_fetched_total",
			Help: "History pages fetched, by retrieval method.",
		}, []string{"method"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatvault_messages_fetched_total",
			Help: "Messages yielded by the fetch engine, by retrieval method.",
		}, []string{"method"}),
		rateLimits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatvault_rate_limits_total",
			Help: "Platform rate-limit signals received.",
		}),
		embedded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatvault_embeddings_stored_total",
			Help: "Embedding vectors persisted.",
		}),
		embedFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatvault_embeddings_failed_total",
			Help: "Messages whose embedding batch failed.",
		}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatvault_searches_total",
			Help: "Hybrid searches, by the sources that produced results.",
		}, []string{"source"}),
		searchLat: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatvault_search_duration_seconds",
			Help:    "Duration of hybrid searches in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		jobsRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chatvault_jobs_running",
			Help: "Jobs currently running, by kind.",
		}, []string{"kind"}),
	}
	m.reg.MustRegister(
		m.pages, m.messages, m.rateLimits, m.embedded, m.embedFailed,
		m.searches, m.searchLat, m.jobsRunning,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) PageFetched(method string, messages int) {
	if m == nil {
		return
	}
	m.pages.WithLabelValues(method).Inc()
	m.messages.WithLabelValues(method).Add(float64(messages))
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimits.Inc()
}

func (m *Metrics) EmbeddingsStored(n int) {
	if m == nil {
		return
	}
	m.embedded.Add(float64(n))
}

func (m *Metrics) EmbeddingsFailed(n int) {
	if m == nil {
		return
	}
	m.embedFailed.Add(float64(n))
}

// SearchDone records one search. source is lexical, vector, both or none.
func (m *Metrics) SearchDone(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.searches.WithLabelValues(source).Inc()
	m.searchLat.Observe(d.Seconds())
}

// JobStarted increments the running gauge and returns the matching decrement.
func (m *Metrics) JobStarted(kind string) func() {
	if m == nil {
		return func() {}
	}
	g := m.jobsRunning.WithLabelValues(kind)
	g.Inc()
	return g.Dec
}
