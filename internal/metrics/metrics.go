// Package metrics exposes Prometheus instrumentation for desensitize calls.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/raaihank/desensitizer/internal/ner"
	"github.com/raaihank/desensitizer/internal/privacy"
)

// Error kinds reported on the errors counter
const (
	ErrorKindConfig     = "config"
	ErrorKindBackend    = "backend"
	ErrorKindCanceled   = "canceled"
	ErrorKindRecognizer = "recognizer"
)

// Metrics holds the desensitizer's Prometheus collectors
type Metrics struct {
	// RequestsTotal counts completed calls by strategy and detector selection.
	RequestsTotal *prometheus.CounterVec
	// EntitiesTotal counts detected entities by type.
	EntitiesTotal *prometheus.CounterVec
	// ErrorsTotal counts failed calls by error kind.
	ErrorsTotal *prometheus.CounterVec
	// Duration observes recognition plus masking time.
	Duration    *prometheus.HistogramVec
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

// New creates metrics registered on the default registerer
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics registered on reg
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "desensitizer_requests_total",
			Help: "Total number of desensitize calls",
		}, []string{"strategy", "detectors"}),

		EntitiesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "desensitizer_entities_total",
			Help: "Total number of detected entities by type",
		}, []string{"type"}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "desensitizer_errors_total",
			Help: "Total number of failed desensitize calls by error kind",
		}, []string{"kind"}),

		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "desensitizer_duration_seconds",
			Help:    "Desensitize call duration",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"detectors"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "desensitizer_cache_hits_total",
			Help: "Total number of result cache hits",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "desensitizer_cache_misses_total",
			Help: "Total number of result cache misses",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal, m.EntitiesTotal, m.ErrorsTotal,
		m.Duration, m.CacheHits, m.CacheMisses,
	)
	return m
}

// ObserveResult implements privacy.Observer
func (m *Metrics) ObserveResult(opts privacy.Options, entities []privacy.Entity, duration time.Duration) {
	detectors := opts.Detectors.String()
	m.RequestsTotal.WithLabelValues(string(opts.Strategy), detectors).Inc()
	m.Duration.WithLabelValues(detectors).Observe(duration.Seconds())
	for entityType, n := range privacy.CountByType(entities) {
		m.EntitiesTotal.WithLabelValues(string(entityType)).Add(float64(n))
	}
}

// ObserveError implements privacy.Observer
func (m *Metrics) ObserveError(_ privacy.Options, err error) {
	m.ErrorsTotal.WithLabelValues(ErrorKind(err)).Inc()
}

// RecordCacheHit increments the cache hit counter
func (m *Metrics) RecordCacheHit() {
	m.CacheHits.Inc()
}

// RecordCacheMiss increments the cache miss counter
func (m *Metrics) RecordCacheMiss() {
	m.CacheMisses.Inc()
}

// ErrorKind classifies err for the errors counter
func ErrorKind(err error) string {
	switch {
	case privacy.IsConfigError(err):
		return ErrorKindConfig
	case ner.IsInitError(err), errors.Is(err, ner.ErrBackendUnavailable):
		return ErrorKindBackend
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindCanceled
	default:
		return ErrorKindRecognizer
	}
}
