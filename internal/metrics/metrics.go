package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service instruments. A nil *Metrics is a no-op recorder.
type Metrics struct {
	registry *prometheus.Registry

	generations        *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	creditsConsumed    prometheus.Counter
	creditsGranted     prometheus.Counter
	urlsInvalidated    prometheus.Counter
}

// New registers the service instruments, plus Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	generations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidgen_generations_total",
			Help: "Video generations that reached a terminal state.",
		},
		[]string{"outcome"}, // completed | failed
	)

	generationDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "vidgen_generation_duration_seconds",
			Help: "Wall time from dispatch to terminal state.",
			Buckets: []float64{
				15, 30, 60, 120, 300, 600, 1200, 1800,
			},
		},
		[]string{"outcome"},
	)

	creditsConsumed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vidgen_credits_consumed_total",
		Help: "Credits debited from user accounts.",
	})

	creditsGranted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vidgen_credits_granted_total",
		Help: "Credits added to user accounts by any means.",
	})

	urlsInvalidated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vidgen_video_urls_invalidated_total",
		Help: "Cached signed URLs marked invalid by the expiry sweep.",
	})

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		generations,
		generationDuration,
		creditsConsumed,
		creditsGranted,
		urlsInvalidated,
	)

	return &Metrics{
		registry:           registry,
		generations:        generations,
		generationDuration: generationDuration,
		creditsConsumed:    creditsConsumed,
		creditsGranted:     creditsGranted,
		urlsInvalidated:    urlsInvalidated,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// GenerationFinished records one terminal generation.
func (m *Metrics) GenerationFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(outcome).Inc()
	m.generationDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// URLsInvalidated records the result of an expiry sweep.
func (m *Metrics) URLsInvalidated(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.urlsInvalidated.Add(float64(count))
}

// CreditsConsumed records a debit.
func (m *Metrics) CreditsConsumed(amount int) {
	if m == nil || amount <= 0 {
		return
	}
	m.creditsConsumed.Add(float64(amount))
}

// CreditsGranted records a credit.
func (m *Metrics) CreditsGranted(amount int) {
	if m == nil || amount <= 0 {
		return
	}
	m.creditsGranted.Add(float64(amount))
}
