package events

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/umputun/comment-gate/lib/submission"
)

// Metrics counts submission outcomes and measures how long a submission takes to decide.
// Each instance has its own registry, so multiple instances (e.g. in tests) don't collide.
type Metrics struct {
	registry   *prometheus.Registry
	decisions  *prometheus.CounterVec
	remote     prometheus.Counter
	processing prometheus.Gauge
	latency    prometheus.Histogram

	mu      sync.Mutex
	started time.Time
	now     func() time.Time
}

// NewMetrics makes metrics renderer with a fresh registry including go and process collectors
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		now:      time.Now,
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comment_gate",
			Name:      "submissions_total",
			Help:      "Number of finished submissions by outcome.",
		}, []string{"outcome"}),
		remote: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "comment_gate",
			Name:      "remote_messages_total",
			Help:      "Number of messages received from other participants.",
		}),
		processing: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "comment_gate",
			Name:      "processing",
			Help:      "1 if a submission is being processed, 0 if idle.",
		}),
		latency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "comment_gate",
			Name:      "inference_duration_seconds",
			Help:      "Time from submit to decision, including model load on first use.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}
}

// Render updates metrics for the event
func (m *Metrics) Render(ev submission.Event) {
	switch ev.Kind {
	case submission.EventProcessing:
		m.mu.Lock()
		m.started = m.now()
		m.mu.Unlock()
		m.processing.Set(1)
	case submission.EventAccepted, submission.EventRejected, submission.EventFailed:
		m.decisions.WithLabelValues(ev.Kind.String()).Inc()
		m.mu.Lock()
		if !m.started.IsZero() {
			m.latency.Observe(m.now().Sub(m.started).Seconds())
			m.started = time.Time{}
		}
		m.mu.Unlock()
	case submission.EventIdle:
		m.processing.Set(0)
	case submission.EventRemote:
		m.remote.Inc()
	}
}

// Handler returns http handler exposing collected metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
