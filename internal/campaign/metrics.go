package campaign

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	ChunksTotal      *prometheus.CounterVec
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration prometheus.Histogram
	CompletionsTotal *prometheus.CounterVec
	QueueFailures    prometheus.Counter
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChunksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_chunks_total",
				Help: "Chunk invocations by result",
			},
			[]string{"result"},
		),
		DispatchTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_dispatch_total",
				Help: "Outbound call dispatch attempts by outcome",
			},
			[]string{"outcome"},
		),
		DispatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "campaign_dispatch_duration_seconds",
			Help:    "Latency of provider call creation",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		CompletionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_call_completions_total",
				Help: "Call-completion signals by outcome and whether they were applied",
			},
			[]string{"outcome", "applied"},
		),
		QueueFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "campaign_queue_failures_total",
			Help: "Queues marked failed after a persistence error",
		}),
	}
}

func (m *Metrics) chunk(result string) {
	if m == nil {
		return
	}
	m.ChunksTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) dispatch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.DispatchDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) completion(outcome CallOutcome, applied bool) {
	if m == nil {
		return
	}
	a := "false"
	if applied {
		a = "true"
	}
	m.CompletionsTotal.WithLabelValues(string(outcome), a).Inc()
}

func (m *Metrics) queueFailed() {
	if m == nil {
		return
	}
	m.QueueFailures.Inc()
}
