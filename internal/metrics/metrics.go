// Package metrics defines the prometheus collectors of the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "smartclassroom"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	verifications   *prometheus.CounterVec
	matchDistance   prometheus.Histogram
	codeValidations *prometheus.CounterVec
	batchSize       prometheus.Histogram
	queueEvents     *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer to
// expose them on /metrics.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		verifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Attendance verifications by method and outcome.",
		}, []string{"method", "outcome"}),
		matchDistance: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "match_distance",
			Help:      "Distance of accepted face matches.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 1},
		}),
		codeValidations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "code_validations_total",
			Help:      "Rotating code checks by result.",
		}, []string{"result"}),
		batchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Images per batch verification.",
			Buckets:   []float64{1, 5, 10, 20, 30, 40, 50},
		}),
		queueEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_events_total",
			Help:      "Attendance events by queue operation and result.",
		}, []string{"op", "result"}),
	}
}

func (m *Metrics) Verification(method, outcome string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) MatchDistance(d float64) {
	if m == nil {
		return
	}
	m.matchDistance.Observe(d)
}

func (m *Metrics) CodeValidation(result string) {
	if m == nil {
		return
	}
	m.codeValidations.WithLabelValues(result).Inc()
}

func (m *Metrics) BatchSize(n int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(n))
}

func (m *Metrics) QueueEvent(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.queueEvents.WithLabelValues(op, result).Inc()
}
