// Package metrics exposes Prometheus instruments for the job pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels one handled queue message.
type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeFailed        Outcome = "failed"
	OutcomeDiscarded     Outcome = "discarded"
	OutcomeMalformedID   Outcome = "malformed_id"
	OutcomeUnavailable   Outcome = "store_unavailable"
	OutcomeNotFound      Outcome = "not_found"
	OutcomeUnrecoverable Outcome = "unrecoverable"
)

type Metrics struct {
	messages  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	ackErrors prometheus.Counter
}

// New registers the pipeline instruments with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wordcount_messages_total",
			Help: "Queue messages handled, by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wordcount_job_duration_seconds",
			Help:    "Time from dequeue to terminal write, by final status.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"status"}),
		ackErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wordcount_ack_errors_total",
			Help: "Queue acknowledgements that returned an error.",
		}),
	}
	reg.MustRegister(m.messages, m.duration, m.ackErrors)
	return m
}

// Nop returns instruments registered nowhere.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}

func (m *Metrics) Message(o Outcome) {
	m.messages.WithLabelValues(string(o)).Inc()
}

func (m *Metrics) JobDuration(status string, d time.Duration) {
	m.duration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) AckError() {
	m.ackErrors.Inc()
}

// Handler serves the exposition format for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
