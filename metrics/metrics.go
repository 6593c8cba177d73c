package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder records worker metrics. Metrics is the Prometheus implementation, NoopMetrics the disabled one.
type Recorder interface {
	// Token lifecycle. source is "cache" or "refresh".
	RecordTokenServed(source string)
	RecordTokenRefresh(success bool, duration time.Duration)
	RecordTokenRotation(success bool)

	// Queue consumption. result is "ok" or "failed".
	RecordMessage(eventType, result string, duration time.Duration)
	RecordReceiveError()
	RecordDeadLetter()
}

// Ensure Metrics implements Recorder interface at compile time
var _ Recorder = (*Metrics)(nil)

// Metrics holds the Prometheus collectors for the worker.
type Metrics struct {
	registry *prometheus.Registry

	TokensServedTotal    *prometheus.CounterVec
	TokenRefreshTotal    *prometheus.CounterVec
	TokenRefreshDuration prometheus.Histogram
	TokenRotationTotal   *prometheus.CounterVec

	MessagesTotal      *prometheus.CounterVec
	MessageDuration    *prometheus.HistogramVec
	ReceiveErrorsTotal prometheus.Counter
	DeadLetteredTotal  prometheus.Counter
}

// Init returns Prometheus-backed metrics when enabled and NoopMetrics otherwise.
func Init(enabled bool) Recorder {
	if !enabled {
		return NewNoopMetrics()
	}

	return New(prometheus.NewRegistry())
}

// New registers the collectors on reg, along with the Go and process collectors.
func New(reg *prometheus.Registry) *Metrics {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TokensServedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onedrive_access_tokens_served_total",
				Help: "Access tokens handed out, by where they came from",
			},
			[]string{"source"}, // cache, refresh
		),
		TokenRefreshTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onedrive_token_refresh_total",
				Help: "Refresh token exchanges against the provider",
			},
			[]string{"result"}, // success, error
		),
		TokenRefreshDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "onedrive_token_refresh_duration_seconds",
				Help:    "Time spent on the provider token endpoint",
				Buckets: prometheus.DefBuckets,
			},
		),
		TokenRotationTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onedrive_refresh_token_rotations_total",
				Help: "Rotated refresh tokens persisted",
			},
			[]string{"result"}, // success, error
		),

		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queue_messages_processed_total",
				Help: "Queue messages handled, by event type and result",
			},
			[]string{"event_type", "result"},
		),
		MessageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "queue_message_duration_seconds",
				Help:    "Time spent handling one queue message",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event_type"},
		),
		ReceiveErrorsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "queue_receive_errors_total",
				Help: "Failed receive calls against the queue",
			},
		),
		DeadLetteredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "queue_messages_dead_lettered_total",
				Help: "Malformed messages moved to the dead-letter queue",
			},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordTokenServed(source string) {
	m.TokensServedTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordTokenRefresh(success bool, duration time.Duration) {
	m.TokenRefreshTotal.WithLabelValues(result(success)).Inc()
	m.TokenRefreshDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordTokenRotation(success bool) {
	m.TokenRotationTotal.WithLabelValues(result(success)).Inc()
}

func (m *Metrics) RecordMessage(eventType, res string, duration time.Duration) {
	m.MessagesTotal.WithLabelValues(eventType, res).Inc()
	m.MessageDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordReceiveError() {
	m.ReceiveErrorsTotal.Inc()
}

func (m *Metrics) RecordDeadLetter() {
	m.DeadLetteredTotal.Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}

	return "error"
}
