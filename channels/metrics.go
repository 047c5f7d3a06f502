package channels

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats receives metrics events from the adapter.
type Stats interface {
	// MessageSent records an outbound publish to a channel.
	MessageSent(channel string)

	// MessageReceived records an inbound delivery on a channel.
	MessageReceived(channel string)

	// IncActive and DecActive track messages whose handler is running.
	IncActive(channel string)
	DecActive(channel string)

	// ObserveProcessing records how long a handler invocation took.
	ObserveProcessing(channel string, d time.Duration)

	// Error records a failed handler invocation.
	Error(channel string)

	// Retry records a message rerouted into the retry queue.
	Retry(channel string)

	// DeadLettered records a message routed to the dead-letter queue.
	DeadLettered(channel string)
}

// NopStats discards all metrics events.
type NopStats struct{}

func (NopStats) MessageSent(string)                       {}
func (NopStats) MessageReceived(string)                   {}
func (NopStats) IncActive(string)                         {}
func (NopStats) DecActive(string)                         {}
func (NopStats) ObserveProcessing(string, time.Duration)  {}
func (NopStats) Error(string)                             {}
func (NopStats) Retry(string)                             {}
func (NopStats) DeadLettered(string)                      {}

// PrometheusStats implements Stats with Prometheus collectors, labelled
// by channel.
type PrometheusStats struct {
	sent        *prometheus.CounterVec
	received    *prometheus.CounterVec
	active      *prometheus.GaugeVec
	processing  *prometheus.HistogramVec
	errors      *prometheus.CounterVec
	retries     *prometheus.CounterVec
	deadLetters *prometheus.CounterVec
}

// NewPrometheusStats creates the collectors and registers them with reg.
// Pass prometheus.DefaultRegisterer for the process-wide registry.
func NewPrometheusStats(reg prometheus.Registerer) *PrometheusStats {
	s := &PrometheusStats{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chanmq_messages_sent_total",
			Help: "Messages published to a channel.",
		}, []string{"channel"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chanmq_messages_total",
			Help: "Messages received on a channel.",
		}, []string{"channel"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chanmq_messages_active",
			Help: "Messages currently being processed.",
		}, []string{"channel"}),
		processing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chanmq_message_processing_seconds",
			Help:    "Handler processing time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chanmq_errors_total",
			Help: "Failed handler invocations.",
		}, []string{"channel"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chanmq_retries_total",
			Help: "Messages rerouted into the retry queue.",
		}, []string{"channel"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chanmq_dead_lettered_total",
			Help: "Messages routed to the dead-letter queue.",
		}, []string{"channel"}),
	}

	reg.MustRegister(s.sent, s.received, s.active, s.processing, s.errors, s.retries, s.deadLetters)
	return s
}

func (s *PrometheusStats) MessageSent(channel string) {
	s.sent.WithLabelValues(channel).Inc()
}

func (s *PrometheusStats) MessageReceived(channel string) {
	s.received.WithLabelValues(channel).Inc()
}

func (s *PrometheusStats) IncActive(channel string) {
	s.active.WithLabelValues(channel).Inc()
}

func (s *PrometheusStats) DecActive(channel string) {
	s.active.WithLabelValues(channel).Dec()
}

func (s *PrometheusStats) ObserveProcessing(channel string, d time.Duration) {
	s.processing.WithLabelValues(channel).Observe(d.Seconds())
}

func (s *PrometheusStats) Error(channel string) {
	s.errors.WithLabelValues(channel).Inc()
}

func (s *PrometheusStats) Retry(channel string) {
	s.retries.WithLabelValues(channel).Inc()
}

func (s *PrometheusStats) DeadLettered(channel string) {
	s.deadLetters.WithLabelValues(channel).Inc()
}
