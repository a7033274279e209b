package consumer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeHandled   = "handled"
	outcomeFailed    = "handler_error"
	outcomeMalformed = "malformed"
)

var (
	messagesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthsync",
		Subsystem: "consumer",
		Name:      "messages_total",
		Help:      "Kafka records seen by the consumer, by topic and outcome.",
	}, []string{"topic", "outcome"})

	handleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "healthsync",
		Subsystem: "consumer",
		Name:      "handle_duration_seconds",
		Help:      "Handler latency per topic, retries included.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"topic"})

	eventAgeGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "healthsync",
		Subsystem: "consumer",
		Name:      "last_event_age_seconds",
		Help:      "Age of the most recently handled record when it was handled.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(messagesCounter, handleDuration, eventAgeGauge)
}

func observeHandled(msg Message, took time.Duration, now time.Time) {
	messagesCounter.WithLabelValues(msg.Topic, outcomeHandled).Inc()
	handleDuration.WithLabelValues(msg.Topic).Observe(took.Seconds())
	if !msg.Timestamp.IsZero() {
		eventAgeGauge.WithLabelValues(msg.Topic).Set(now.Sub(msg.Timestamp).Seconds())
	}
}
