package outbox

import "github.com/prometheus/client_golang/prometheus"

// Outcomes of a DLQ replay attempt.
const (
	replayProcessed   = "processed"
	replayRequeued    = "requeued"
	replayQuarantined = "quarantined"
	replayRetry       = "retry_scheduled"
)

var (
	deliveredCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Subsystem: "outbox",
		Name:      "events_delivered_total",
		Help:      "Attendance events published to Kafka, by topic and event type.",
	}, []string{"topic", "event_type"})

	failedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Subsystem: "outbox",
		Name:      "events_failed_total",
		Help:      "Attendance events whose batch failed to publish, by topic and event type.",
	}, []string{"topic", "event_type"})

	dlqCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Subsystem: "outbox",
		Name:      "events_dlq_total",
		Help:      "Attendance events parked in the dead-letter table, by topic and event type.",
	}, []string{"topic", "event_type"})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "attendance",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time spent claiming, delivering and marking one outbox batch.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	replayCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Subsystem: "dlq",
		Name:      "replay_total",
		Help:      "DLQ replay attempts by topic, event type and outcome.",
	}, []string{"topic", "event_type", "outcome"})

	dlqBacklogGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "attendance",
		Subsystem: "dlq",
		Name:      "queued_messages",
		Help:      "Unquarantined DLQ entries per topic.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(deliveredCounter, failedCounter, dlqCounter, batchDuration, replayCounter, dlqBacklogGauge)
}

func recordDelivered(messages []Message) {
	for _, msg := range messages {
		deliveredCounter.WithLabelValues(msg.Topic, msg.EventType).Inc()
	}
}

func recordFailed(messages []Message) {
	for _, msg := range messages {
		failedCounter.WithLabelValues(msg.Topic, msg.EventType).Inc()
	}
}

func recordReplay(entry dlqEntry, outcome string) {
	replayCounter.WithLabelValues(entry.Topic, entry.EventType, outcome).Inc()
}
