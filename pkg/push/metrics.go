package push

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorboxd_push_enqueued_total",
		Help: "Total number of items enqueued for push delivery",
	},
		[]string{"topic"},
	)

	QueueFullTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorboxd_push_queue_full_total",
		Help: "Total number of items dropped because the push queue was full",
	},
		[]string{"topic"},
	)

	SentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorboxd_push_sent_total",
		Help: "Total number of push messages delivered to FCM",
	},
		[]string{"topic"},
	)

	SendErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorboxd_push_send_errors_total",
		Help: "Total number of push deliveries that failed and were dropped",
	},
		[]string{"topic"},
	)

	SuppressedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorboxd_push_suppressed_total",
		Help: "Total number of readings suppressed by the notification deduplicator",
	},
		[]string{"topic"},
	)
)
