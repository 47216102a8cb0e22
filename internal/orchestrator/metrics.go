package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/waggletail/dispatch/internal/notify"
)

var (
	metricSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_messages_sent_total",
		Help: "Messages accepted by a provider, by channel.",
	}, []string{"channel"})

	metricFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_messages_failed_total",
		Help: "Messages a provider rejected or errored on, by channel.",
	}, []string{"channel"})

	metricSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_messages_suppressed_total",
		Help: "Messages suppressed by user preferences, by channel.",
	}, []string{"channel"})

	metricEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_messages_enqueued_total",
		Help: "Messages placed on the priority queue, by channel.",
	}, []string{"channel"})

	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_queue_depth",
		Help: "Items currently pending in the priority queue.",
	})
)

func observeSent(ch notify.Channel)       { metricSent.WithLabelValues(string(ch)).Inc() }
func observeFailed(ch notify.Channel)     { metricFailed.WithLabelValues(string(ch)).Inc() }
func observeSuppressed(ch notify.Channel) { metricSuppressed.WithLabelValues(string(ch)).Inc() }
func observeEnqueued(ch notify.Channel)   { metricEnqueued.WithLabelValues(string(ch)).Inc() }
func observeQueueDepth(depth int64)       { metricQueueDepth.Set(float64(depth)) }
