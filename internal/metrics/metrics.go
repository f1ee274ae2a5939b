package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ActiveConnections  prometheus.Gauge
	QueuedEnvelopes    prometheus.Gauge
	DeliveredEnvelopes prometheus.Counter
	DroppedEnvelopes   prometheus.Counter
	FailedSends        prometheus.Counter
}

func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "notifier_active_connections",
			Help: "Number of live websocket connections.",
		}),
		QueuedEnvelopes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "notifier_offline_queued_envelopes",
			Help: "Envelopes currently buffered for offline users.",
		}),
		DeliveredEnvelopes: factory.NewCounter(prometheus.CounterOpts{
			Name: "notifier_delivered_envelopes_total",
			Help: "Envelopes written to a connection.",
		}),
		DroppedEnvelopes: factory.NewCounter(prometheus.CounterOpts{
			Name: "notifier_dropped_envelopes_total",
			Help: "Envelopes evicted from a full offline queue.",
		}),
		FailedSends: factory.NewCounter(prometheus.CounterOpts{
			Name: "notifier_failed_sends_total",
			Help: "Transport writes that failed and triggered a disconnect.",
		}),
	}
}
