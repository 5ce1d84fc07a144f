package metrics

import "github.com/prometheus/client_golang/prometheus"

// BrokerMetrics covers the AMQP bridge and the local dispatcher.
type BrokerMetrics struct {
	Connected       prometheus.Gauge
	Reconnects      prometheus.Counter
	Published       *prometheus.CounterVec
	PublishFailures *prometheus.CounterVec
	Consumed        prometheus.Counter
	Rejected        prometheus.Counter
	Duplicates      prometheus.Counter
	Delivered       prometheus.Counter
	DeliveryMisses  prometheus.Counter
	DispatchPanics  prometheus.Counter
	DirectBindings  prometheus.Gauge
}

func NewBrokerMetrics(reg prometheus.Registerer) *BrokerMetrics {
	m := &BrokerMetrics{
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "connected",
			Help:      "1 while the broker connection and topology are up.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "reconnects_total",
			Help:      "Successful broker reconnections after a lost connection.",
		}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "published_total",
			Help:      "Envelopes confirmed by the broker by event type.",
		}, []string{"event_type"}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "publish_failures_total",
			Help:      "Failed publishes by reason (unavailable, nack, error).",
		}, []string{"reason"}),
		Consumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "consumed_total",
			Help:      "Deliveries received from the gateway queue.",
		}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "rejected_total",
			Help:      "Deliveries dropped because they could not be decoded.",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "duplicates_total",
			Help:      "Envelopes ignored because their id was seen within the dedup window.",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "delivered_total",
			Help:      "Envelope pushes to local connections.",
		}),
		DeliveryMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "delivery_miss_total",
			Help:      "Envelopes with no local recipient.",
		}),
		DispatchPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "dispatch_panics_total",
			Help:      "Panics recovered while dispatching a delivery.",
		}),
		DirectBindings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "direct_bindings",
			Help:      "Per-user bindings held on the direct exchange.",
		}),
	}

	reg.MustRegister(m.Connected, m.Reconnects, m.Published, m.PublishFailures, m.Consumed, m.Rejected,
		m.Duplicates, m.Delivered, m.DeliveryMisses, m.DispatchPanics, m.DirectBindings)
	return m
}
