package metrics

import "github.com/prometheus/client_golang/prometheus"

// GatewayMetrics covers client connections, handshakes and inbound operations.
type GatewayMetrics struct {
	ActiveConnections *prometheus.GaugeVec
	Handshakes        *prometheus.CounterVec
	Rejections        *prometheus.CounterVec
	Operations        *prometheus.CounterVec
	EventsPushed      prometheus.Counter
	SlowEvictions     prometheus.Counter
	SendDuration      prometheus.Histogram
}

func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	m := &GatewayMetrics{
		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "active_connections",
			Help:      "Number of authenticated client connections by transport.",
		}, []string{"transport"}),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "handshakes_total",
			Help:      "Handshake outcomes (success, missing_token, invalid_token, validator_error, timeout).",
		}, []string{"result"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "admission_rejections_total",
			Help:      "Connections rejected before upgrade by limit reason.",
		}, []string{"reason"}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "operations_total",
			Help:      "Inbound client operations by op and result.",
		}, []string{"op", "result"}),
		EventsPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "events_pushed_total",
			Help:      "Events enqueued to client connections.",
		}),
		SlowEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "slow_client_evictions_total",
			Help:      "Connections closed because their send buffer was full.",
		}),
		SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "frame_send_duration_seconds",
			Help:      "Time spent writing a frame to a WebSocket.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}),
	}

	reg.MustRegister(m.ActiveConnections, m.Handshakes, m.Rejections, m.Operations,
		m.EventsPushed, m.SlowEvictions, m.SendDuration)
	return m
}
