package metrics

import "github.com/prometheus/client_golang/prometheus"

// StoreMetrics covers Redis operations, circuit breakers and session lookups.
type StoreMetrics struct {
	RedisOps            *prometheus.CounterVec
	RedisOpDuration     *prometheus.HistogramVec
	RedisConnErrors     prometheus.Counter
	CircuitState        *prometheus.GaugeVec
	CircuitTransitions  *prometheus.CounterVec
	SessionLookups      *prometheus.CounterVec
	PresenceSyncs       *prometheus.CounterVec
	PresenceOnlineUsers prometheus.Gauge
	PresencePurged      prometheus.Counter
	PresenceDropped     *prometheus.CounterVec
	DBQueryDuration     *prometheus.HistogramVec
	DBErrors            *prometheus.CounterVec
}

func NewStoreMetrics(reg prometheus.Registerer) *StoreMetrics {
	m := &StoreMetrics{
		RedisOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operations_total",
			Help:      "Redis commands by name and status.",
		}, []string{"operation", "status"}),
		RedisOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operation_duration_seconds",
			Help:      "Redis command latency.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		}, []string{"operation"}),
		RedisConnErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "connection_errors_total",
			Help:      "Failed Redis dials.",
		}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"component"}),
		CircuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "state_changes_total",
			Help:      "Circuit breaker transitions by target state.",
		}, []string{"component", "to"}),
		SessionLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "lookups_total",
			Help:      "Session token lookups by source (cache, database) and result.",
		}, []string{"source", "result"}),
		PresenceSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "syncs_total",
			Help:      "Presence store writes by kind and status.",
		}, []string{"kind", "status"}),
		PresenceOnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "local_users",
			Help:      "Distinct users with at least one connection on this instance.",
		}),
		PresencePurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "purged_instances_total",
			Help:      "Presence sets of dead instances removed by the janitor.",
		}),
		PresenceDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "dropped_events_total",
			Help:      "Registry hook events the presence tracker could not queue, by reason.",
		}, []string{"reason"}),
		DBQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Postgres query latency by statement verb.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5},
		}, []string{"query"}),
		DBErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "errors_total",
			Help:      "Failed Postgres queries by statement verb.",
		}, []string{"query"}),
	}

	reg.MustRegister(m.RedisOps, m.RedisOpDuration, m.RedisConnErrors, m.CircuitState, m.CircuitTransitions,
		m.SessionLookups, m.PresenceSyncs, m.PresenceOnlineUsers, m.PresencePurged, m.PresenceDropped,
		m.DBQueryDuration, m.DBErrors)
	return m
}
