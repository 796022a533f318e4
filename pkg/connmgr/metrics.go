package connmgr

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds connmgr's Prometheus collectors on an isolated registry, so
// multiple Manager instances (e.g. in tests) never collide on the default
// registry.
type Metrics struct {
	Registry *prometheus.Registry

	ActiveConnections prometheus.Gauge
	DialTotal         *prometheus.CounterVec
	PrunedTotal       prometheus.Counter
	HealthCheckFailed prometheus.Counter
	ReconnectTotal    *prometheus.CounterVec
	PathUpgrades      prometheus.Counter
}

// NewMetrics creates a Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dchat_connmgr_active_connections",
			Help: "Current number of managed connections.",
		}),
		DialTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dchat_connmgr_dial_total",
				Help: "Total dial attempts by outcome.",
			},
			[]string{"result"},
		),
		PrunedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dchat_connmgr_pruned_total",
			Help: "Total connections pruned by the pool policy.",
		}),
		HealthCheckFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dchat_connmgr_health_check_failed_total",
			Help: "Total individual PING/PONG health check failures.",
		}),
		ReconnectTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dchat_connmgr_reconnect_total",
				Help: "Total reconnection attempts by outcome.",
			},
			[]string{"result"},
		),
		PathUpgrades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dchat_connmgr_path_upgrades_total",
			Help: "Total TURN-relayed connections upgraded to a direct path.",
		}),
	}
	reg.MustRegister(
		m.ActiveConnections,
		m.DialTotal,
		m.PrunedTotal,
		m.HealthCheckFailed,
		m.ReconnectTotal,
		m.PathUpgrades,
	)
	return m
}
