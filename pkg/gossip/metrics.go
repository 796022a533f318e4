package gossip

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds gossip's Prometheus collectors on an isolated registry, so
// multiple Gossip instances (e.g. in tests) never collide on the default
// registry.
type Metrics struct {
	Registry *prometheus.Registry

	MessagesPublished *prometheus.CounterVec
	DuplicatesDropped prometheus.Counter
	SignatureFailures prometheus.Counter
	RateLimitDenials  *prometheus.CounterVec
	ForwardsTotal     prometheus.Counter
	ForwardsFailed    prometheus.Counter
	MeshSize          prometheus.Gauge
}

// NewMetrics creates a Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dchat_gossip_messages_published_total",
				Help: "Total messages originated locally via Broadcast.",
			},
			[]string{"mode"},
		),
		DuplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dchat_gossip_duplicates_dropped_total",
			Help: "Total inbound messages dropped as duplicates.",
		}),
		SignatureFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dchat_gossip_signature_failures_total",
			Help: "Total inbound messages dropped for signature verification failure.",
		}),
		RateLimitDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dchat_gossip_rate_limit_denials_total",
				Help: "Total messages denied by flood control.",
			},
			[]string{"direction"},
		),
		ForwardsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dchat_gossip_forwards_total",
			Help: "Total messages successfully forwarded to another peer.",
		}),
		ForwardsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dchat_gossip_forwards_failed_total",
			Help: "Total forward attempts that failed to send.",
		}),
		MeshSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dchat_gossip_mesh_size",
			Help: "Current size of the preferred-forwarding mesh.",
		}),
	}

	reg.MustRegister(
		m.MessagesPublished,
		m.DuplicatesDropped,
		m.SignatureFailures,
		m.RateLimitDenials,
		m.ForwardsTotal,
		m.ForwardsFailed,
		m.MeshSize,
	)
	return m
}
