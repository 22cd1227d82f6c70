package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the monitor exposes on
// /metrics, registered via promauto against the Registerer passed to
// NewMetrics; each monitor Server uses its own registry, so repeated
// instances do not collide on registration. Names and
// labels follow spec.md §4.6's metrics contract exactly, with no
// service-name prefix, since dashboards and alerts key off these literal
// names.
type Metrics struct {
	SettlementsTotal    *prometheus.CounterVec
	SettlementDuration  prometheus.Histogram
	SettlementsInFlight prometheus.Gauge
	SettlementsPending  prometheus.Gauge
	SourceHealthy       prometheus.Gauge
	DestinationHealthy  prometheus.Gauge
}

// NewMetrics registers and returns the monitor's metric collectors against
// reg. Pass prometheus.NewRegistry() in tests to avoid touching the global
// default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SettlementsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "settlements_total",
			Help: "Total settlements reaching a terminal outcome, labeled by result.",
		}, []string{"result"}),
		SettlementDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "settlement_duration_seconds",
			Help:    "Time from admission to terminal status.",
			Buckets: prometheus.DefBuckets,
		}),
		SettlementsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "settlements_in_flight",
			Help: "Current settlements in a non-terminal status.",
		}),
		SettlementsPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "settlements_pending",
			Help: "Current settlements still in Pending, not yet picked up for signing.",
		}),
		SourceHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "source_chain_healthy",
			Help: "1 if the source chain's last health probe succeeded, 0 otherwise.",
		}),
		DestinationHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "destination_chain_healthy",
			Help: "1 if the destination chain's last health probe succeeded, 0 otherwise.",
		}),
	}
}
