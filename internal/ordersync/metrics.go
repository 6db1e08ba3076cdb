package ordersync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agentworkforce/orderdesk/internal/cachestore"
	"github.com/agentworkforce/orderdesk/internal/orders"
)

const metricsNamespace = "orderdesk"

// Metrics counts what the coordinators do. A nil *Metrics records nothing.
// Labels carry the viewer scope (cache key prefix) so several coordinators
// can share one instance.
type Metrics struct {
	ActionsTotal             *prometheus.CounterVec
	RecordsDroppedTotal      *prometheus.CounterVec
	InvariantViolationsTotal *prometheus.CounterVec
	MigrationsTotal          *prometheus.CounterVec
	CacheWriteFailuresTotal  *prometheus.CounterVec
	LostUpdatesTotal         *prometheus.CounterVec
	RecoveredPanicsTotal     *prometheus.CounterVec
	FetchErrorsTotal         *prometheus.CounterVec
	PartitionSize            *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "actions_total",
			Help:      "Actions applied by sync coordinators.",
		}, []string{"scope", "action"}),
		RecordsDroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_dropped_total",
			Help:      "Order records dropped as malformed.",
		}, []string{"scope", "reason"}),
		InvariantViolationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "invariant_violations_total",
			Help:      "Incoming orders whose completion tracking is inconsistent.",
		}, []string{"scope"}),
		MigrationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "partition_migrations_total",
			Help:      "Orders moved between partitions.",
		}, []string{"scope", "from", "to"}),
		CacheWriteFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_write_failures_total",
			Help:      "Cache writes that did not reach the backend.",
		}, []string{"key"}),
		LostUpdatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_lost_updates_total",
			Help:      "Cache writes that overwrote contents written by another tab.",
		}, []string{"key"}),
		RecoveredPanicsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "recovered_panics_total",
			Help:      "Actions rolled back after a panic.",
		}, []string{"scope", "action"}),
		FetchErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fetch_errors_total",
			Help:      "Failed refreshes from the order source.",
		}, []string{"scope", "partition"}),
		PartitionSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "partition_orders",
			Help:      "Orders held in memory per partition.",
		}, []string{"scope", "partition"}),
	}
}

// CacheHooks routes cache observations into the metrics.
func (m *Metrics) CacheHooks() cachestore.Hooks {
	if m == nil {
		return cachestore.Hooks{}
	}
	return cachestore.Hooks{
		OnDropped: func(key string, n int) {
			m.RecordsDroppedTotal.WithLabelValues(key, "cache").Add(float64(n))
		},
		OnWriteFailure: func(key string, err error) {
			m.CacheWriteFailuresTotal.WithLabelValues(key).Inc()
		},
		OnLostUpdate: func(key string, known, found uint64) {
			m.LostUpdatesTotal.WithLabelValues(key).Inc()
		},
	}
}

func (m *Metrics) action(scope string, kind ActionKind) {
	if m == nil {
		return
	}
	m.ActionsTotal.WithLabelValues(scope, kind.String()).Inc()
}

func (m *Metrics) dropped(scope, reason string) {
	if m == nil {
		return
	}
	m.RecordsDroppedTotal.WithLabelValues(scope, reason).Inc()
}

func (m *Metrics) invariant(scope string) {
	if m == nil {
		return
	}
	m.InvariantViolationsTotal.WithLabelValues(scope).Inc()
}

func (m *Metrics) migration(scope string, from, to orders.Partition) {
	if m == nil {
		return
	}
	m.MigrationsTotal.WithLabelValues(scope, string(from), string(to)).Inc()
}

func (m *Metrics) recovered(scope string, kind ActionKind) {
	if m == nil {
		return
	}
	m.RecoveredPanicsTotal.WithLabelValues(scope, kind.String()).Inc()
}

func (m *Metrics) fetchError(scope string, p orders.Partition) {
	if m == nil {
		return
	}
	m.FetchErrorsTotal.WithLabelValues(scope, string(p)).Inc()
}

func (m *Metrics) sizes(scope string, live, past int) {
	if m == nil {
		return
	}
	m.PartitionSize.WithLabelValues(scope, string(orders.PartitionLive)).Set(float64(live))
	m.PartitionSize.WithLabelValues(scope, string(orders.PartitionPast)).Set(float64(past))
}
