// Package metrics exposes the bot's Prometheus collectors on a
// private registry.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the bot reports.
type Metrics struct {
	registry *prometheus.Registry

	Ticks            prometheus.Counter
	TickErrors       *prometheus.CounterVec
	RegimeChecks     prometheus.Counter
	RegimeSwitches   prometheus.Counter
	CurrentRegime    *prometheus.GaugeVec
	RegimeConfidence prometheus.Gauge
	Transitions      *prometheus.CounterVec
	ActiveStrategies prometheus.Gauge
	InstanceHealth   *prometheus.GaugeVec
	Restarts         prometheus.Counter
	SignalsGenerated *prometheus.CounterVec
	OrdersPlaced     *prometheus.CounterVec

	mu         sync.Mutex
	lastRegime string
}

// New builds the collector set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		Ticks: factory.NewCounter(prometheus.CounterOpts{
			Name: "regimebot_ticks_total",
			Help: "Control loop ticks executed",
		}),
		TickErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regimebot_tick_errors_total",
			Help: "Transient step failures by step name",
		}, []string{"step"}),
		RegimeChecks: factory.NewCounter(prometheus.CounterOpts{
			Name: "regimebot_regime_checks_total",
			Help: "Regime classifications performed",
		}),
		RegimeSwitches: factory.NewCounter(prometheus.CounterOpts{
			Name: "regimebot_regime_switches_total",
			Help: "Observed regime label changes",
		}),
		CurrentRegime: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "regimebot_current_regime",
			Help: "Active regime label (1 for the current regime)",
		}, []string{"regime"}),
		RegimeConfidence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "regimebot_regime_confidence",
			Help: "Confidence of the latest classification",
		}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regimebot_transitions_total",
			Help: "Strategy-set transitions by terminal state",
		}, []string{"state"}),
		ActiveStrategies: factory.NewGauge(prometheus.GaugeOpts{
			Name: "regimebot_active_strategies",
			Help: "Strategy instances currently active",
		}),
		InstanceHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "regimebot_instance_health",
			Help: "Instance health severity (0 healthy, 3 critical)",
		}, []string{"instance"}),
		Restarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "regimebot_restarts_total",
			Help: "Automatic instance restarts attempted",
		}),
		SignalsGenerated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regimebot_signals_total",
			Help: "Signals generated by strategy type",
		}, []string{"strategy"}),
		OrdersPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regimebot_orders_total",
			Help: "Orders placed by side",
		}, []string{"side"}),
	}
}

// SetRegime flips the regime gauge to the given label.
func (m *Metrics) SetRegime(regime string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastRegime != "" && m.lastRegime != regime {
		m.CurrentRegime.WithLabelValues(m.lastRegime).Set(0)
	}
	m.CurrentRegime.WithLabelValues(regime).Set(1)
	m.lastRegime = regime
}

// SetInstanceHealth records an instance's severity rank.
func (m *Metrics) SetInstanceHealth(instance string, severity int) {
	m.InstanceHealth.WithLabelValues(instance).Set(float64(severity))
}

// DropInstance removes a pruned instance's health series.
func (m *Metrics) DropInstance(instance string) {
	m.InstanceHealth.DeleteLabelValues(instance)
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
