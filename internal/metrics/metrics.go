// Package metrics exposes the Prometheus collectors of the analysis pipeline.
package metrics

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mindmesh"

// Metrics groups the pipeline collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	turns          *prometheus.CounterVec
	turnDuration   prometheus.Histogram
	routerStages   *prometheus.CounterVec
	safetyFlags    *prometheus.CounterVec
	expertCalls    *prometheus.CounterVec
	expertDuration *prometheus.HistogramVec
	expertTokens   *prometheus.CounterVec
	gateRejections *prometheus.CounterVec
	fusionRules    *prometheus.CounterVec
	synthFailures  prometheus.Counter
	sessions       prometheus.Gauge
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the instance registered with the global registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNewMetrics registers the collectors with reg. Collectors that are
// already registered are reused; any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		turns: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "turns_total",
			Help:      "Analyzed turns by outcome.",
		}, []string{"outcome"})),
		turnDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "turn_duration_seconds",
			Help:      "End-to-end duration of Analyze.",
			Buckets:   prometheus.DefBuckets,
		})),
		routerStages: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "classifications_total",
			Help:      "Router decisions by stage and urgency.",
		}, []string{"stage", "urgency"})),
		safetyFlags: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "flags_total",
			Help:      "Safety gate hits by category.",
		}, []string{"category"})),
		expertCalls: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "experts",
			Name:      "calls_total",
			Help:      "Expert runs by expert and status.",
		}, []string{"expert", "status"})),
		expertDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "experts",
			Name:      "call_duration_seconds",
			Help:      "Duration of expert runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"expert"})),
		expertTokens: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "experts",
			Name:      "tokens_total",
			Help:      "Generator tokens consumed by expert runs.",
		}, []string{"expert"})),
		gateRejections: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fusion",
			Name:      "gate_rejections_total",
			Help:      "Expert results rejected by the confidence gate.",
		}, []string{"expert", "reason"})),
		fusionRules: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fusion",
			Name:      "rules_fired_total",
			Help:      "Fusion rules that fired, by rule and kind.",
		}, []string{"rule", "kind"})),
		synthFailures: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "synth",
			Name:      "failures_total",
			Help:      "Turn syntheses that failed and were dropped.",
		})),
		sessions: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "profiles",
			Name:      "sessions",
			Help:      "Session profiles currently cached.",
		})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Handler serves the collectors of g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveTurn records one Analyze call.
func (m *Metrics) ObserveTurn(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(d.Seconds())
}

// IncRouterStage counts a router decision.
func (m *Metrics) IncRouterStage(stage, urgency string) {
	if m == nil {
		return
	}
	m.routerStages.WithLabelValues(stage, urgency).Inc()
}

// IncSafetyFlag counts a safety gate hit.
func (m *Metrics) IncSafetyFlag(category string) {
	if m == nil {
		return
	}
	m.safetyFlags.WithLabelValues(category).Inc()
}

// ObserveExpert records one expert run.
func (m *Metrics) ObserveExpert(expert, status string, d time.Duration, tokens int) {
	if m == nil {
		return
	}
	m.expertCalls.WithLabelValues(expert, status).Inc()
	m.expertDuration.WithLabelValues(expert).Observe(d.Seconds())
	if tokens > 0 {
		m.expertTokens.WithLabelValues(expert).Add(float64(tokens))
	}
}

// IncGateRejection counts a result the confidence gate turned away.
func (m *Metrics) IncGateRejection(expert, reason string) {
	if m == nil {
		return
	}
	m.gateRejections.WithLabelValues(expert, reason).Inc()
}

// IncFusionRule counts a fired fusion rule.
func (m *Metrics) IncFusionRule(rule, kind string) {
	if m == nil {
		return
	}
	m.fusionRules.WithLabelValues(rule, kind).Inc()
}

// IncSynthFailure counts a dropped turn summary.
func (m *Metrics) IncSynthFailure() {
	if m == nil {
		return
	}
	m.synthFailures.Inc()
}

// SetSessions reports the number of cached session profiles.
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}
