package vega

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for agent trees, budgets and the
// event bus. A nil *Metrics is valid and records nothing.
type Metrics struct {
	agentsLive       prometheus.Gauge
	agentsSpawned    prometheus.Counter
	agentsTerminated *prometheus.CounterVec
	budgetRejections *prometheus.CounterVec
	turns            *prometheus.CounterVec
	turnDuration     prometheus.Histogram
	consensusFails   *prometheus.CounterVec
	eventsPublished  *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	historyDropped   prometheus.Counter
}

// MustNewMetrics registers the collectors with reg. Collectors already
// registered by a previous call are reused, so several orchestrators can
// share one registry.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	const ns, sub = "vega", "agents"

	m := &Metrics{
		agentsLive: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: "live",
			Help: "Number of agent processes currently running.",
		})),
		agentsSpawned: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "spawned_total",
			Help: "Agent processes spawned, including restorations.",
		})),
		agentsTerminated: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "terminated_total",
			Help: "Agent processes terminated, by exit reason.",
		}, []string{"reason"})),
		budgetRejections: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "budget", Name: "rejections_total",
			Help: "Ledger operations rejected by the escrow invariant.",
		}, []string{"op"})),
		turns: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "turns_total",
			Help: "Agent turns, by outcome.",
		}, []string{"outcome"})),
		turnDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub, Name: "turn_duration_seconds",
			Help:    "Time spent waiting on the consensus engine per turn.",
			Buckets: prometheus.DefBuckets,
		})),
		consensusFails: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "consensus", Name: "failures_total",
			Help: "Consensus calls that failed, by kind.",
		}, []string{"kind"})),
		eventsPublished: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "events", Name: "published_total",
			Help: "Events published on the bus, by type.",
		}, []string{"type"})),
		eventsDropped: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "events", Name: "dropped_total",
			Help: "Events not delivered to a subscriber with a full buffer, by type.",
		}, []string{"type"})),
		historyDropped: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "history", Name: "dropped_total",
			Help: "Events not recorded in history because the record queue was full.",
		})),
	}
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// AgentSpawned records a spawn.
func (m *Metrics) AgentSpawned() {
	if m == nil {
		return
	}
	m.agentsSpawned.Inc()
	m.agentsLive.Inc()
}

// AgentTerminated records a process exit.
func (m *Metrics) AgentTerminated(reason ExitReason) {
	if m == nil {
		return
	}
	m.agentsTerminated.WithLabelValues(string(reason)).Inc()
	m.agentsLive.Dec()
}

// BudgetRejected records a ledger rejection for op.
func (m *Metrics) BudgetRejected(op string) {
	if m == nil {
		return
	}
	m.budgetRejections.WithLabelValues(op).Inc()
}

// Turn records the outcome of one agent turn.
func (m *Metrics) Turn(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(d.Seconds())
}

// ConsensusFailure records a failed consensus call.
func (m *Metrics) ConsensusFailure(err error) {
	if m == nil {
		return
	}
	kind := "error"
	switch {
	case errors.Is(err, ErrConsensusTimeout):
		kind = "timeout"
	case errors.Is(err, ErrNoModelsConfigured):
		kind = "no_models"
	case errors.Is(err, ErrAllModelsDeclined):
		kind = "declined"
	}
	m.consensusFails.WithLabelValues(kind).Inc()
}

// EventPublished records a publish.
func (m *Metrics) EventPublished(t EventType) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(string(t)).Inc()
}

// EventDropped records a delivery skipped for a slow subscriber.
func (m *Metrics) EventDropped(t EventType) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(string(t)).Inc()
}

// HistoryDropped records an event that did not make it into history.
func (m *Metrics) HistoryDropped() {
	if m == nil {
		return
	}
	m.historyDropped.Inc()
}
