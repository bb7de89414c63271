// Package metrics holds the service's Prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/types"
)

const namespace = "atlas"

type Metrics struct {
	TurnsTotal     *prometheus.CounterVec
	TurnDuration   *prometheus.HistogramVec
	ToolCallsTotal *prometheus.CounterVec
	ToolDuration   *prometheus.HistogramVec
	TokensTotal    *prometheus.CounterVec
	CostUSDTotal   *prometheus.CounterVec
	ClosedIdle     prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TurnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "orchestrator",
				Name:      "turns_total",
				Help:      "Conversation turns by reply source and outcome",
			},
			[]string{"source", "outcome"},
		),
		TurnDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "orchestrator",
				Name:      "turn_duration_seconds",
				Help:      "Turn processing time in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"source"},
		),
		ToolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tools",
				Name:      "calls_total",
				Help:      "Tool invocations by tool and outcome",
			},
			[]string{"tool_name", "outcome"},
		),
		ToolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "tools",
				Name:      "duration_seconds",
				Help:      "Tool execution duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"tool_name"},
		),
		TokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "usage",
				Name:      "tokens_total",
				Help:      "Metered model tokens by model and kind",
			},
			[]string{"model", "kind"},
		),
		CostUSDTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "usage",
				Name:      "cost_usd_total",
				Help:      "Metered model cost in USD by organization",
			},
			[]string{"organization_id"},
		),
		ClosedIdle: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "conversations_closed_idle_total",
				Help:      "Conversations closed for inactivity",
			},
		),
	}
	reg.MustRegister(
		m.TurnsTotal,
		m.TurnDuration,
		m.ToolCallsTotal,
		m.ToolDuration,
		m.TokensTotal,
		m.CostUSDTotal,
		m.ClosedIdle,
	)
	return m
}

// RecordTurn counts a finished turn. outcome is "ok" or the failing phase.
func (m *Metrics) RecordTurn(source types.Source, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	if source == "" {
		source = "none"
	}
	m.TurnsTotal.WithLabelValues(string(source), outcome).Inc()
	m.TurnDuration.WithLabelValues(string(source)).Observe(d.Seconds())
}

func (m *Metrics) RecordToolCall(name string, outcome types.ToolOutcome, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(name, string(outcome)).Inc()
	m.ToolDuration.WithLabelValues(name).Observe(d.Seconds())
}

// RecordUsage adds a newly written usage record.
func (m *Metrics) RecordUsage(rec *types.UsageRecord) {
	if m == nil || rec == nil {
		return
	}
	m.TokensTotal.WithLabelValues(rec.Model, "prompt").Add(float64(rec.PromptTokens))
	m.TokensTotal.WithLabelValues(rec.Model, "completion").Add(float64(rec.CompletionTokens))
	cost, _ := rec.CostUSD.Float64()
	m.CostUSDTotal.WithLabelValues(string(rec.OrganizationID)).Add(cost)
}

func (m *Metrics) RecordClosedIdle(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.ClosedIdle.Add(float64(n))
}
