// Package metrics defines the agent's Prometheus collectors and the metrics
// HTTP handler. Label values are drawn from bounded enums only.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CyclesTotal counts completed OODA cycles by terminal phase.
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_cycles_total",
		Help: "Completed agent cycles by the phase the cycle ended in.",
	}, []string{"phase"})

	// DecisionsTotal counts ensemble decisions by action.
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_decisions_total",
		Help: "Ensemble decisions by action.",
	}, []string{"action"})

	// RiskRejectionsTotal counts gatekeeper rejections by reason code.
	RiskRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_risk_rejections_total",
		Help: "Risk gatekeeper rejections by reason code.",
	}, []string{"reason"})

	// ExecutionsTotal counts execution attempts by result.
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_executions_total",
		Help: "Order submissions by result (submitted, failed, circuit_open, throttled).",
	}, []string{"result"})

	// OutcomesRecorded counts trade outcomes absorbed into learning memory.
	OutcomesRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_outcomes_recorded_total",
		Help: "Trade outcomes recorded into learning memory.",
	})

	// ProviderFailuresTotal counts provider-level ensemble failures by reason.
	ProviderFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_provider_failures_total",
		Help: "Reasoning provider failures by reason code.",
	}, []string{"provider", "reason"})

	// RealizedPnL tracks cumulative realized PnL as seen by learning memory.
	RealizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_realized_pnl",
		Help: "Cumulative realized PnL across recorded outcomes.",
	})

	// DailyTrades tracks trades executed since the last midnight rollover.
	DailyTrades = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_daily_trades",
		Help: "Trades executed since the last local-midnight rollover.",
	})
)

// Execution result label values.
const (
	ExecSubmitted   = "submitted"
	ExecFailed      = "failed"
	ExecCircuitOpen = "circuit_open"
	ExecThrottled   = "throttled"
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RegisterHandlers mounts the scrape endpoint on mux.
func RegisterHandlers(mux *http.ServeMux) {
	mux.Handle("/metrics", Handler())
}
