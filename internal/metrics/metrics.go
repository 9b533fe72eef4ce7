// Package metrics exposes Prometheus counters/gauges on the existing SSE
// HTTP mux at /metrics — no separate metrics server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BrowserLaunches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentbrowser_browser_launches_total",
		Help: "Total browser launch attempts.",
	})
	BrowserLaunchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentbrowser_browser_launch_failures_total",
		Help: "Total browser launch failures.",
	})
	SessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentbrowser_sessions_created_total",
		Help: "Total browser sessions created.",
	})
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentbrowser_active_sessions",
		Help: "Current number of tracked browser sessions.",
	})
	ResearchStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentbrowser_research_sessions_started_total",
		Help: "Total research sessions started.",
	})
	ResearchCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentbrowser_research_sessions_completed_total",
		Help: "Total research sessions completed successfully.",
	})
	ResearchFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentbrowser_research_sessions_failed_total",
		Help: "Total research sessions that failed.",
	})
	ActiveResearchSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentbrowser_active_research_sessions",
		Help: "Current number of non-terminal research sessions.",
	})
	AgentSteps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentbrowser_agent_steps_total",
		Help: "Total agent loop steps executed.",
	})
)

func init() {
	prometheus.MustRegister(
		BrowserLaunches,
		BrowserLaunchFailures,
		SessionsCreated,
		ActiveSessions,
		ResearchStarted,
		ResearchCompleted,
		ResearchFailed,
		ActiveResearchSessions,
		AgentSteps,
	)
}

// Register attaches the /metrics handler to mux.
func Register(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}
