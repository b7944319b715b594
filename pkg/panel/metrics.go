package panel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricHubClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gamedock",
		Name:      "panel_ws_clients",
		Help:      "Browser WebSocket clients connected to the panel.",
	})
	metricAgentCalls = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gamedock",
		Name:      "panel_agent_call_seconds",
		Help:      "Latency of RPC calls the panel makes to the agent.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "outcome"})
	metricSessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gamedock",
		Name:      "panel_session_state",
		Help:      "Panel-to-agent session state (0 disconnected, 1 connecting, 2 connected, 3 errored).",
	})
	metricSessionReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gamedock",
		Name:      "panel_session_reconnects_total",
		Help:      "Reconnect attempts the panel's session manager has made.",
	})
)
