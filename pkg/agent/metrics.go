package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAgentClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gamedock",
		Name:      "agent_clients_connected",
		Help:      "Number of panel sessions connected to the agent.",
	})
	metricAgentRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamedock",
		Name:      "agent_requests_total",
		Help:      "RPC requests handled by the agent, by method.",
	}, []string{"method"})
	metricConsoleLines = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gamedock",
		Name:      "agent_console_lines_total",
		Help:      "Console lines captured from the game server.",
	})
	metricServerUp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gamedock",
		Name:      "game_server_up",
		Help:      "Whether the supervised game server process is running.",
	})
)
