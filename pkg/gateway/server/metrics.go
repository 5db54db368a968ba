package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the gateway's Prometheus collectors on a private registry
// so multiple server instances can coexist in one process.
type metrics struct {
	registry *prometheus.Registry

	sessionStarts *prometheus.CounterVec
	toolRequests  *prometheus.CounterVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &metrics{
		registry: reg,
		sessionStarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgate_session_starts_total",
			Help: "Session start attempts by outcome.",
		}, []string{"outcome"}),
		toolRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgate_tool_requests_total",
			Help: "Proxied tool requests by tool and outcome.",
		}, []string{"tool", "outcome"}),
	}
}
