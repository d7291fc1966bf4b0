// Package metrics is the tower's ambient Prometheus instrumentation,
// following the teacher's promauto-on-a-dedicated-registry pattern so
// /metrics never picks up the default global collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the tower's private Prometheus registry plus every gauge
// and counter the fleet records. cmd/tower constructs one instance per
// process with New and passes it to the hub, the rate limiter and the
// HTTP API; tests construct their own to assert against in isolation.
// Supervisors accept one through WithMetrics, but the orchestrator does
// not attach it, so the per-server state, restart and health series stay
// empty in the tower binary.
type Registry struct {
	reg *prometheus.Registry

	ServerState     *prometheus.GaugeVec
	ServerRestarts  *prometheus.CounterVec
	ServerHealth    *prometheus.GaugeVec
	HubDropped      *prometheus.CounterVec
	RateLimitBlocks prometheus.Counter
}

// New constructs a Registry with its own isolated prometheus.Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		ServerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mcp_tower",
			Name:      "server_state",
			Help:      "Current FSM state of a supervised server, one gauge per known state value (1 = current state).",
		}, []string{"server", "state"}),
		ServerRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcp_tower",
			Name:      "server_restarts_total",
			Help:      "Total restart attempts per server.",
		}, []string{"server"}),
		ServerHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mcp_tower",
			Name:      "server_healthy",
			Help:      "1 if the last health probe succeeded, 0 otherwise.",
		}, []string{"server"}),
		HubDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcp_tower",
			Name:      "hub_events_dropped_total",
			Help:      "Events dropped from a subscriber's queue due to backpressure.",
		}, []string{"subscriber"}),
		RateLimitBlocks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mcp_tower",
			Name:      "rate_limit_blocks_total",
			Help:      "Requests rejected by the HTTP API rate limiter.",
		}),
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// stateValues lists every FSM state name so ObserveState can zero out
// states the server just left (GaugeVec has no "set exactly one of a
// label set" primitive).
var stateValues = []string{"stopped", "starting", "running", "stopping", "error", "restarting"}

// ObserveState marks current as the server's active state and zeroes
// every other state value for that server.
func (r *Registry) ObserveState(server, current string) {
	for _, s := range stateValues {
		v := 0.0
		if s == current {
			v = 1.0
		}
		r.ServerState.WithLabelValues(server, s).Set(v)
	}
}
