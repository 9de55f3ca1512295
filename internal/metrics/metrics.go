// Package metrics wires the gateway's prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's counters and gauges on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	TicketsIssued   prometheus.Counter
	TicketsConsumed *prometheus.CounterVec
	SessionsActive  prometheus.Gauge
	ExecsStarted    prometheus.Counter
	ShellFallbacks  prometheus.Counter
	BytesToClient   prometheus.Counter
	BytesToUpstream prometheus.Counter
}

// New creates and registers the gateway metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		TicketsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tty_agent_tickets_issued_total",
			Help: "Tickets issued via POST /ws-ticket.",
		}),
		TicketsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tty_agent_tickets_consumed_total",
			Help: "Ticket consumption attempts by result.",
		}, []string{"result"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tty_agent_sessions_active",
			Help: "Currently open WebSocket sessions.",
		}),
		ExecsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tty_agent_execs_started_total",
			Help: "Upstream exec streams successfully established.",
		}),
		ShellFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tty_agent_shell_fallbacks_total",
			Help: "Shell candidates skipped because the binary was missing.",
		}),
		BytesToClient: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tty_agent_bytes_to_client_total",
			Help: "Merged stdout/stderr bytes forwarded to clients.",
		}),
		BytesToUpstream: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tty_agent_bytes_to_upstream_total",
			Help: "Stdin bytes forwarded to upstream execs.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TicketsIssued,
		m.TicketsConsumed,
		m.SessionsActive,
		m.ExecsStarted,
		m.ShellFallbacks,
		m.BytesToClient,
		m.BytesToUpstream,
	)
	return m
}

// Handler returns the exposition handler for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
