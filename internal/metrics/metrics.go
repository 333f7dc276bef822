// Package metrics defines the daemon's Prometheus collectors.  They
// register on the default registry at init; the optional HTTP listener
// exposes them under /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsTotal counts accepted client connections.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payprocd_connections_total",
		Help: "Total number of accepted client connections",
	})

	// ConnectionsActive tracks currently served connections.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "payprocd_connections_active",
		Help: "Number of connections currently being served",
	})

	// CommandsTotal counts handled commands by name and outcome.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payprocd_commands_total",
		Help: "Total number of handled commands",
	}, []string{"command", "status"})

	// CommandDuration observes per-command handling time.
	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payprocd_command_duration_seconds",
		Help:    "Time taken to handle one command",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"command"})

	// GatewayCalls counts REST calls to the payment services by HTTP
	// status (or "error" on transport failure).
	GatewayCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payprocd_gateway_calls_total",
		Help: "Total number of REST calls to payment services",
	}, []string{"service", "status"})

	// GatewayLatency observes REST call latency per service.
	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payprocd_gateway_latency_seconds",
		Help:    "Latency of REST calls to payment services",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"service"})

	// SessionsActive tracks the live session count.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "payprocd_sessions_active",
		Help: "Number of live sessions",
	})

	// SessionsExpired counts sessions removed by housekeeping.
	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payprocd_sessions_expired_total",
		Help: "Total number of sessions removed by housekeeping",
	})

	// JournalRecords counts journal records by type.
	JournalRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payprocd_journal_records_total",
		Help: "Total number of journal records written",
	}, []string{"type"})
)
