package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the broker's Prometheus metrics. Each Server registers them
// on its own registry.
type Metrics struct {
	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionExits    *prometheus.CounterVec
	SpawnFailures   prometheus.Counter

	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	HandshakeFailures *prometheus.CounterVec

	// Traffic metrics
	BytesIn        prometheus.Counter
	BytesOut       prometheus.Counter
	ProtocolErrors *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "termy_sessions_active",
			Help: "Number of live PTY sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "termy_sessions_created_total",
			Help: "Total number of PTY sessions created",
		}),
		SessionExits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termy_session_exits_total",
				Help: "Total number of PTY session exits",
			},
			[]string{"reason"},
		),
		SpawnFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "termy_spawn_failures_total",
			Help: "Total number of failed session spawns",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "termy_connections_active",
			Help: "Number of open client connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "termy_connections_total",
			Help: "Total number of accepted client connections",
		}),
		HandshakeFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termy_handshake_failures_total",
				Help: "Total number of rejected connection handshakes",
			},
			[]string{"reason"},
		),
		BytesIn: factory.NewCounter(prometheus.CounterOpts{
			Name: "termy_input_bytes_total",
			Help: "Total bytes written to PTYs",
		}),
		BytesOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "termy_output_bytes_total",
			Help: "Total PTY output bytes sent to clients",
		}),
		ProtocolErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termy_protocol_errors_total",
				Help: "Total number of error events sent to clients",
			},
			[]string{"code"},
		),
	}
}

func exitReason(signal string) string {
	if signal != "" {
		return "signal"
	}
	return "exit"
}
