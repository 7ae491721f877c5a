// Package metrics exposes Wakezilla's Prometheus instrumentation.
// Grounded on gpillon-kubevirt-wol's internal/wol/metrics.go — the
// same package-level Counter/Gauge-plus-MustRegister shape, swapped
// from controller-runtime's registry to a plain prometheus.Registry
// served over promhttp since Wakezilla has no controller-runtime
// manager to piggyback on.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WakesTotal counts completed wake sequences, labeled by outcome
	// ("awake", "timeout").
	WakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wakezilla_wakes_total",
			Help: "Wake sequences completed, by outcome.",
		},
		[]string{"outcome"},
	)

	// WolPacketsSentTotal counts magic packets successfully broadcast.
	WolPacketsSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wakezilla_wol_packets_sent_total",
			Help: "Wake-on-LAN magic packets successfully broadcast.",
		},
	)

	// ForwardedConnectionsTotal counts accepted client connections, by
	// local port.
	ForwardedConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wakezilla_forwarded_connections_total",
			Help: "TCP connections accepted by a port forwarder.",
		},
		[]string{"local_port"},
	)

	// ShutdownCallsTotal counts inactivity-monitor shutdown calls, by
	// outcome ("success", "failure").
	ShutdownCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wakezilla_shutdown_calls_total",
			Help: "Shutdown HTTP calls issued by the inactivity monitor.",
		},
		[]string{"outcome"},
	)

	// ActiveListeners reports the number of listeners the supervisor
	// currently has running.
	ActiveListeners = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wakezilla_active_listeners",
			Help: "Port forward listeners currently running.",
		},
	)

	// PersistenceConsecutiveFailures is a supplemented metric
	// (SPEC_FULL §12) surfacing the registry's health-degraded
	// condition from spec §7's PersistenceFailed escalation rule.
	PersistenceConsecutiveFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wakezilla_persistence_consecutive_failures",
			Help: "Consecutive failed attempts to persist the registry to disk.",
		},
	)
)

// Registry is Wakezilla's private Prometheus registry. Kept separate
// from prometheus.DefaultRegisterer so importing this package never
// has side effects on a host process's own metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		WakesTotal,
		WolPacketsSentTotal,
		ForwardedConnectionsTotal,
		ShutdownCallsTotal,
		ActiveListeners,
		PersistenceConsecutiveFailures,
	)
}

// Handler returns the HTTP handler serving /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
