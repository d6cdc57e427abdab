// Package metrics defines all Prometheus metrics for maapd.
// All metrics use the "maapd_" prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "maapd"

// --- Packet Metrics ---

var (
	// PacketsSent counts MAAP frames transmitted, by message type.
	PacketsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_sent_total",
		Help:      "Total MAAP frames sent, by message type.",
	}, []string{"msg_type"})

	// PacketsReceived counts MAAP frames received, by message type.
	PacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_received_total",
		Help:      "Total MAAP frames received, by message type.",
	}, []string{"msg_type"})

	// PacketsDropped counts MAAP frames that failed to decode or to send.
	PacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_dropped_total",
		Help:      "Total frames dropped, by reason (malformed, send_failed).",
	}, []string{"reason"})
)

// --- Range Metrics ---

var (
	// RangesByState is a gauge of locally-owned ranges currently in each state.
	RangesByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ranges_by_state",
		Help:      "Number of locally-owned ranges currently in each state.",
	}, []string{"state"})

	// ProbeRetransmits counts Probe retransmissions sent during arbitration.
	ProbeRetransmits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probe_retransmits_total",
		Help:      "Total Probe retransmissions sent while claiming a range.",
	})

	// ConflictsWon counts tie-break arbitrations this node won.
	ConflictsWon = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conflicts_won_total",
		Help:      "Total tie-break arbitrations won, resulting in a Defend.",
	})

	// ConflictsLost counts arbitrations this node lost, yielding a range.
	ConflictsLost = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conflicts_lost_total",
		Help:      "Total arbitrations lost, resulting in a YIELDED range.",
	})

	// ReserveFailures counts reservations that found no free sub-range.
	ReserveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reserve_failures_total",
		Help:      "Total reserve_range calls that failed to find a free sub-range.",
	})
)

// --- Notification Metrics ---

var (
	// NotificationsEmitted counts notifications enqueued, by kind.
	NotificationsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_emitted_total",
		Help:      "Total notifications enqueued, by kind.",
	}, []string{"kind"})
)

// --- Control Channel Metrics ---

var (
	// ControlCommands counts control-socket commands by name and result.
	ControlCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "control_commands_total",
		Help:      "Total control-socket commands processed, by command and result.",
	}, []string{"command", "result"})

	// ControlCommandDuration tracks control-socket command latency.
	ControlCommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "control_command_duration_seconds",
		Help:      "Control-socket command handling duration in seconds.",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"command"})

	// ControlAuthFailures counts rejected control-socket auth attempts.
	ControlAuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "control_auth_failures_total",
		Help:      "Total control-socket requests rejected for bad auth tokens.",
	})
)

// --- Server Info ---

var (
	// ServerInfo is a constant gauge with daemon build and version info.
	ServerInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_info",
		Help:      "Daemon build and version info.",
	}, []string{"version"})

	// ServerStartTime records daemon start time as a Unix timestamp.
	ServerStartTime = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_start_time_seconds",
		Help:      "Daemon start time as Unix timestamp.",
	})
)
