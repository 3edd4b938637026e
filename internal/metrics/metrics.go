// Package metrics registers the Prometheus instruments shared by the
// agent and the emulator. Both binaries expose them at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsTotal counts protocol sessions by command and outcome
	// (ok, or the transport error kind).
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terminal_sessions_total",
			Help: "Protocol sessions by command and outcome",
		},
		[]string{"command", "outcome"},
	)

	// SessionDuration observes wall-clock session time. Terminal
	// interactions are human-paced, so the buckets stretch to minutes.
	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "terminal_session_duration_seconds",
			Help:    "Duration of one protocol session",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 180},
		},
		[]string{"command"},
	)

	// EmulatorCommands counts commands handled by the emulator dispatch.
	EmulatorCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emulator_commands_total",
			Help: "Commands dispatched by the emulator",
		},
		[]string{"command", "result"},
	)

	// EmulatorTransactions counts transaction records by type and status.
	EmulatorTransactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emulator_transactions_total",
			Help: "Transaction records created, by type and status",
		},
		[]string{"type", "status"},
	)

	// EmulatorBatchCloses counts settlements.
	EmulatorBatchCloses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "emulator_batch_closes_total",
			Help: "Batch close (EOD) operations",
		},
	)
)
