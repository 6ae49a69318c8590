// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsTotal counts finalized request sessions by intake
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropsock_sessions_total",
			Help: "Total number of finalized drop request sessions",
		},
		[]string{"context", "intake"},
	)

	// ActiveSessions tracks sessions currently assembling a request
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dropsock_active_sessions",
			Help: "Number of open drop request sessions",
		},
		[]string{"context"},
	)

	// RequestBytes measures the size of finalized requests
	RequestBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dropsock_request_bytes",
			Help:    "Size of finalized drop requests in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 2, 12), // 64B to 128KiB
		},
		[]string{"context"},
	)

	// WriteRejectsTotal counts writes refused by the intake
	WriteRejectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropsock_write_rejects_total",
			Help: "Total number of rejected writes by reason",
		},
		[]string{"context", "reason"},
	)

	// PairsTotal counts termination attempts by outcome
	PairsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropsock_pairs_total",
			Help: "Total number of termination attempts by outcome",
		},
		[]string{"context", "outcome"},
	)

	// ScanHaltsTotal counts scans stopped early by malformed input
	ScanHaltsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropsock_scan_halts_total",
			Help: "Total number of request scans halted by malformed input",
		},
		[]string{"context", "reason"},
	)

	// TableLatencySeconds measures connection table primitives
	TableLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dropsock_table_latency_seconds",
			Help:    "Latency of connection table operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to ~1s
		},
		[]string{"op"},
	)

	// Contexts tracks registered contexts
	Contexts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dropsock_contexts",
			Help: "Number of registered contexts",
		},
	)

	// AuditErrorsTotal counts journal writes that failed
	AuditErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dropsock_audit_errors_total",
			Help: "Total number of failed audit journal writes",
		},
	)

	// CommandMessagesTotal counts command channel messages by result
	CommandMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropsock_command_messages_total",
			Help: "Total number of command channel messages by result",
		},
		[]string{"result"},
	)
)

// Intake labels.
const (
	IntakeSocket = "socket"
	IntakeRPC    = "rpc"
	IntakeKafka  = "kafka"
)
