package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersSubmitted counts order submissions by side and outcome (accepted/rejected)
var OrdersSubmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pincex_execution_orders_submitted_total",
		Help: "Total number of orders submitted to the execution servlet",
	},
	[]string{"side", "outcome"},
)

// ExecutionReportsPublished counts execution reports stored and fanned out by status
var ExecutionReportsPublished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pincex_execution_reports_published_total",
		Help: "Total number of execution reports published",
	},
	[]string{"status"},
)

// ComplianceViolations counts failed compliance checks by schema and rule state
var ComplianceViolations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pincex_execution_compliance_violations_total",
		Help: "Total number of compliance rule violations",
	},
	[]string{"schema", "state"},
)

// CancelRejects counts cancel requests rejected before reaching the venue
var CancelRejects = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "pincex_execution_cancel_rejects_total",
		Help: "Total number of rejected cancel requests",
	},
)

// Subscription and recovery metrics
var (
	ActiveSubscriptions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pincex_execution_active_subscriptions",
			Help: "Number of active query subscriptions",
		},
		[]string{"query"},
	)

	RecoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pincex_execution_recovery_duration_seconds",
			Help:    "Time in seconds to recover the orders of one account at startup",
			Buckets: prometheus.DefBuckets,
		},
	)

	RecoveredOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincex_execution_recovered_orders_total",
			Help: "Total number of orders processed during startup recovery by outcome",
		},
		[]string{"outcome"},
	)

	ConnectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pincex_execution_connected_clients",
			Help: "Number of connected execution clients",
		},
	)

	ClientDisconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincex_execution_client_disconnects_total",
			Help: "Total number of execution client disconnects by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(OrdersSubmitted, ExecutionReportsPublished, ComplianceViolations, CancelRejects)
	prometheus.MustRegister(ActiveSubscriptions, RecoveryDuration, RecoveredOrders, ConnectedClients, ClientDisconnects)
}
