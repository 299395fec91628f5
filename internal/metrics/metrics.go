package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payvault_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payvault_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	TransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payvault_transactions_total",
			Help: "Total number of transactions by type and terminal status",
		},
		[]string{"type", "status"},
	)

	TransactionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "payvault_transaction_duration_seconds",
			Help:    "End-to-end transaction coordination duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RiskDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payvault_risk_decisions_total",
			Help: "Total number of risk gate decisions by level",
		},
		[]string{"level"},
	)

	ReservationConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "payvault_reservation_conflicts_total",
			Help: "Total number of stale-version conflicts during reservation",
		},
	)

	SettlementFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "payvault_settlement_failures_total",
			Help: "Total number of settle steps that required retries or operator attention",
		},
	)

	DuplicateReplaysTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "payvault_duplicate_replays_total",
			Help: "Total number of submissions resolved by idempotent replay",
		},
	)

	NotificationsDeliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "payvault_notifications_delivered_total",
			Help: "Total number of transaction events delivered to subscribers",
		},
	)

	NotificationQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "payvault_notification_queue_length",
			Help: "Current length of the transaction event queue",
		},
	)
)

func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func RecordTransaction(txType, status string, duration float64) {
	TransactionsTotal.WithLabelValues(txType, status).Inc()
	TransactionDuration.Observe(duration)
}

func RecordRiskDecision(level string) {
	RiskDecisionsTotal.WithLabelValues(level).Inc()
}
