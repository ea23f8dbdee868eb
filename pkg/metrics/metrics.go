package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ledger_engine"

var (
	LedgerAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_appends_total",
		Help:      "Ledger entries appended, by action and status",
	}, []string{"action", "status"})

	LedgerAppendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_append_failures_total",
		Help:      "Rejected or failed ledger appends, by error code",
	}, []string{"code"})

	LedgerAppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ledger_append_duration_seconds",
		Help:      "Latency of a locked ledger append batch",
		Buckets:   prometheus.DefBuckets,
	})

	DepositCommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposit_commits_total",
		Help:      "Deposit commit outcomes (committed, duplicate, conflict, error)",
	}, []string{"outcome"})

	WithdrawalTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "withdrawal_transitions_total",
		Help:      "Withdrawal state transitions",
	}, []string{"to"})

	CommissionCreditsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commission_credits_total",
		Help:      "Commission credits written, by action and outcome",
	}, []string{"action", "outcome"})

	StatisticsUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "statistics_updates_total",
		Help:      "Statistics period mutations, by kind",
	}, []string{"kind"})

	QueueTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_tasks_total",
		Help:      "Queue task deliveries, by task and outcome",
	}, []string{"task", "outcome"})

	RewardJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reward_jobs_total",
		Help:      "Background commission and statistics jobs, by kind and outcome",
	}, []string{"kind", "outcome"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Notification deliveries, by channel and outcome",
	}, []string{"channel", "outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Ops API request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	DatabaseConnectionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "database_connections",
		Help:      "Database pool connections, by state",
	}, []string{"state"})
)
