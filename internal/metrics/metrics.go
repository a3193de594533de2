package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Control runtime counters and histograms. Loop-scoped series are labelled by
// loop_id; loop counts are in the hundreds, so the cardinality stays bounded.

var (
	// Loop engine
	LoopTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "automation",
		Subsystem: "loop",
		Name:      "ticks_total",
		Help:      "Total loop ticks by outcome (auto, manual, degraded, suspended)",
	}, []string{"loop_id", "outcome"})

	LoopDegradedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "automation",
		Subsystem: "loop",
		Name:      "degraded_ticks_total",
		Help:      "Total ticks skipped because a reference was unresolved or stale",
	}, []string{"loop_id", "reason"})

	LoopWriteRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "automation",
		Subsystem: "loop",
		Name:      "write_rejected_total",
		Help:      "Total output writes rejected by the value store",
	}, []string{"loop_id", "target"})

	LoopTickLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "automation",
		Subsystem: "loop",
		Name:      "tick_duration_seconds",
		Help:      "Loop tick duration including value store round trips",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"loop_id"})

	LoopOutput = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "automation",
		Subsystem: "loop",
		Name:      "output",
		Help:      "Last output written by the loop",
	}, []string{"loop_id"})

	LoopConfigRejected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "automation",
		Subsystem: "loop",
		Name:      "config_rejected",
		Help:      "1 when the loop configuration was rejected at load time",
	}, []string{"loop_id"})

	// Scheduler
	SchedulerActiveGroups = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "automation",
		Subsystem: "scheduler",
		Name:      "active_groups",
		Help:      "Number of running cascade group tasks",
	})

	SchedulerPassLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "automation",
		Subsystem: "scheduler",
		Name:      "pass_duration_seconds",
		Help:      "Duration of one scheduling pass over a cascade group",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"group"})

	SchedulerGroupHalts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "automation",
		Subsystem: "scheduler",
		Name:      "group_halts_total",
		Help:      "Total cascade groups halted by an invariant violation",
	}, []string{"group"})

	SchedulerOverruns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "automation",
		Subsystem: "scheduler",
		Name:      "pass_overruns_total",
		Help:      "Total passes that took longer than the group interval",
	}, []string{"group"})

	// Configuration
	ConfigReloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "automation",
		Subsystem: "config",
		Name:      "reloads_total",
		Help:      "Total configuration reloads by trigger (poll, notify)",
	}, []string{"trigger"})

	ConfigWatcherErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "automation",
		Subsystem: "config",
		Name:      "watcher_errors_total",
		Help:      "Total configuration reload failures",
	})

	// Auto-tuning
	TuningSessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "automation",
		Subsystem: "tuning",
		Name:      "sessions_started_total",
		Help:      "Total auto-tuning sessions started",
	})

	TuningSessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "automation",
		Subsystem: "tuning",
		Name:      "sessions_finished_total",
		Help:      "Total auto-tuning sessions by terminal status",
	}, []string{"status"})

	TuningConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "automation",
		Subsystem: "tuning",
		Name:      "conflicts_total",
		Help:      "Total session starts rejected because the loop was already being tuned",
	})

	TuningSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "automation",
		Subsystem: "tuning",
		Name:      "sessions_active",
		Help:      "Number of running auto-tuning sessions",
	})

	// Value store
	ValueStoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "automation",
		Subsystem: "value_store",
		Name:      "op_duration_seconds",
		Help:      "Value store resolve/write latency",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"op", "kind"})

	ValueStoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "automation",
		Subsystem: "value_store",
		Name:      "errors_total",
		Help:      "Total value store failures by operation and reason",
	}, []string{"op", "reason"})

	ValueStoreBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "automation",
		Subsystem: "value_store",
		Name:      "breaker_state",
		Help:      "Value store circuit breaker state (0=closed, 1=open, 2=half-open)",
	})

	// Database pool
	DBPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "automation",
		Subsystem: "postgres",
		Name:      "db_pool_open",
		Help:      "Open connections in the configuration database pool",
	})

	DBPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "automation",
		Subsystem: "postgres",
		Name:      "db_pool_in_use",
		Help:      "In-use connections in the configuration database pool",
	})

	DBPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "automation",
		Subsystem: "postgres",
		Name:      "db_pool_idle",
		Help:      "Idle connections in the configuration database pool",
	})

	DBPoolWaitCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "automation",
		Subsystem: "postgres",
		Name:      "db_pool_wait_count",
		Help:      "Cumulative number of connection waits",
	})

	// Admin API
	AdminRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "automation",
		Subsystem: "admin",
		Name:      "rate_limited_total",
		Help:      "Admin requests rejected by the rate limiter, by rule",
	}, []string{"rule"})
)
