package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	NudgesScheduled        *prometheus.CounterVec
	NudgesCancelled        *prometheus.CounterVec
	NudgesSent             *prometheus.CounterVec
	NudgesFailed           *prometheus.CounterVec
	NudgeRetries           prometheus.Counter
	NudgesClaimed          prometheus.Counter
	ClaimConflicts         prometheus.Counter
	ScheduleConflicts      prometheus.Counter
	ApprovalDecisions      *prometheus.CounterVec
	NeedsHumanSignals      *prometheus.CounterVec
	DeliveryWebhooks       *prometheus.CounterVec
	AuditEventsDropped     prometheus.Counter
	AuditEventsProcessed   *prometheus.CounterVec
	PolicyDecisions        *prometheus.CounterVec
	IsLeader               prometheus.Gauge
	LeaderChanges          prometheus.Counter
	TickDuration           prometheus.Histogram
	SweepDuration          prometheus.Histogram
	SendDuration           *prometheus.HistogramVec
	DraftDuration          prometheus.Histogram
	RedisOperationDuration *prometheus.HistogramVec
}

// NewMetrics registers the engine's collectors on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		NudgesScheduled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nudges_scheduled_total",
			Help: "Nudges created by the scheduler",
		}, []string{"level", "channel"}),
		NudgesCancelled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nudges_cancelled_total",
			Help: "Nudges cancelled before sending",
		}, []string{"reason"}),
		NudgesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nudges_sent_total",
			Help: "Nudges delivered to the channel provider",
		}, []string{"level", "channel"}),
		NudgesFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nudges_failed_total",
			Help: "Nudges that reached the failed state",
		}, []string{"kind"}),
		NudgeRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "nudge_retries_total",
			Help: "Transient send failures re-queued with backoff",
		}),
		NudgesClaimed: f.NewCounter(prometheus.CounterOpts{
			Name: "nudges_claimed_total",
			Help: "Due nudges claimed by this worker",
		}),
		ClaimConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "nudge_claim_conflicts_total",
			Help: "Claim or transition attempts lost to a concurrent writer",
		}),
		ScheduleConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "nudge_schedule_conflicts_total",
			Help: "Schedule attempts rejected because a nudge was already active",
		}),
		ApprovalDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nudge_approval_decisions_total",
			Help: "Approval gate outcomes",
		}, []string{"outcome"}),
		NeedsHumanSignals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "needs_human_signals_total",
			Help: "Signals raised for human attention",
		}, []string{"reason"}),
		DeliveryWebhooks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_webhooks_total",
			Help: "Provider delivery status updates",
		}, []string{"status", "result"}),
		AuditEventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_events_dropped_total",
			Help: "Audit events dropped because the emitter buffer was full",
		}),
		AuditEventsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_events_processed_total",
			Help: "Audit stream entries handled by consumers",
		}, []string{"status"}),
		PolicyDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_decisions_total",
			Help: "Escalation policy decisions by kind",
		}, []string{"kind"}),
		IsLeader: f.NewGauge(prometheus.GaugeOpts{
			Name: "nudge_worker_is_leader",
			Help: "1 when this pod runs the conversation sweep",
		}),
		LeaderChanges: f.NewCounter(prometheus.CounterOpts{
			Name: "nudge_leader_changes_total",
			Help: "Total number of leader changes",
		}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "nudge_tick_duration_seconds",
			Help:    "Time taken by one claim-and-dispatch cycle",
			Buckets: prometheus.DefBuckets,
		}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "conversation_sweep_duration_seconds",
			Help:    "Time taken to re-evaluate all open conversations",
			Buckets: prometheus.DefBuckets,
		}),
		SendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nudge_send_duration_seconds",
			Help:    "Latency of the channel send call",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
		DraftDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "nudge_draft_duration_seconds",
			Help:    "Latency of draft generation",
			Buckets: prometheus.DefBuckets,
		}),
		RedisOperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Time taken for Redis operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}
