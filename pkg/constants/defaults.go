package constants

import "time"

// Escalation defaults
const (
	// DefaultMaxEscalations - highest escalation level an autonomous chain may reach
	DefaultMaxEscalations = 2

	// DefaultInitialWait - silence before the first nudge (level 0 -> 1)
	DefaultInitialWait = 32 * time.Hour

	// DefaultFollowUpWait - silence between subsequent nudges
	DefaultFollowUpWait = 24 * time.Hour

	// DefaultMaxRetries - transient send failures tolerated per nudge
	DefaultMaxRetries = 3
)

// Approval guardrail defaults
const (
	DefaultMinConfidenceToSend     = 0.8
	DefaultEscalateBelowConfidence = 0.5
	DefaultFinalEscalationLevel    = 2
)

// Retry backoff defaults
const (
	DefaultRetryBaseDelay = 2 * time.Minute
	DefaultRetryMaxDelay  = time.Hour
)

// External call budgets
const (
	DraftTimeout    = 3 * time.Second
	SendTimeout     = 5 * time.Second
	CalendarTimeout = 3 * time.Second
)

// Worker defaults
const (
	DefaultTickSchedule        = "*/5 * * * *"
	DefaultClaimBatchSize      = 50
	DefaultDispatchConcurrency = 8
	DefaultClaimLease          = 5 * time.Minute
	DefaultLeaderElectionTTL   = 10 * time.Second
	DefaultOutOfOfficeProbes   = 14
)

// Identity recorded on system-made transitions
const (
	ApproverAuto   = "auto"
	WorkerSendNow  = "send-now"
	ReasonReply    = "reply_received"
	ReasonSnoozed  = "snoozed"
	ReasonResolved = "resolved"
	ReasonManual   = "manual"
	// ReasonSuperseded cancels a nudge made stale by a manual outbound message.
	ReasonSuperseded = "superseded"
)

// Redis key prefixes and names
const (
	NudgeKeyPrefix        = "nudge:"
	ConversationKeyPrefix = "conversation:"
	ContactKeyPrefix      = "contact:"
	ActiveNudgeKeyPrefix  = "conversation_active_nudge:"
	ChainKeyPrefix        = "conversation_nudges:"
	ProviderIndexPrefix   = "provider_message:"
	DueNudgesKey          = "nudges:due"
	ConversationsIndexKey = "conversations:open"
	LeaderElectionKey     = "nudge:leader"
	AuditEventsStream     = "nudge_events"
	NeedsHumanListKey     = "needs_human"
	HumanConsumerGroup    = "human-escalations"
)
