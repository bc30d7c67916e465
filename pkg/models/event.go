package models

import "time"

type EventType string

const (
	EventReplyReceived      EventType = "reply_received"
	EventMessageSent        EventType = "message_sent"
	EventSnoozed            EventType = "snoozed"
	EventResolved           EventType = "resolved"
	EventResumed            EventType = "resumed"
	EventDecision           EventType = "decision"
	EventNudgeScheduled     EventType = "nudge_scheduled"
	EventNudgeApproved      EventType = "nudge_approved"
	EventApprovalRequired   EventType = "approval_required"
	EventNudgeCancelled     EventType = "nudge_cancelled"
	EventNudgeRescheduled   EventType = "nudge_rescheduled"
	EventNudgeSent          EventType = "nudge_sent"
	EventNudgeRetryQueued   EventType = "nudge_retry_queued"
	EventNudgeFailed        EventType = "nudge_failed"
	EventDeliveryStatus     EventType = "delivery_status"
	EventNeedsHuman         EventType = "needs_human"
	EventOutOfOfficeShifted EventType = "ooo_shifted"
)

// Event is an entry of the append-only audit log.
type Event struct {
	ID             string            `json:"id"`
	Type           EventType         `json:"type"`
	ConversationID string            `json:"conversation_id,omitempty"`
	NudgeID        string            `json:"nudge_id,omitempty"`
	Level          int               `json:"level,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Notify         []string          `json:"notify,omitempty"`
	At             time.Time         `json:"at"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}
