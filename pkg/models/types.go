package models

import "time"

// ConversationStatus is the lifecycle state of a thread with a contact.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationSnoozed  ConversationStatus = "snoozed"
	ConversationResolved ConversationStatus = "resolved"
)

// Awaiting records which side owes the next message.
type Awaiting string

const (
	AwaitingTheirReply  Awaiting = "their_reply"
	AwaitingOurResponse Awaiting = "our_response"
)

// NudgeStatus is the state of a single follow-up attempt.
type NudgeStatus string

const (
	NudgePending   NudgeStatus = "pending"
	NudgeApproved  NudgeStatus = "approved"
	NudgeSent      NudgeStatus = "sent"
	NudgeCancelled NudgeStatus = "cancelled"
	NudgeFailed    NudgeStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s NudgeStatus) Terminal() bool {
	return s == NudgeSent || s == NudgeCancelled || s == NudgeFailed
}

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelWhatsApp, ChannelSMS:
		return true
	}
	return false
}

type Tone string

const (
	ToneWarm         Tone = "warm"
	ToneProfessional Tone = "professional"
	ToneUrgent       Tone = "urgent"
)

const SentimentNegative = "negative"

// Contact is the other party of a conversation.
type Contact struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	VIP      bool   `json:"vip"`
}

// Conversation tracks activity on a thread. Owned by the tracker; never deleted.
type Conversation struct {
	ID                   string             `json:"id"`
	ContactID            string             `json:"contact_id"`
	Status               ConversationStatus `json:"status"`
	Awaiting             Awaiting           `json:"awaiting"`
	Channel              Channel            `json:"channel"`
	Subject              string             `json:"subject,omitempty"`
	LastMessageAt        time.Time          `json:"last_message_at"`
	LastReplyAt          time.Time          `json:"last_reply_at"`
	SnoozedUntil         time.Time          `json:"snoozed_until"`
	ChainStartedAt       time.Time          `json:"chain_started_at"`
	ExchangeCount        int                `json:"exchange_count"`
	LastInboundSentiment string             `json:"last_inbound_sentiment,omitempty"`
	NeedsHuman           bool               `json:"needs_human"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// Nudge is one attempt in an escalation chain.
type Nudge struct {
	ID                string      `json:"id"`
	ConversationID    string      `json:"conversation_id"`
	ContactID         string      `json:"contact_id"`
	ScheduledAt       time.Time   `json:"scheduled_at"`
	Status            NudgeStatus `json:"status"`
	Channel           Channel     `json:"channel"`
	Tone              Tone        `json:"tone"`
	DraftContent      string      `json:"draft_content"`
	ApprovedContent   string      `json:"approved_content,omitempty"`
	Confidence        float64     `json:"confidence"`
	EscalationLevel   int         `json:"escalation_level"`
	RetryCount        int         `json:"retry_count"`
	MaxRetries        int         `json:"max_retries"`
	RequiresApproval  bool        `json:"requires_approval"`
	ApprovalReason    string      `json:"approval_reason,omitempty"`
	ApprovedBy        string      `json:"approved_by,omitempty"`
	CancelReason      string      `json:"cancel_reason,omitempty"`
	CancelRequested   string      `json:"cancel_requested,omitempty"`
	ClaimedBy         string      `json:"claimed_by,omitempty"`
	ClaimedAt         time.Time   `json:"claimed_at"`
	ProviderMessageID string      `json:"provider_message_id,omitempty"`
	SentAt            time.Time   `json:"sent_at"`
	DeliveredAt       time.Time   `json:"delivered_at"`
	ReadAt            time.Time   `json:"read_at"`
	FailedAt          time.Time   `json:"failed_at"`
	FailureReason     string      `json:"failure_reason,omitempty"`
	LastError         string      `json:"last_error,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Content returns what should be delivered: the approved text if any, else the draft.
func (n *Nudge) Content() string {
	if n.ApprovedContent != "" {
		return n.ApprovedContent
	}
	return n.DraftContent
}

// Claimed reports whether a worker currently owns the nudge.
func (n *Nudge) Claimed() bool {
	return n.ClaimedBy != ""
}

// EscalationRule maps chain conditions to actions. Read-only input to the policy.
type EscalationRule struct {
	Name          string        `yaml:"name" json:"name"`
	MinNudges     int           `yaml:"min_nudges" json:"min_nudges"`
	MinDaysSilent int           `yaml:"min_days_silent" json:"min_days_silent"`
	Channel       Channel       `yaml:"channel" json:"channel,omitempty"`
	Tone          Tone          `yaml:"tone" json:"tone,omitempty"`
	WaitWindow    time.Duration `yaml:"wait_window" json:"wait_window,omitempty"`
	Notify        []string      `yaml:"notify" json:"notify,omitempty"`
}

// DeliveryStatus is a provider lifecycle update for an already-sent message.
type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryUpdate is a webhook notification correlated by provider message ID.
type DeliveryUpdate struct {
	ProviderMessageID string         `json:"provider_message_id"`
	Status            DeliveryStatus `json:"status"`
	At                time.Time      `json:"at"`
	ErrorCode         string         `json:"error_code,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
}
