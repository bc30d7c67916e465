// Package approval decides whether a nudge may go out without a human.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"followup-nudge-engine/pkg/constants"
	"followup-nudge-engine/pkg/errs"
	"followup-nudge-engine/pkg/metrics"
	"followup-nudge-engine/pkg/models"
	"followup-nudge-engine/pkg/store"
)

// Reasons recorded on nudges that need a human.
const (
	ReasonVIP               = "vip_contact"
	ReasonFirstContact      = "first_contact"
	ReasonNegativeSentiment = "negative_sentiment"
	ReasonLowConfidence     = "low_confidence"
	ReasonFinalEscalation   = "final_escalation"
	ReasonForbiddenTopic    = "forbidden_topic"
	ReasonAutoSendDisabled  = "auto_send_disabled"
	ReasonBelowThreshold    = "below_auto_send_threshold"
	ReasonDraftUnavailable  = "draft_unavailable"
)

// Guardrails is the dynamic approval configuration.
type Guardrails struct {
	AutoSend                bool     `yaml:"auto_send" json:"auto_send"`
	MinConfidenceToSend     float64  `yaml:"min_confidence_to_send" json:"min_confidence_to_send"`
	EscalateBelowConfidence float64  `yaml:"escalate_below_confidence" json:"escalate_below_confidence"`
	FinalEscalationLevel    int      `yaml:"final_escalation_level" json:"final_escalation_level"`
	ForbiddenTopics         []string `yaml:"forbidden_topics" json:"forbidden_topics,omitempty"`
}

// DefaultGuardrails returns the guardrails used when the policy file has none.
func DefaultGuardrails() Guardrails {
	return Guardrails{
		AutoSend:                true,
		MinConfidenceToSend:     constants.DefaultMinConfidenceToSend,
		EscalateBelowConfidence: constants.DefaultEscalateBelowConfidence,
		FinalEscalationLevel:    constants.DefaultFinalEscalationLevel,
	}
}

// Outcome is the gate's verdict: send unattended or wait for a human.
type Outcome string

const (
	AutoApprove     Outcome = "auto_approve"
	RequireApproval Outcome = "require_approval"
)

// Classification is the gate's verdict for one nudge.
type Classification struct {
	Outcome   Outcome
	Reason    string
	Violation *errs.GuardrailViolation
}

func requireApproval(reason, detail string) Classification {
	return Classification{
		Outcome:   RequireApproval,
		Reason:    reason,
		Violation: &errs.GuardrailViolation{Rule: reason, Detail: detail},
	}
}

// Classify applies the guardrails in priority order; the first match wins.
func Classify(nudge *models.Nudge, contact *models.Contact, conv *models.Conversation, confidence float64, g Guardrails) Classification {
	if contact != nil && contact.VIP {
		return requireApproval(ReasonVIP, contact.ID)
	}
	if firstContact(conv) {
		return requireApproval(ReasonFirstContact, "")
	}
	if conv != nil && strings.EqualFold(conv.LastInboundSentiment, models.SentimentNegative) {
		return requireApproval(ReasonNegativeSentiment, "")
	}
	if confidence < g.EscalateBelowConfidence {
		return requireApproval(ReasonLowConfidence, fmt.Sprintf("%.2f", confidence))
	}
	if nudge.EscalationLevel >= g.FinalEscalationLevel {
		return requireApproval(ReasonFinalEscalation, fmt.Sprintf("level %d", nudge.EscalationLevel))
	}
	if topic := forbiddenTopic(nudge.Content(), g.ForbiddenTopics); topic != "" {
		return requireApproval(ReasonForbiddenTopic, topic)
	}
	if !g.AutoSend {
		return requireApproval(ReasonAutoSendDisabled, "")
	}
	if confidence >= g.MinConfidenceToSend {
		return Classification{Outcome: AutoApprove}
	}
	return requireApproval(ReasonBelowThreshold, fmt.Sprintf("%.2f", confidence))
}

// firstContact reports a conversation with no recorded message in either
// direction. An outbound message we sent counts as an exchange.
func firstContact(conv *models.Conversation) bool {
	return conv != nil && conv.ExchangeCount == 0 && conv.LastMessageAt.IsZero() && conv.LastReplyAt.IsZero()
}

func forbiddenTopic(content string, topics []string) string {
	lower := strings.ToLower(content)
	for _, topic := range topics {
		t := strings.ToLower(strings.TrimSpace(topic))
		if t != "" && strings.Contains(lower, t) {
			return topic
		}
	}
	return ""
}

// Gate applies guardrails and records human approvals.
type Gate struct {
	store      store.Store
	guardrails Guardrails
	logger     *logrus.Logger
	metrics    *metrics.Metrics
}

// NewGate creates a gate enforcing guardrails over st.
func NewGate(st store.Store, guardrails Guardrails, logger *logrus.Logger, metrics *metrics.Metrics) *Gate {
	return &Gate{
		store:      st,
		guardrails: guardrails,
		logger:     logger,
		metrics:    metrics,
	}
}

// Guardrails returns the configuration the gate classifies with.
func (g *Gate) Guardrails() Guardrails {
	return g.guardrails
}

// Classify runs the configured guardrails and counts the outcome.
func (g *Gate) Classify(nudge *models.Nudge, contact *models.Contact, conv *models.Conversation, confidence float64) Classification {
	c := Classify(nudge, contact, conv, confidence, g.guardrails)
	label := string(c.Outcome)
	if c.Reason != "" {
		label = c.Reason
	}
	g.metrics.ApprovalDecisions.WithLabelValues(label).Inc()
	return c
}

// Approve moves a pending nudge to approved with finalContent, or the draft
// when finalContent is empty. Approving an already approved nudge with the
// same content is a no-op.
func (g *Gate) Approve(ctx context.Context, nudgeID, finalContent, approver string) (*models.Nudge, error) {
	n, err := g.store.UpdateNudge(ctx, nudgeID, func(n *models.Nudge) error {
		content := finalContent
		if content == "" {
			content = n.DraftContent
		}

		switch n.Status {
		case models.NudgeApproved:
			if content == n.Content() {
				return store.ErrUnchanged
			}
			return fmt.Errorf("nudge %s is already approved: %w", n.ID, errs.ErrInvalidTransition)
		case models.NudgePending:
		default:
			return fmt.Errorf("approve nudge %s in status %s: %w", n.ID, n.Status, errs.ErrInvalidTransition)
		}
		if n.Claimed() {
			return fmt.Errorf("nudge %s: %w", n.ID, errs.ErrClaimed)
		}
		if strings.TrimSpace(content) == "" {
			return fmt.Errorf("nudge %s has no content to approve: %w", n.ID, errs.ErrDraftUnavailable)
		}

		n.Status = models.NudgeApproved
		n.ApprovedContent = content
		n.ApprovedBy = approver
		n.RequiresApproval = false
		return nil
	})
	if errors.Is(err, store.ErrUnchanged) {
		return n, nil
	}
	if err != nil {
		return nil, err
	}

	g.metrics.ApprovalDecisions.WithLabelValues("human_approved").Inc()
	g.logger.WithFields(logrus.Fields{
		"nudge_id":        n.ID,
		"conversation_id": n.ConversationID,
		"approved_by":     approver,
		"edited":          n.ApprovedContent != n.DraftContent,
	}).Info("Nudge approved")
	return n, nil
}

// EditAndApprove is Approve with operator-supplied content.
func (g *Gate) EditAndApprove(ctx context.Context, nudgeID, content, approver string) (*models.Nudge, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("edited content is empty: %w", errs.ErrInvalidTransition)
	}
	return g.Approve(ctx, nudgeID, content, approver)
}
