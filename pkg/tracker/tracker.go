// Package tracker owns conversation state: who owes the next message, snoozes
// and resolution. It is the source of truth the escalation policy reads.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"followup-nudge-engine/pkg/audit"
	"followup-nudge-engine/pkg/clock"
	"followup-nudge-engine/pkg/constants"
	"followup-nudge-engine/pkg/errs"
	"followup-nudge-engine/pkg/models"
	"followup-nudge-engine/pkg/store"
)

// NudgeCanceller cancels the conversation's pending or approved nudge, if any.
type NudgeCanceller interface {
	CancelActive(ctx context.Context, conversationID, reason string) (*models.Nudge, error)
}

type Tracker struct {
	store     store.Store
	canceller NudgeCanceller
	emitter   audit.Emitter
	clock     clock.Clock
	logger    *logrus.Logger
}

func New(st store.Store, canceller NudgeCanceller, emitter audit.Emitter, c clock.Clock, logger *logrus.Logger) *Tracker {
	return &Tracker{
		store:     st,
		canceller: canceller,
		emitter:   emitter,
		clock:     c,
		logger:    logger,
	}
}

// Seed describes a conversation seen for the first time.
type Seed struct {
	ID        string         `json:"id"`
	ContactID string         `json:"contact_id"`
	Channel   models.Channel `json:"channel"`
	Subject   string         `json:"subject,omitempty"`
}

// EnsureConversation creates the conversation on first sight and returns the
// stored row either way.
func (t *Tracker) EnsureConversation(ctx context.Context, seed Seed) (*models.Conversation, error) {
	if seed.ID == "" || seed.ContactID == "" {
		return nil, fmt.Errorf("conversation and contact ids are required")
	}
	if seed.Channel == "" {
		seed.Channel = models.ChannelEmail
	}

	now := t.clock.Now()
	conv := &models.Conversation{
		ID:             seed.ID,
		ContactID:      seed.ContactID,
		Status:         models.ConversationActive,
		Awaiting:       models.AwaitingTheirReply,
		Channel:        seed.Channel,
		Subject:        seed.Subject,
		ChainStartedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	created, err := t.store.CreateConversation(ctx, conv)
	if err != nil {
		return nil, err
	}
	if created {
		t.logger.WithFields(logrus.Fields{
			"conversation_id": conv.ID,
			"contact_id":      conv.ContactID,
			"channel":         conv.Channel,
		}).Info("Tracking new conversation")
		return conv, nil
	}
	return t.store.GetConversation(ctx, seed.ID)
}

// RecordInboundReply notes a reply from the contact and cancels any nudge that
// has not been claimed yet. The conversation update is written first so it
// survives even if the cancel loses a race with a worker.
func (t *Tracker) RecordInboundReply(ctx context.Context, conversationID string, at time.Time, sentiment string) (*models.Conversation, error) {
	at = t.clamp(conversationID, at)

	conv, err := t.store.UpdateConversation(ctx, conversationID, func(c *models.Conversation) error {
		if at.After(c.LastReplyAt) {
			c.LastReplyAt = at
		}
		if at.After(c.ChainStartedAt) {
			c.ChainStartedAt = at
		}
		c.ExchangeCount++
		c.LastInboundSentiment = sentiment
		c.NeedsHuman = false
		if c.Status != models.ConversationResolved {
			c.Awaiting = models.AwaitingOurResponse
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.emit(models.Event{
		Type:           models.EventReplyReceived,
		ConversationID: conversationID,
		At:             at,
		Attributes:     map[string]string{"sentiment": sentiment},
	})
	t.cancelActive(ctx, conversationID, constants.ReasonReply)
	return conv, nil
}

// RecordOutboundSend notes a message from our side. A nudge still waiting for
// its slot is superseded by it.
func (t *Tracker) RecordOutboundSend(ctx context.Context, conversationID string, at time.Time) (*models.Conversation, error) {
	return t.recordOutbound(ctx, conversationID, at, true)
}

// RecordNudgeSent is RecordOutboundSend for a nudge the engine delivered
// itself. It leaves Awaiting alone so a reply that raced the send is kept.
func (t *Tracker) RecordNudgeSent(ctx context.Context, conversationID string, at time.Time) (*models.Conversation, error) {
	return t.recordOutbound(ctx, conversationID, at, false)
}

func (t *Tracker) recordOutbound(ctx context.Context, conversationID string, at time.Time, supersede bool) (*models.Conversation, error) {
	at = t.clamp(conversationID, at)

	conv, err := t.store.UpdateConversation(ctx, conversationID, func(c *models.Conversation) error {
		if at.After(c.LastMessageAt) {
			c.LastMessageAt = at
		}
		if supersede && c.Status != models.ConversationResolved {
			c.Awaiting = models.AwaitingTheirReply
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.emit(models.Event{Type: models.EventMessageSent, ConversationID: conversationID, At: at})
	if supersede {
		t.cancelActive(ctx, conversationID, constants.ReasonSuperseded)
	}
	return conv, nil
}

// Snooze suppresses scheduling until the given instant. Idempotent.
func (t *Tracker) Snooze(ctx context.Context, conversationID string, until time.Time) (*models.Conversation, error) {
	now := t.clock.Now()
	if !until.After(now) {
		return nil, fmt.Errorf("snooze until %s is not in the future: %w", until.Format(time.RFC3339), errs.ErrInvalidSchedule)
	}

	conv, err := t.store.UpdateConversation(ctx, conversationID, func(c *models.Conversation) error {
		if c.Status == models.ConversationResolved {
			return store.ErrUnchanged
		}
		if c.Status == models.ConversationSnoozed && c.SnoozedUntil.Equal(until) {
			return store.ErrUnchanged
		}
		c.Status = models.ConversationSnoozed
		c.SnoozedUntil = until.UTC()
		return nil
	})
	if errors.Is(err, store.ErrUnchanged) {
		return conv, nil
	}
	if err != nil {
		return nil, err
	}

	t.emit(models.Event{
		Type:           models.EventSnoozed,
		ConversationID: conversationID,
		Attributes:     map[string]string{"until": until.UTC().Format(time.RFC3339)},
	})
	t.cancelActive(ctx, conversationID, constants.ReasonSnoozed)
	return conv, nil
}

// Resolve closes the conversation for good. Idempotent.
func (t *Tracker) Resolve(ctx context.Context, conversationID string) (*models.Conversation, error) {
	conv, err := t.store.UpdateConversation(ctx, conversationID, func(c *models.Conversation) error {
		if c.Status == models.ConversationResolved {
			return store.ErrUnchanged
		}
		c.Status = models.ConversationResolved
		c.SnoozedUntil = time.Time{}
		return nil
	})
	if errors.Is(err, store.ErrUnchanged) {
		return conv, nil
	}
	if err != nil {
		return nil, err
	}

	t.emit(models.Event{Type: models.EventResolved, ConversationID: conversationID})
	t.cancelActive(ctx, conversationID, constants.ReasonResolved)
	return conv, nil
}

// Resume is the human "continue" after an escalation: a fresh chain starts now.
func (t *Tracker) Resume(ctx context.Context, conversationID string) (*models.Conversation, error) {
	now := t.clock.Now()
	conv, err := t.store.UpdateConversation(ctx, conversationID, func(c *models.Conversation) error {
		if c.Status == models.ConversationResolved {
			return fmt.Errorf("conversation %s is resolved: %w", c.ID, errs.ErrInvalidTransition)
		}
		c.Status = models.ConversationActive
		c.SnoozedUntil = time.Time{}
		c.NeedsHuman = false
		c.ChainStartedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.emit(models.Event{Type: models.EventResumed, ConversationID: conversationID, At: now})
	return conv, nil
}

// MarkNeedsHuman flags the conversation for an operator. It reports whether
// the flag was newly set, so callers raise each signal once per chain.
func (t *Tracker) MarkNeedsHuman(ctx context.Context, conversationID string) (bool, error) {
	_, err := t.store.UpdateConversation(ctx, conversationID, func(c *models.Conversation) error {
		if c.NeedsHuman {
			return store.ErrUnchanged
		}
		c.NeedsHuman = true
		return nil
	})
	if errors.Is(err, store.ErrUnchanged) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *Tracker) clamp(conversationID string, at time.Time) time.Time {
	now := t.clock.Now()
	if at.IsZero() {
		return now
	}
	if at.After(now) {
		t.logger.WithFields(logrus.Fields{
			"conversation_id": conversationID,
			"reported_at":     at,
			"now":             now,
		}).Warn("Clamping future message timestamp")
		return now
	}
	return at.UTC()
}

func (t *Tracker) cancelActive(ctx context.Context, conversationID, reason string) {
	if t.canceller == nil {
		return
	}
	if _, err := t.canceller.CancelActive(ctx, conversationID, reason); err != nil {
		t.logger.WithError(err).WithFields(logrus.Fields{
			"conversation_id": conversationID,
			"reason":          reason,
		}).Error("Failed to cancel active nudge")
	}
}

func (t *Tracker) emit(ev models.Event) {
	if t.emitter == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = t.clock.Now()
	}
	t.emitter.Emit(ev)
}
