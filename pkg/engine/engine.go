// Package engine wires the tracker, policy, scheduler, approval gate and
// dispatcher into the operations exposed to callers and the periodic tick.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"followup-nudge-engine/pkg/approval"
	"followup-nudge-engine/pkg/audit"
	"followup-nudge-engine/pkg/clock"
	"followup-nudge-engine/pkg/constants"
	"followup-nudge-engine/pkg/dispatch"
	"followup-nudge-engine/pkg/errs"
	"followup-nudge-engine/pkg/metrics"
	"followup-nudge-engine/pkg/models"
	"followup-nudge-engine/pkg/policy"
	"followup-nudge-engine/pkg/scheduler"
	"followup-nudge-engine/pkg/store"
	"followup-nudge-engine/pkg/tracker"
)

// Components are the collaborators the engine coordinates.
type Components struct {
	Store      store.Store
	Clock      *clock.Service
	Tracker    *tracker.Tracker
	Policy     *policy.Policy
	Scheduler  *scheduler.Scheduler
	Gate       *approval.Gate
	Dispatcher *dispatch.Dispatcher
	Emitter    audit.Emitter
}

type Options struct {
	WorkerID            string
	ClaimBatchSize      int
	DispatchConcurrency int
}

type Engine struct {
	store      store.Store
	clock      *clock.Service
	tracker    *tracker.Tracker
	policy     *policy.Policy
	scheduler  *scheduler.Scheduler
	gate       *approval.Gate
	dispatcher *dispatch.Dispatcher
	emitter    audit.Emitter
	opts       Options
	logger     *logrus.Logger
	metrics    *metrics.Metrics
}

func New(c Components, opts Options, logger *logrus.Logger, metrics *metrics.Metrics) *Engine {
	if opts.ClaimBatchSize <= 0 {
		opts.ClaimBatchSize = constants.DefaultClaimBatchSize
	}
	if opts.DispatchConcurrency <= 0 {
		opts.DispatchConcurrency = constants.DefaultDispatchConcurrency
	}
	if opts.WorkerID == "" {
		opts.WorkerID = "worker"
	}
	return &Engine{
		store:      c.Store,
		clock:      c.Clock,
		tracker:    c.Tracker,
		policy:     c.Policy,
		scheduler:  c.Scheduler,
		gate:       c.Gate,
		dispatcher: c.Dispatcher,
		emitter:    c.Emitter,
		opts:       opts,
		logger:     logger,
		metrics:    metrics,
	}
}

// MessageEvent is an inbound or outbound message on a conversation. Contact
// and channel are only needed the first time a conversation is seen.
type MessageEvent struct {
	ConversationID string         `json:"conversation_id"`
	ContactID      string         `json:"contact_id,omitempty"`
	Channel        models.Channel `json:"channel,omitempty"`
	Subject        string         `json:"subject,omitempty"`
	At             time.Time      `json:"at"`
	Sentiment      string         `json:"sentiment,omitempty"`
}

// Evaluation is a policy decision together with the nudge it produced, if any.
type Evaluation struct {
	Decision models.Decision `json:"decision"`
	Nudge    *models.Nudge   `json:"nudge,omitempty"`
}

// ReplyReceived records a reply from the contact and re-evaluates.
func (e *Engine) ReplyReceived(ctx context.Context, ev MessageEvent) (*Evaluation, error) {
	if err := e.ensure(ctx, ev); err != nil {
		return nil, err
	}
	if _, err := e.tracker.RecordInboundReply(ctx, ev.ConversationID, ev.At, ev.Sentiment); err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, ev.ConversationID)
}

// MessageSent records a message from our side and re-evaluates, which usually
// yields a Wait until the first nudge is due.
func (e *Engine) MessageSent(ctx context.Context, ev MessageEvent) (*Evaluation, error) {
	if err := e.ensure(ctx, ev); err != nil {
		return nil, err
	}
	if _, err := e.tracker.RecordOutboundSend(ctx, ev.ConversationID, ev.At); err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, ev.ConversationID)
}

func (e *Engine) ensure(ctx context.Context, ev MessageEvent) error {
	if ev.ContactID == "" {
		_, err := e.store.GetConversation(ctx, ev.ConversationID)
		return err
	}
	_, err := e.tracker.EnsureConversation(ctx, tracker.Seed{
		ID:        ev.ConversationID,
		ContactID: ev.ContactID,
		Channel:   ev.Channel,
		Subject:   ev.Subject,
	})
	return err
}

// CalendarUpdated re-checks out-of-office for every open conversation with the
// contact and shifts their active nudges. It returns the nudges that moved.
func (e *Engine) CalendarUpdated(ctx context.Context, contactID string) ([]*models.Nudge, error) {
	ids, err := e.store.ListOpenConversations(ctx)
	if err != nil {
		return nil, err
	}

	var shifted []*models.Nudge
	for _, id := range ids {
		conv, err := e.store.GetConversation(ctx, id)
		if err != nil {
			e.logger.WithError(err).WithField("conversation_id", id).Warn("Skipping conversation on calendar update")
			continue
		}
		if conv.ContactID != contactID {
			continue
		}

		before, err := e.store.ActiveNudge(ctx, id)
		if err != nil {
			return shifted, err
		}
		after, err := e.scheduler.ShiftForOutOfOffice(ctx, id)
		if err != nil {
			return shifted, err
		}
		if before != nil && after != nil && !after.ScheduledAt.Equal(before.ScheduledAt) {
			shifted = append(shifted, after)
		}
		if _, err := e.Evaluate(ctx, id); err != nil {
			return shifted, err
		}
	}
	return shifted, nil
}

// Evaluate runs the escalation policy for a conversation and acts on the
// decision: a Nudge is scheduled, an Escalate raises a needs-human signal
// once per chain.
func (e *Engine) Evaluate(ctx context.Context, conversationID string) (*Evaluation, error) {
	conv, decision, err := e.decide(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	result := &Evaluation{Decision: decision}

	switch decision.Kind {
	case models.DecisionNudge:
		n, err := e.scheduler.Schedule(ctx, conversationID, decision, e.clock.Now())
		if errs.IsConflict(err) {
			// Another worker scheduled first.
			e.logger.WithField("conversation_id", conversationID).Debug("Nudge already scheduled")
			return result, nil
		}
		if err != nil {
			return nil, err
		}
		result.Nudge = n
	case models.DecisionEscalate:
		if err := e.raiseNeedsHuman(ctx, conv, "", decision.Reason, decision.Notify); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// ScheduleForConversation schedules the next nudge now if the policy calls for
// one. It fails with *errs.ConflictError when a nudge is already active.
func (e *Engine) ScheduleForConversation(ctx context.Context, conversationID string) (*Evaluation, error) {
	active, err := e.store.ActiveNudge(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, &errs.ConflictError{ConversationID: conversationID, ActiveNudgeID: active.ID}
	}

	_, decision, err := e.decide(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	result := &Evaluation{Decision: decision}
	if decision.Kind != models.DecisionNudge {
		return result, nil
	}
	n, err := e.scheduler.Schedule(ctx, conversationID, decision, e.clock.Now())
	if err != nil {
		return nil, err
	}
	result.Nudge = n
	return result, nil
}

func (e *Engine) decide(ctx context.Context, conversationID string) (*models.Conversation, models.Decision, error) {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, models.Decision{}, err
	}
	history, err := e.store.ListChain(ctx, conversationID)
	if err != nil {
		return nil, models.Decision{}, err
	}

	var tz string
	if contact, err := e.store.GetContact(ctx, conv.ContactID); err == nil {
		tz = contact.Timezone
	} else if !errors.Is(err, errs.ErrNotFound) {
		return nil, models.Decision{}, err
	}

	decision := e.policy.Evaluate(conv, history, tz, e.clock.Now())
	e.metrics.PolicyDecisions.WithLabelValues(string(decision.Kind)).Inc()
	e.logger.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"decision":        decision.Kind,
		"reason":          decision.Reason,
		"level":           decision.Level,
	}).Debug("Evaluated conversation")

	e.emit(models.Event{
		Type:           models.EventDecision,
		ConversationID: conversationID,
		Level:          decision.Level,
		Reason:         decision.Reason,
		Attributes:     map[string]string{"kind": string(decision.Kind)},
	})
	return conv, decision, nil
}

// raiseNeedsHuman flags the conversation and emits the signal, once per chain.
func (e *Engine) raiseNeedsHuman(ctx context.Context, conv *models.Conversation, nudgeID, reason string, notify []string) error {
	raised, err := e.tracker.MarkNeedsHuman(ctx, conv.ID)
	if err != nil {
		return err
	}
	if !raised {
		return nil
	}

	e.metrics.NeedsHumanSignals.WithLabelValues(reason).Inc()
	e.logger.WithFields(logrus.Fields{
		"conversation_id": conv.ID,
		"nudge_id":        nudgeID,
		"reason":          reason,
		"notify":          notify,
	}).Warn("Conversation needs human attention")
	e.emit(models.Event{
		Type:           models.EventNeedsHuman,
		ConversationID: conv.ID,
		NudgeID:        nudgeID,
		Reason:         reason,
		Notify:         notify,
	})
	return nil
}

func (e *Engine) CancelNudge(ctx context.Context, nudgeID, reason string) (*models.Nudge, error) {
	return e.scheduler.Cancel(ctx, nudgeID, reason)
}

func (e *Engine) ApproveNudge(ctx context.Context, nudgeID, approver string) (*models.Nudge, error) {
	return e.approve(ctx, nudgeID, "", approver)
}

func (e *Engine) EditAndApproveNudge(ctx context.Context, nudgeID, content, approver string) (*models.Nudge, error) {
	if content == "" {
		return nil, fmt.Errorf("edited content is empty: %w", errs.ErrInvalidTransition)
	}
	return e.approve(ctx, nudgeID, content, approver)
}

func (e *Engine) approve(ctx context.Context, nudgeID, content, approver string) (*models.Nudge, error) {
	var (
		n   *models.Nudge
		err error
	)
	if content == "" {
		n, err = e.gate.Approve(ctx, nudgeID, "", approver)
	} else {
		n, err = e.gate.EditAndApprove(ctx, nudgeID, content, approver)
	}
	if err != nil {
		return nil, err
	}
	e.emit(models.Event{
		Type:           models.EventNudgeApproved,
		ConversationID: n.ConversationID,
		NudgeID:        n.ID,
		Level:          n.EscalationLevel,
		Attributes:     map[string]string{"approved_by": n.ApprovedBy},
	})
	return n, nil
}

// SendNow dispatches an approved nudge immediately, ignoring its scheduled
// time. Nudges still awaiting approval are refused.
func (e *Engine) SendNow(ctx context.Context, nudgeID string) (dispatch.Result, error) {
	n, err := e.store.GetNudge(ctx, nudgeID)
	if err != nil {
		return dispatch.Result{}, err
	}
	if n.Status.Terminal() {
		return dispatch.Result{Nudge: n}, fmt.Errorf("send nudge %s in status %s: %w", n.ID, n.Status, errs.ErrInvalidTransition)
	}
	if n.Status != models.NudgeApproved {
		return dispatch.Result{Nudge: n}, fmt.Errorf("nudge %s: %w", n.ID, errs.ErrApprovalRequired)
	}

	claimed, err := e.store.ClaimNudge(ctx, nudgeID, e.clock.Now(), constants.WorkerSendNow)
	if err != nil {
		return dispatch.Result{Nudge: n}, err
	}
	return e.dispatchClaimed(ctx, claimed)
}

func (e *Engine) RescheduleNudge(ctx context.Context, nudgeID string, at time.Time) (*models.Nudge, error) {
	return e.scheduler.Reschedule(ctx, nudgeID, at)
}

// DeliveryWebhook applies a provider status update. A newly reported delivery
// failure raises a needs-human signal.
func (e *Engine) DeliveryWebhook(ctx context.Context, update models.DeliveryUpdate) (*models.Nudge, bool, error) {
	n, applied, err := e.dispatcher.ApplyDeliveryStatus(ctx, update)
	if err != nil || !applied {
		return n, applied, err
	}
	if update.Status == models.DeliveryFailed {
		conv, err := e.store.GetConversation(ctx, n.ConversationID)
		if err != nil {
			return n, applied, err
		}
		if err := e.raiseNeedsHuman(ctx, conv, n.ID, policy.ReasonDeliveryFailed, nil); err != nil {
			return n, applied, err
		}
	}
	return n, applied, nil
}

func (e *Engine) Snooze(ctx context.Context, conversationID string, until time.Time) (*models.Conversation, error) {
	return e.tracker.Snooze(ctx, conversationID, until)
}

func (e *Engine) Resolve(ctx context.Context, conversationID string) (*models.Conversation, error) {
	return e.tracker.Resolve(ctx, conversationID)
}

// Resume starts a fresh chain after a human reviewed an escalation.
func (e *Engine) Resume(ctx context.Context, conversationID string) (*Evaluation, error) {
	if _, err := e.tracker.Resume(ctx, conversationID); err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, conversationID)
}

// Conversation returns the conversation and its nudges, oldest first.
func (e *Engine) Conversation(ctx context.Context, conversationID string) (*models.Conversation, []*models.Nudge, error) {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	chain, err := e.store.ListChain(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	return conv, chain, nil
}

func (e *Engine) Nudge(ctx context.Context, nudgeID string) (*models.Nudge, error) {
	return e.store.GetNudge(ctx, nudgeID)
}

func (e *Engine) SaveContact(ctx context.Context, contact *models.Contact) error {
	if contact.ID == "" {
		return fmt.Errorf("contact id is required")
	}
	if _, err := clock.LoadLocation(contact.Timezone); err != nil {
		return err
	}
	return e.store.SaveContact(ctx, contact)
}

func (e *Engine) emit(ev models.Event) {
	if e.emitter == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = e.clock.Now()
	}
	e.emitter.Emit(ev)
}

// OpenConversations counts conversations that are not resolved.
func (e *Engine) OpenConversations(ctx context.Context) (int, error) {
	ids, err := e.store.ListOpenConversations(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}
