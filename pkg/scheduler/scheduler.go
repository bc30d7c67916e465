// Package scheduler owns the nudge lifecycle up to dispatch: it turns policy
// decisions into persisted nudges, claims due work and handles cancellation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"followup-nudge-engine/pkg/approval"
	"followup-nudge-engine/pkg/audit"
	"followup-nudge-engine/pkg/clock"
	"followup-nudge-engine/pkg/constants"
	"followup-nudge-engine/pkg/errs"
	"followup-nudge-engine/pkg/metrics"
	"followup-nudge-engine/pkg/models"
	"followup-nudge-engine/pkg/retry"
	"followup-nudge-engine/pkg/store"
)

type Options struct {
	DraftTimeout      time.Duration
	CalendarTimeout   time.Duration
	OutOfOfficeProbes int
	MaxRetries        int
	DraftRetry        retry.Policy
}

func DefaultOptions() Options {
	return Options{
		DraftTimeout:      constants.DraftTimeout,
		CalendarTimeout:   constants.CalendarTimeout,
		OutOfOfficeProbes: constants.DefaultOutOfOfficeProbes,
		MaxRetries:        constants.DefaultMaxRetries,
		DraftRetry:        retry.DraftPolicy(),
	}
}

type Scheduler struct {
	store    store.Store
	clock    *clock.Service
	gate     *approval.Gate
	drafter  Drafter
	calendar CalendarLookup
	emitter  audit.Emitter
	opts     Options
	logger   *logrus.Logger
	metrics  *metrics.Metrics
}

func New(st store.Store, clk *clock.Service, gate *approval.Gate, drafter Drafter, calendar CalendarLookup,
	emitter audit.Emitter, opts Options, logger *logrus.Logger, metrics *metrics.Metrics) *Scheduler {
	def := DefaultOptions()
	if opts.DraftTimeout <= 0 {
		opts.DraftTimeout = def.DraftTimeout
	}
	if opts.CalendarTimeout <= 0 {
		opts.CalendarTimeout = def.CalendarTimeout
	}
	if opts.OutOfOfficeProbes <= 0 {
		opts.OutOfOfficeProbes = def.OutOfOfficeProbes
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.DraftRetry.Multiplier == 0 {
		opts.DraftRetry = def.DraftRetry
	}
	return &Scheduler{
		store:    st,
		clock:    clk,
		gate:     gate,
		drafter:  drafter,
		calendar: calendar,
		emitter:  emitter,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
	}
}

// Schedule persists a nudge for a Nudge decision. It fails with
// *errs.ConflictError when the conversation already has an active nudge.
func (s *Scheduler) Schedule(ctx context.Context, conversationID string, decision models.Decision, now time.Time) (*models.Nudge, error) {
	if decision.Kind != models.DecisionNudge {
		return nil, fmt.Errorf("cannot schedule a %s decision: %w", decision.Kind, errs.ErrInvalidTransition)
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if active, err := s.store.ActiveNudge(ctx, conversationID); err != nil {
		return nil, err
	} else if active != nil {
		s.metrics.ScheduleConflicts.Inc()
		return nil, &errs.ConflictError{ConversationID: conversationID, ActiveNudgeID: active.ID}
	}
	contact := s.contactFor(ctx, conv.ContactID)

	channel := decision.Channel
	if channel == "" {
		channel = conv.Channel
	}

	scheduledAt := s.scheduledTime(ctx, conv, contact, decision.WaitWindow, now)

	nudge := &models.Nudge{
		ID:              uuid.New().String(),
		ConversationID:  conversationID,
		ContactID:       conv.ContactID,
		ScheduledAt:     scheduledAt,
		Status:          models.NudgePending,
		Channel:         channel,
		Tone:            decision.Tone,
		EscalationLevel: decision.Level,
		MaxRetries:      s.opts.MaxRetries,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	draft, draftErr := s.generateDraft(ctx, conv, contact, nudge)
	if draftErr != nil {
		nudge.RequiresApproval = true
		nudge.ApprovalReason = approval.ReasonDraftUnavailable
		nudge.LastError = draftErr.Error()
	} else {
		nudge.DraftContent = draft.Content
		nudge.Confidence = draft.Confidence

		c := s.gate.Classify(nudge, contact, conv, draft.Confidence)
		if c.Outcome == approval.AutoApprove {
			nudge.Status = models.NudgeApproved
			nudge.ApprovedBy = constants.ApproverAuto
		} else {
			nudge.RequiresApproval = true
			nudge.ApprovalReason = c.Reason
		}
	}

	if err := s.store.CreateNudge(ctx, nudge); err != nil {
		if errs.IsConflict(err) {
			s.metrics.ScheduleConflicts.Inc()
		}
		return nil, err
	}

	s.metrics.NudgesScheduled.WithLabelValues(strconv.Itoa(nudge.EscalationLevel), string(nudge.Channel)).Inc()
	s.logger.WithFields(logrus.Fields{
		"nudge_id":          nudge.ID,
		"conversation_id":   conversationID,
		"level":             nudge.EscalationLevel,
		"scheduled_at":      nudge.ScheduledAt,
		"status":            nudge.Status,
		"requires_approval": nudge.RequiresApproval,
	}).Info("Scheduled nudge")

	s.emit(models.Event{
		Type:           models.EventNudgeScheduled,
		ConversationID: conversationID,
		NudgeID:        nudge.ID,
		Level:          nudge.EscalationLevel,
		Attributes: map[string]string{
			"scheduled_at": nudge.ScheduledAt.Format(time.RFC3339),
			"channel":      string(nudge.Channel),
			"tone":         string(nudge.Tone),
			"rule":         decision.Rule,
		},
	})
	if nudge.RequiresApproval {
		s.emit(models.Event{
			Type:           models.EventApprovalRequired,
			ConversationID: conversationID,
			NudgeID:        nudge.ID,
			Level:          nudge.EscalationLevel,
			Reason:         nudge.ApprovalReason,
		})
	}
	if draftErr != nil {
		s.metrics.NeedsHumanSignals.WithLabelValues(approval.ReasonDraftUnavailable).Inc()
		s.emit(models.Event{
			Type:           models.EventNeedsHuman,
			ConversationID: conversationID,
			NudgeID:        nudge.ID,
			Level:          nudge.EscalationLevel,
			Reason:         approval.ReasonDraftUnavailable,
		})
	}
	return nudge, nil
}

// scheduledTime is max(now, last message + window), moved into the contact's
// business hours and past any out-of-office period.
func (s *Scheduler) scheduledTime(ctx context.Context, conv *models.Conversation, contact *models.Contact, window time.Duration, now time.Time) time.Time {
	target := conv.LastMessageAt.Add(window)
	if target.Before(now) {
		// A target in the past is due now.
		target = now
	}

	at, err := s.clock.ToLocalBusinessHours(target, contact.Timezone)
	if err != nil {
		s.logger.WithError(err).WithField("contact_id", contact.ID).Warn("Falling back to UTC business hours")
	}
	return s.shiftPastOutOfOffice(ctx, contact, at)
}

func (s *Scheduler) generateDraft(ctx context.Context, conv *models.Conversation, contact *models.Contact, nudge *models.Nudge) (Draft, error) {
	if s.drafter == nil {
		return Draft{}, errs.ErrDraftUnavailable
	}

	req := DraftRequest{
		ConversationID: conv.ID,
		Contact:        contact,
		Subject:        conv.Subject,
		Level:          nudge.EscalationLevel,
		Tone:           nudge.Tone,
		Channel:        nudge.Channel,
		LastMessageAt:  conv.LastMessageAt,
		LastReplyAt:    conv.LastReplyAt,
		ExchangeCount:  conv.ExchangeCount,
	}

	var draft Draft
	entry := s.logger.WithFields(logrus.Fields{"conversation_id": conv.ID, "operation": "draft"})
	res := retry.Do(ctx, s.opts.DraftRetry, func(ctx context.Context) error {
		start := time.Now()
		dctx, cancel := context.WithTimeout(ctx, s.opts.DraftTimeout)
		defer cancel()

		d, err := s.drafter.GenerateDraft(dctx, req)
		s.metrics.DraftDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrDraftUnavailable, err)
		}
		if d.Content == "" {
			return fmt.Errorf("%w: empty draft", errs.ErrDraftUnavailable)
		}
		draft = d
		return nil
	}, entry)
	if !res.Success {
		return Draft{}, res.LastError
	}
	return draft, nil
}

func (s *Scheduler) shiftPastOutOfOffice(ctx context.Context, contact *models.Contact, at time.Time) time.Time {
	if s.calendar == nil || contact.Email == "" {
		return at
	}
	loc, _ := clock.LoadLocation(contact.Timezone)

	for probe := 0; probe < s.opts.OutOfOfficeProbes; probe++ {
		cctx, cancel := context.WithTimeout(ctx, s.opts.CalendarTimeout)
		ooo, err := s.calendar.IsOutOfOffice(cctx, contact.Email, at, at.Add(time.Hour))
		cancel()
		if err != nil {
			s.logger.WithError(err).WithField("contact_id", contact.ID).Warn("Calendar lookup failed, keeping schedule")
			return at
		}
		if !ooo {
			return at
		}
		at = s.clock.Hours.NextOpening(at, loc)
	}

	s.logger.WithFields(logrus.Fields{
		"contact_id": contact.ID,
		"until":      at,
	}).Warn("Contact still out of office after probing, scheduling at last probe")
	return at
}

// ClaimDue claims due nudges for workerID.
func (s *Scheduler) ClaimDue(ctx context.Context, now time.Time, batchSize int, workerID string) ([]*models.Nudge, error) {
	claimed, err := s.store.ClaimDue(ctx, now, batchSize, workerID)
	if err != nil {
		return nil, err
	}
	s.metrics.NudgesClaimed.Add(float64(len(claimed)))
	return claimed, nil
}

// Cancel cancels a pending or approved nudge. A nudge already claimed by a
// worker gets a cancel request instead, honoured if the worker releases it
// without sending. Cancelling a terminal nudge is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, nudgeID, reason string) (*models.Nudge, error) {
	if reason == "" {
		reason = constants.ReasonManual
	}

	var cancelled bool
	n, err := s.store.UpdateNudge(ctx, nudgeID, func(n *models.Nudge) error {
		cancelled = false
		if n.Status.Terminal() {
			return store.ErrUnchanged
		}
		if n.Claimed() {
			if n.CancelRequested != "" {
				return store.ErrUnchanged
			}
			n.CancelRequested = reason
			return nil
		}
		n.Status = models.NudgeCancelled
		n.CancelReason = reason
		cancelled = true
		return nil
	})
	if errors.Is(err, store.ErrUnchanged) {
		return n, nil
	}
	if err != nil {
		return nil, err
	}

	fields := logrus.Fields{"nudge_id": n.ID, "conversation_id": n.ConversationID, "reason": reason}
	if !cancelled {
		s.logger.WithFields(fields).Info("Nudge is in flight, cancel requested")
		return n, nil
	}

	s.metrics.NudgesCancelled.WithLabelValues(reason).Inc()
	s.logger.WithFields(fields).Info("Cancelled nudge")
	s.emit(models.Event{
		Type:           models.EventNudgeCancelled,
		ConversationID: n.ConversationID,
		NudgeID:        n.ID,
		Level:          n.EscalationLevel,
		Reason:         reason,
	})
	return n, nil
}

// CancelActive cancels the conversation's active nudge, if there is one.
func (s *Scheduler) CancelActive(ctx context.Context, conversationID, reason string) (*models.Nudge, error) {
	active, err := s.store.ActiveNudge(ctx, conversationID)
	if err != nil || active == nil {
		return nil, err
	}
	return s.Cancel(ctx, active.ID, reason)
}

// Reschedule moves an unclaimed active nudge to at, adjusted to the contact's
// business hours and never earlier than now.
func (s *Scheduler) Reschedule(ctx context.Context, nudgeID string, at time.Time) (*models.Nudge, error) {
	current, err := s.store.GetNudge(ctx, nudgeID)
	if err != nil {
		return nil, err
	}
	contact := s.contactFor(ctx, current.ContactID)

	now := s.clock.Now()
	if at.Before(now) {
		at = now
	}
	target, tzErr := s.clock.ToLocalBusinessHours(at, contact.Timezone)
	if tzErr != nil {
		s.logger.WithError(tzErr).WithField("contact_id", contact.ID).Warn("Falling back to UTC business hours")
	}

	n, err := s.moveSchedule(ctx, nudgeID, target)
	if err != nil {
		return nil, err
	}
	s.emit(models.Event{
		Type:           models.EventNudgeRescheduled,
		ConversationID: n.ConversationID,
		NudgeID:        n.ID,
		Attributes:     map[string]string{"scheduled_at": n.ScheduledAt.Format(time.RFC3339)},
	})
	return n, nil
}

// ShiftForOutOfOffice re-checks the calendar for the conversation's active
// nudge and pushes it past any out-of-office period. Wait windows are not
// re-evaluated.
func (s *Scheduler) ShiftForOutOfOffice(ctx context.Context, conversationID string) (*models.Nudge, error) {
	active, err := s.store.ActiveNudge(ctx, conversationID)
	if err != nil || active == nil {
		return nil, err
	}
	contact := s.contactFor(ctx, active.ContactID)

	shifted := s.shiftPastOutOfOffice(ctx, contact, active.ScheduledAt)
	if shifted.Equal(active.ScheduledAt) {
		return active, nil
	}

	n, err := s.moveSchedule(ctx, active.ID, shifted)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"nudge_id":        n.ID,
		"conversation_id": conversationID,
		"from":            active.ScheduledAt,
		"to":              n.ScheduledAt,
	}).Info("Shifted nudge past out-of-office")
	s.emit(models.Event{
		Type:           models.EventOutOfOfficeShifted,
		ConversationID: conversationID,
		NudgeID:        n.ID,
		Attributes: map[string]string{
			"from": active.ScheduledAt.Format(time.RFC3339),
			"to":   n.ScheduledAt.Format(time.RFC3339),
		},
	})
	return n, nil
}

func (s *Scheduler) moveSchedule(ctx context.Context, nudgeID string, at time.Time) (*models.Nudge, error) {
	return s.store.UpdateNudge(ctx, nudgeID, func(n *models.Nudge) error {
		if n.Status.Terminal() {
			return fmt.Errorf("reschedule nudge %s in status %s: %w", n.ID, n.Status, errs.ErrInvalidTransition)
		}
		if n.Claimed() {
			return fmt.Errorf("nudge %s: %w", n.ID, errs.ErrClaimed)
		}
		n.ScheduledAt = at
		return nil
	})
}

// contactFor loads the contact, falling back to a bare UTC contact so a
// missing profile never blocks scheduling.
func (s *Scheduler) contactFor(ctx context.Context, contactID string) *models.Contact {
	contact, err := s.store.GetContact(ctx, contactID)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			s.logger.WithError(err).WithField("contact_id", contactID).Warn("Failed to load contact")
		}
		return &models.Contact{ID: contactID}
	}
	return contact
}

func (s *Scheduler) emit(ev models.Event) {
	if s.emitter == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = s.clock.Now()
	}
	s.emitter.Emit(ev)
}
