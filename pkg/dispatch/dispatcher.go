// Package dispatch sends claimed nudges through their channel and records the
// outcome: sent, re-queued with backoff, or failed.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"followup-nudge-engine/pkg/audit"
	"followup-nudge-engine/pkg/clock"
	"followup-nudge-engine/pkg/constants"
	"followup-nudge-engine/pkg/errs"
	"followup-nudge-engine/pkg/metrics"
	"followup-nudge-engine/pkg/models"
	"followup-nudge-engine/pkg/retry"
	"followup-nudge-engine/pkg/store"
)

type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeRequeued  Outcome = "requeued"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeReleased means the claim was dropped without a send attempt.
	OutcomeReleased Outcome = "released"
)

// Result describes what Dispatch did with one nudge.
type Result struct {
	Nudge   *models.Nudge
	Outcome Outcome
	Err     error
}

type Options struct {
	SendTimeout   time.Duration
	RatePerSecond float64
	RateBurst     int
	Retry         retry.Policy
}

type Dispatcher struct {
	store    store.Store
	senders  map[models.Channel]Sender
	limiters *limiterPool
	opts     Options
	clock    clock.Clock
	emitter  audit.Emitter
	logger   *logrus.Logger
	metrics  *metrics.Metrics
}

func New(st store.Store, senders map[models.Channel]Sender, opts Options, c clock.Clock,
	emitter audit.Emitter, logger *logrus.Logger, metrics *metrics.Metrics) *Dispatcher {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = constants.SendTimeout
	}
	if opts.Retry.BaseDelay <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	return &Dispatcher{
		store:    st,
		senders:  senders,
		limiters: &limiterPool{rps: opts.RatePerSecond, burst: opts.RateBurst},
		opts:     opts,
		clock:    c,
		emitter:  emitter,
		logger:   logger,
		metrics:  metrics,
	}
}

// Dispatch sends a nudge the caller has claimed. Only approved nudges are
// sent; a pending one is released back to the queue untouched. A cancel
// requested while the nudge was claimed wins over the send.
func (d *Dispatcher) Dispatch(ctx context.Context, nudge *models.Nudge, contact *models.Contact, conv *models.Conversation) (Result, error) {
	if !nudge.Claimed() {
		return Result{Nudge: nudge}, fmt.Errorf("dispatch unclaimed nudge %s: %w", nudge.ID, errs.ErrInvalidTransition)
	}
	worker := nudge.ClaimedBy

	entry := d.logger.WithFields(logrus.Fields{
		"nudge_id":        nudge.ID,
		"conversation_id": nudge.ConversationID,
		"level":           nudge.EscalationLevel,
		"channel":         nudge.Channel,
		"worker":          worker,
	})

	if nudge.CancelRequested != "" {
		return d.release(ctx, nudge, worker)
	}
	if nudge.Status != models.NudgeApproved {
		entry.WithField("status", nudge.Status).Debug("Releasing nudge that is not approved")
		return d.release(ctx, nudge, worker)
	}

	recipient, err := recipientFor(nudge.Channel, contact)
	if err != nil {
		return d.fail(ctx, nudge, worker, err, entry)
	}

	sender, ok := d.senders[nudge.Channel]
	if !ok {
		return d.fail(ctx, nudge, worker, errs.NewPermanent("unsupported_channel", fmt.Errorf("no sender for %q", nudge.Channel)), entry)
	}

	if err := d.limiters.get(nudge.Channel).Wait(ctx); err != nil {
		// Shutting down; leave the nudge for the next tick.
		res, relErr := d.release(ctx, nudge, worker)
		if relErr != nil {
			return res, relErr
		}
		return res, err
	}

	msg := Message{
		NudgeID:        nudge.ID,
		ConversationID: nudge.ConversationID,
		Channel:        nudge.Channel,
		Recipient:      recipient,
		Content:        nudge.Content(),
	}
	if conv != nil {
		msg.LastInboundAt = conv.LastReplyAt
	}

	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	providerID, sendErr := sender.Send(sctx, msg)
	cancel()
	d.metrics.SendDuration.WithLabelValues(string(nudge.Channel)).Observe(time.Since(start).Seconds())

	if sendErr != nil {
		return d.handleFailure(ctx, nudge, worker, sendErr, entry)
	}
	return d.markSent(ctx, nudge, worker, providerID, entry)
}

func (d *Dispatcher) markSent(ctx context.Context, nudge *models.Nudge, worker, providerID string, entry *logrus.Entry) (Result, error) {
	now := d.clock.Now()
	n, err := d.store.UpdateNudge(ctx, nudge.ID, func(n *models.Nudge) error {
		if n.Status.Terminal() {
			return fmt.Errorf("nudge %s became %s during send: %w", n.ID, n.Status, errs.ErrInvalidTransition)
		}
		n.Status = models.NudgeSent
		n.SentAt = now
		n.ProviderMessageID = providerID
		n.CancelRequested = ""
		n.LastError = ""
		clearClaim(n)
		return nil
	})
	if err != nil {
		// The provider accepted the message; only our bookkeeping failed.
		entry.WithError(err).WithField("provider_message_id", providerID).Error("Failed to record sent nudge")
		return Result{Nudge: nudge, Outcome: OutcomeSent, Err: err}, err
	}

	d.metrics.NudgesSent.WithLabelValues(strconv.Itoa(n.EscalationLevel), string(n.Channel)).Inc()
	entry.WithField("provider_message_id", providerID).Info("Nudge sent")
	d.emit(models.Event{
		Type:           models.EventNudgeSent,
		ConversationID: n.ConversationID,
		NudgeID:        n.ID,
		Level:          n.EscalationLevel,
		At:             now,
		Attributes: map[string]string{
			"channel":             string(n.Channel),
			"provider_message_id": providerID,
		},
	})
	return Result{Nudge: n, Outcome: OutcomeSent}, nil
}

func (d *Dispatcher) handleFailure(ctx context.Context, nudge *models.Nudge, worker string, sendErr error, entry *logrus.Entry) (Result, error) {
	policy := d.opts.Retry
	if nudge.MaxRetries > 0 {
		policy.MaxRetries = nudge.MaxRetries
	}
	verdict := policy.Next(sendErr, nudge.RetryCount+1)
	if !verdict.Retry {
		return d.fail(ctx, nudge, worker, sendErr, entry)
	}

	now := d.clock.Now()
	next := now.Add(verdict.Delay)
	var cancelled bool
	n, err := d.store.UpdateNudge(ctx, nudge.ID, func(n *models.Nudge) error {
		if err := ownedBy(n, worker); err != nil {
			return err
		}
		n.RetryCount++
		n.LastError = sendErr.Error()
		clearClaim(n)
		cancelled = n.CancelRequested != ""
		if cancelled {
			cancelNudge(n)
			return nil
		}
		n.ScheduledAt = next
		return nil
	})
	if err != nil {
		return Result{Nudge: nudge, Err: sendErr}, err
	}
	if cancelled {
		d.emitCancelled(n)
		return Result{Nudge: n, Outcome: OutcomeCancelled, Err: sendErr}, nil
	}

	d.metrics.NudgeRetries.Inc()
	entry.WithError(sendErr).WithFields(logrus.Fields{
		"retry_count": n.RetryCount,
		"max_retries": policy.MaxRetries,
		"next_try":    humanize.RelTime(next, now, "ago", "from now"),
	}).Warn("Transient send failure, nudge re-queued")
	d.emit(models.Event{
		Type:           models.EventNudgeRetryQueued,
		ConversationID: n.ConversationID,
		NudgeID:        n.ID,
		Level:          n.EscalationLevel,
		Reason:         sendErr.Error(),
		At:             now,
		Attributes: map[string]string{
			"retry_count":  strconv.Itoa(n.RetryCount),
			"scheduled_at": next.Format(time.RFC3339),
		},
	})
	return Result{Nudge: n, Outcome: OutcomeRequeued, Err: sendErr}, nil
}

// fail marks the nudge failed. The caller raises the needs-human signal.
func (d *Dispatcher) fail(ctx context.Context, nudge *models.Nudge, worker string, sendErr error, entry *logrus.Entry) (Result, error) {
	kind := retry.Classify(sendErr)
	code := kind.String()
	var de *errs.DeliveryError
	if errors.As(sendErr, &de) && de.Code != "" {
		code = de.Code
	}

	now := d.clock.Now()
	n, err := d.store.UpdateNudge(ctx, nudge.ID, func(n *models.Nudge) error {
		if err := ownedBy(n, worker); err != nil {
			return err
		}
		if kind == errs.Transient {
			n.RetryCount++
		}
		n.Status = models.NudgeFailed
		n.FailedAt = now
		n.FailureReason = code
		n.LastError = sendErr.Error()
		n.CancelRequested = ""
		clearClaim(n)
		return nil
	})
	if err != nil {
		return Result{Nudge: nudge, Err: sendErr}, err
	}

	d.metrics.NudgesFailed.WithLabelValues(kind.String()).Inc()
	entry.WithError(sendErr).WithFields(logrus.Fields{
		"failure_reason": code,
		"retry_count":    n.RetryCount,
	}).Error("Nudge failed")
	d.emit(models.Event{
		Type:           models.EventNudgeFailed,
		ConversationID: n.ConversationID,
		NudgeID:        n.ID,
		Level:          n.EscalationLevel,
		Reason:         code,
		At:             now,
	})
	return Result{Nudge: n, Outcome: OutcomeFailed, Err: sendErr}, nil
}

// release drops the claim without a send attempt, honouring any cancel
// requested meanwhile.
func (d *Dispatcher) release(ctx context.Context, nudge *models.Nudge, worker string) (Result, error) {
	var cancelled bool
	n, err := d.store.UpdateNudge(ctx, nudge.ID, func(n *models.Nudge) error {
		if err := ownedBy(n, worker); err != nil {
			return err
		}
		clearClaim(n)
		cancelled = n.CancelRequested != ""
		if cancelled {
			cancelNudge(n)
		}
		return nil
	})
	if err != nil {
		return Result{Nudge: nudge}, err
	}
	if cancelled {
		d.emitCancelled(n)
		return Result{Nudge: n, Outcome: OutcomeCancelled}, nil
	}
	return Result{Nudge: n, Outcome: OutcomeReleased}, nil
}

func (d *Dispatcher) emitCancelled(n *models.Nudge) {
	d.metrics.NudgesCancelled.WithLabelValues(n.CancelReason).Inc()
	d.logger.WithFields(logrus.Fields{
		"nudge_id":        n.ID,
		"conversation_id": n.ConversationID,
		"reason":          n.CancelReason,
	}).Info("Cancelled nudge on release")
	d.emit(models.Event{
		Type:           models.EventNudgeCancelled,
		ConversationID: n.ConversationID,
		NudgeID:        n.ID,
		Level:          n.EscalationLevel,
		Reason:         n.CancelReason,
	})
}

func (d *Dispatcher) emit(ev models.Event) {
	if d.emitter == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = d.clock.Now()
	}
	d.emitter.Emit(ev)
}

// ownedBy fails when the claim lapsed and another worker took the nudge over.
func ownedBy(n *models.Nudge, worker string) error {
	if n.Status.Terminal() {
		return fmt.Errorf("nudge %s is %s: %w", n.ID, n.Status, errs.ErrInvalidTransition)
	}
	if n.ClaimedBy != worker {
		return fmt.Errorf("nudge %s now held by %q: %w", n.ID, n.ClaimedBy, errs.ErrClaimed)
	}
	return nil
}

func clearClaim(n *models.Nudge) {
	n.ClaimedBy = ""
	n.ClaimedAt = time.Time{}
}

func cancelNudge(n *models.Nudge) {
	n.Status = models.NudgeCancelled
	n.CancelReason = n.CancelRequested
	n.CancelRequested = ""
}
