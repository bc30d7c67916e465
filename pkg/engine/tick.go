package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"followup-nudge-engine/pkg/constants"
	"followup-nudge-engine/pkg/dispatch"
	"followup-nudge-engine/pkg/errs"
	"followup-nudge-engine/pkg/models"
	"followup-nudge-engine/pkg/policy"
)

// TickReport summarises one claim-and-dispatch cycle.
type TickReport struct {
	Claimed   int `json:"claimed"`
	Sent      int `json:"sent"`
	Requeued  int `json:"requeued"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Released  int `json:"released"`
	Errors    int `json:"errors"`
}

func (r *TickReport) add(res dispatch.Result, err error) {
	if err != nil {
		r.Errors++
		return
	}
	switch res.Outcome {
	case dispatch.OutcomeSent:
		r.Sent++
	case dispatch.OutcomeRequeued:
		r.Requeued++
	case dispatch.OutcomeFailed:
		r.Failed++
	case dispatch.OutcomeCancelled:
		r.Cancelled++
	case dispatch.OutcomeReleased:
		r.Released++
	}
}

// Tick claims due nudges and dispatches them with bounded concurrency. Running
// it more often than its cadence, or on several pods at once, is safe: each
// nudge is claimed by one worker only.
func (e *Engine) Tick(ctx context.Context) (TickReport, error) {
	start := time.Now()
	defer func() {
		e.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	var report TickReport
	claimed, err := e.scheduler.ClaimDue(ctx, e.clock.Now(), e.opts.ClaimBatchSize, e.opts.WorkerID)
	if err != nil {
		return report, err
	}
	report.Claimed = len(claimed)
	if len(claimed) == 0 {
		return report, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.DispatchConcurrency)
	for _, n := range claimed {
		n := n
		g.Go(func() error {
			res, err := e.dispatchClaimed(gctx, n)
			if err != nil {
				e.logger.WithError(err).WithField("nudge_id", n.ID).Error("Failed to dispatch nudge")
			}
			mu.Lock()
			report.add(res, err)
			mu.Unlock()
			// One bad nudge must not cancel its siblings.
			return nil
		})
	}
	_ = g.Wait()

	e.logger.WithFields(logrus.Fields{
		"worker":    e.opts.WorkerID,
		"claimed":   report.Claimed,
		"sent":      report.Sent,
		"requeued":  report.Requeued,
		"failed":    report.Failed,
		"cancelled": report.Cancelled,
		"errors":    report.Errors,
		"duration":  time.Since(start),
	}).Info("Tick completed")
	return report, nil
}

// dispatchClaimed sends one claimed nudge and applies its consequences to the
// conversation.
func (e *Engine) dispatchClaimed(ctx context.Context, n *models.Nudge) (dispatch.Result, error) {
	conv, err := e.store.GetConversation(ctx, n.ConversationID)
	if err != nil {
		return dispatch.Result{Nudge: n}, err
	}

	// A transition the tracker recorded without managing to cancel the nudge.
	if reason := staleReason(conv, e.clock.Now()); reason != "" && n.CancelRequested == "" {
		if updated, err := e.scheduler.Cancel(ctx, n.ID, reason); err == nil && updated != nil {
			n = updated
		}
	}

	contact, err := e.store.GetContact(ctx, n.ContactID)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return dispatch.Result{Nudge: n}, err
	}

	res, err := e.dispatcher.Dispatch(ctx, n, contact, conv)
	if err != nil {
		return res, err
	}

	switch res.Outcome {
	case dispatch.OutcomeSent:
		if _, err := e.tracker.RecordNudgeSent(ctx, conv.ID, res.Nudge.SentAt); err != nil {
			return res, err
		}
	case dispatch.OutcomeFailed:
		if err := e.raiseNeedsHuman(ctx, conv, res.Nudge.ID, policy.ReasonDeliveryFailed, nil); err != nil {
			return res, err
		}
	}
	return res, nil
}

func staleReason(conv *models.Conversation, now time.Time) string {
	switch {
	case conv.Status == models.ConversationResolved:
		return constants.ReasonResolved
	case conv.Status == models.ConversationSnoozed && conv.SnoozedUntil.After(now):
		return constants.ReasonSnoozed
	case conv.Awaiting == models.AwaitingOurResponse:
		return constants.ReasonReply
	}
	return ""
}

// SweepReport summarises one pass over the open conversations.
type SweepReport struct {
	Evaluated int `json:"evaluated"`
	Scheduled int `json:"scheduled"`
	Escalated int `json:"escalated"`
	Errors    int `json:"errors"`
}

// Sweep re-evaluates every open conversation so nudges get scheduled when
// their wait window elapses. Only the leader runs it.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	defer func() {
		e.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	var report SweepReport
	ids, err := e.store.ListOpenConversations(ctx)
	if err != nil {
		return report, err
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		res, err := e.Evaluate(ctx, id)
		if err != nil {
			report.Errors++
			e.logger.WithError(err).WithField("conversation_id", id).Error("Failed to evaluate conversation")
			continue
		}
		report.Evaluated++
		switch {
		case res.Nudge != nil:
			report.Scheduled++
		case res.Decision.Kind == models.DecisionEscalate:
			report.Escalated++
		}
	}

	e.logger.WithFields(logrus.Fields{
		"evaluated": report.Evaluated,
		"scheduled": report.Scheduled,
		"escalated": report.Escalated,
		"errors":    report.Errors,
		"duration":  time.Since(start),
	}).Info("Sweep completed")
	return report, nil
}
