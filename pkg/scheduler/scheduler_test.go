package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"followup-nudge-engine/pkg/approval"
	"followup-nudge-engine/pkg/audit"
	"followup-nudge-engine/pkg/clock"
	"followup-nudge-engine/pkg/errs"
	"followup-nudge-engine/pkg/models"
	"followup-nudge-engine/pkg/retry"
	"followup-nudge-engine/pkg/store"
	"followup-nudge-engine/pkg/testutil"
)

// Monday 09:00 UTC.
var t0 = time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)

type fixture struct {
	sched    *Scheduler
	store    *store.RedisStore
	clock    *clock.Fake
	events   *audit.MemoryEmitter
	drafts   int32
	draft    Draft
	draftErr error
	ooo      func(from time.Time) (bool, error)
}

func setup(t *testing.T) *fixture {
	t.Helper()
	_, rdb := testutil.NewRedis(t)
	logger := testutil.Logger()
	m := testutil.Metrics()

	f := &fixture{
		store:  store.NewRedisStore(rdb, logger, m, time.Minute),
		clock:  clock.NewFake(t0),
		events: audit.NewMemoryEmitter(),
		draft:  Draft{Content: "Just checking in on the proposal.", Confidence: 0.92},
	}
	drafter := DrafterFunc(func(ctx context.Context, req DraftRequest) (Draft, error) {
		atomic.AddInt32(&f.drafts, 1)
		return f.draft, f.draftErr
	})
	calendar := CalendarFunc(func(ctx context.Context, email string, from, to time.Time) (bool, error) {
		if f.ooo == nil {
			return false, nil
		}
		return f.ooo(from)
	})

	svc := clock.NewService(f.clock, clock.DefaultBusinessHours())
	gate := approval.NewGate(f.store, approval.DefaultGuardrails(), logger, m)
	opts := DefaultOptions()
	opts.DraftRetry = retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
	f.sched = New(f.store, svc, gate, drafter, calendar, f.events, opts, logger, m)

	ctx := context.Background()
	require.NoError(t, f.store.SaveContact(ctx, &models.Contact{ID: "ct_1", Name: "Dana", Email: "dana@example.com"}))
	_, err := f.store.CreateConversation(ctx, &models.Conversation{
		ID:             "conv_1",
		ContactID:      "ct_1",
		Status:         models.ConversationActive,
		Awaiting:       models.AwaitingTheirReply,
		Channel:        models.ChannelEmail,
		LastMessageAt:  t0,
		ExchangeCount:  3,
		ChainStartedAt: t0,
	})
	require.NoError(t, err)
	return f
}

func firstNudge() models.Decision {
	return models.NudgeAt(1, models.ToneWarm, models.ChannelEmail, 32*time.Hour)
}

func TestSchedule_AutoApprovesConfidentDraft(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	n, err := f.sched.Schedule(ctx, "conv_1", firstNudge(), t0)
	require.NoError(t, err)

	assert.Equal(t, models.NudgeApproved, n.Status)
	assert.Equal(t, "auto", n.ApprovedBy)
	assert.False(t, n.RequiresApproval)
	assert.Equal(t, 1, n.EscalationLevel)
	// Tuesday 17:00 is inside business hours.
	assert.True(t, t0.Add(32*time.Hour).Equal(n.ScheduledAt))

	stored, err := f.store.GetNudge(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, n.DraftContent, stored.DraftContent)

	assert.Len(t, f.events.OfType(models.EventNudgeScheduled), 1)
	assert.Empty(t, f.events.OfType(models.EventApprovalRequired))
}

func TestSchedule_RejectsSecondActiveNudge(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, err := f.sched.Schedule(ctx, "conv_1", firstNudge(), t0)
	require.NoError(t, err)

	_, err = f.sched.Schedule(ctx, "conv_1", firstNudge(), t0)
	var conflict *errs.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, first.ID, conflict.ActiveNudgeID)
}

func TestSchedule_RejectsNonNudgeDecision(t *testing.T) {
	f := setup(t)

	_, err := f.sched.Schedule(context.Background(), "conv_1", models.Wait(t0.Add(time.Hour), "waiting"), t0)
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)
}

func TestSchedule_LowConfidenceNeedsApproval(t *testing.T) {
	f := setup(t)
	f.draft.Confidence = 0.3

	n, err := f.sched.Schedule(context.Background(), "conv_1", firstNudge(), t0)
	require.NoError(t, err)

	assert.Equal(t, models.NudgePending, n.Status)
	assert.True(t, n.RequiresApproval)
	assert.Equal(t, approval.ReasonLowConfidence, n.ApprovalReason)
	assert.Len(t, f.events.OfType(models.EventApprovalRequired), 1)
}

func TestSchedule_DraftFailureFallsBackToApproval(t *testing.T) {
	f := setup(t)
	f.draftErr = errors.New("model overloaded")

	n, err := f.sched.Schedule(context.Background(), "conv_1", firstNudge(), t0)
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&f.drafts))
	assert.Equal(t, models.NudgePending, n.Status)
	assert.True(t, n.RequiresApproval)
	assert.Equal(t, approval.ReasonDraftUnavailable, n.ApprovalReason)
	assert.Empty(t, n.DraftContent)

	signals := f.events.OfType(models.EventNeedsHuman)
	require.Len(t, signals, 1)
	assert.Equal(t, approval.ReasonDraftUnavailable, signals[0].Reason)
}

func TestSchedule_OverdueTargetIsNow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.store.UpdateConversation(ctx, "conv_1", func(c *models.Conversation) error {
		c.LastMessageAt = t0.Add(-72 * time.Hour)
		return nil
	})
	require.NoError(t, err)

	n, err := f.sched.Schedule(ctx, "conv_1", models.NudgeAt(1, models.ToneWarm, models.ChannelEmail, 24*time.Hour), t0)
	require.NoError(t, err)
	assert.True(t, t0.Equal(n.ScheduledAt))
}

func TestSchedule_MovesIntoBusinessHours(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	friday := time.Date(2024, 3, 15, 17, 0, 0, 0, time.UTC)
	_, err := f.store.UpdateConversation(ctx, "conv_1", func(c *models.Conversation) error {
		c.LastMessageAt = friday
		return nil
	})
	require.NoError(t, err)

	n, err := f.sched.Schedule(ctx, "conv_1", models.NudgeAt(1, models.ToneWarm, models.ChannelEmail, 24*time.Hour), friday)
	require.NoError(t, err)

	monday := time.Date(2024, 3, 18, 9, 0, 0, 0, time.UTC)
	assert.True(t, monday.Equal(n.ScheduledAt), "got %s", n.ScheduledAt)
}

func TestSchedule_ShiftsPastOutOfOffice(t *testing.T) {
	f := setup(t)
	wednesday := time.Date(2024, 3, 13, 9, 0, 0, 0, time.UTC)
	f.ooo = func(from time.Time) (bool, error) {
		return from.Before(wednesday), nil
	}

	n, err := f.sched.Schedule(context.Background(), "conv_1", firstNudge(), t0)
	require.NoError(t, err)
	assert.True(t, wednesday.Equal(n.ScheduledAt), "got %s", n.ScheduledAt)
}

func TestSchedule_CalendarErrorKeepsSchedule(t *testing.T) {
	f := setup(t)
	f.ooo = func(time.Time) (bool, error) {
		return false, errors.New("calendar unreachable")
	}

	n, err := f.sched.Schedule(context.Background(), "conv_1", firstNudge(), t0)
	require.NoError(t, err)
	assert.True(t, t0.Add(32*time.Hour).Equal(n.ScheduledAt))
}

func TestCancel(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	n, err := f.sched.Schedule(ctx, "conv_1", firstNudge(), t0)
	require.NoError(t, err)

	cancelled, err := f.sched.Cancel(ctx, n.ID, "reply_received")
	require.NoError(t, err)
	assert.Equal(t, models.NudgeCancelled, cancelled.Status)
	assert.Equal(t, "reply_received", cancelled.CancelReason)

	active, err := f.store.ActiveNudge(ctx, "conv_1")
	require.NoError(t, err)
	assert.Nil(t, active)

	// A second cancel is a no-op and keeps the first reason.
	again, err := f.sched.Cancel(ctx, n.ID, "manual")
	require.NoError(t, err)
	assert.Equal(t, "reply_received", again.CancelReason)
	assert.Len(t, f.events.OfType(models.EventNudgeCancelled), 1)
}

func TestCancel_ClaimedNudgeGetsRequest(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	n, err := f.sched.Schedule(ctx, "conv_1", firstNudge(), t0)
	require.NoError(t, err)

	due := f.clock.Advance(33 * time.Hour)
	claimed, err := f.sched.ClaimDue(ctx, due, 10, "worker-a")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	got, err := f.sched.Cancel(ctx, n.ID, "reply_received")
	require.NoError(t, err)
	assert.Equal(t, models.NudgeApproved, got.Status)
	assert.Equal(t, "reply_received", got.CancelRequested)
	assert.Empty(t, f.events.OfType(models.EventNudgeCancelled))
}

func TestCancelActive_NoActiveNudge(t *testing.T) {
	f := setup(t)

	n, err := f.sched.CancelActive(context.Background(), "conv_1", "resolved")
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestReschedule(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	n, err := f.sched.Schedule(ctx, "conv_1", firstNudge(), t0)
	require.NoError(t, err)

	// Saturday moves to Monday.
	saturday := time.Date(2024, 3, 16, 11, 0, 0, 0, time.UTC)
	moved, err := f.sched.Reschedule(ctx, n.ID, saturday)
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 3, 18, 9, 0, 0, 0, time.UTC).Equal(moved.ScheduledAt))

	// The past is clamped to now.
	moved, err = f.sched.Reschedule(ctx, n.ID, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, t0.Equal(moved.ScheduledAt))

	assert.Len(t, f.events.OfType(models.EventNudgeRescheduled), 2)
}

func TestReschedule_ClaimedOrTerminal(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	n, err := f.sched.Schedule(ctx, "conv_1", firstNudge(), t0)
	require.NoError(t, err)

	_, err = f.store.ClaimNudge(ctx, n.ID, t0, "worker-a")
	require.NoError(t, err)
	_, err = f.sched.Reschedule(ctx, n.ID, t0.Add(48*time.Hour))
	assert.ErrorIs(t, err, errs.ErrClaimed)

	_, err = f.store.UpdateNudge(ctx, n.ID, func(n *models.Nudge) error {
		n.ClaimedBy = ""
		n.Status = models.NudgeSent
		return nil
	})
	require.NoError(t, err)
	_, err = f.sched.Reschedule(ctx, n.ID, t0.Add(48*time.Hour))
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)
}

func TestShiftForOutOfOffice(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	n, err := f.sched.Schedule(ctx, "conv_1", firstNudge(), t0)
	require.NoError(t, err)

	// Unchanged while the contact is in the office.
	same, err := f.sched.ShiftForOutOfOffice(ctx, "conv_1")
	require.NoError(t, err)
	assert.True(t, n.ScheduledAt.Equal(same.ScheduledAt))

	thursday := time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC)
	f.ooo = func(from time.Time) (bool, error) {
		return from.Before(thursday), nil
	}
	shifted, err := f.sched.ShiftForOutOfOffice(ctx, "conv_1")
	require.NoError(t, err)
	assert.True(t, thursday.Equal(shifted.ScheduledAt), "got %s", shifted.ScheduledAt)
	assert.Len(t, f.events.OfType(models.EventOutOfOfficeShifted), 1)
}
