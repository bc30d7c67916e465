package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"followup-nudge-engine/pkg/audit"
	"followup-nudge-engine/pkg/clock"
	"followup-nudge-engine/pkg/errs"
	"followup-nudge-engine/pkg/models"
	"followup-nudge-engine/pkg/retry"
	"followup-nudge-engine/pkg/store"
	"followup-nudge-engine/pkg/testutil"
)

var t0 = time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)

type fixture struct {
	d      *Dispatcher
	store  *store.RedisStore
	clock  *clock.Fake
	events *audit.MemoryEmitter
	send   func(ctx context.Context, msg Message) (string, error)
	sent   []Message
}

func setup(t *testing.T) *fixture {
	t.Helper()
	_, rdb := testutil.NewRedis(t)
	f := &fixture{
		store:  store.NewRedisStore(rdb, testutil.Logger(), testutil.Metrics(), time.Minute),
		clock:  clock.NewFake(t0),
		events: audit.NewMemoryEmitter(),
	}
	sender := SenderFunc(func(ctx context.Context, msg Message) (string, error) {
		f.sent = append(f.sent, msg)
		if f.send != nil {
			return f.send(ctx, msg)
		}
		return "pm_" + msg.NudgeID, nil
	})
	senders := map[models.Channel]Sender{
		models.ChannelEmail:    sender,
		models.ChannelWhatsApp: sender,
	}
	opts := Options{RatePerSecond: 1000, RateBurst: 100, Retry: retry.DefaultPolicy()}
	f.d = New(f.store, senders, opts, f.clock, f.events, testutil.Logger(), testutil.Metrics())
	return f
}

var contact = &models.Contact{ID: "ct_1", Email: "dana@example.com"}

// claimed creates an approved nudge and claims it for worker w1.
func (f *fixture) claimed(t *testing.T, id string, mutate func(*models.Nudge)) *models.Nudge {
	t.Helper()
	ctx := context.Background()
	n := &models.Nudge{
		ID:              id,
		ConversationID:  "conv_" + id,
		ContactID:       contact.ID,
		ScheduledAt:     t0,
		Status:          models.NudgeApproved,
		Channel:         models.ChannelEmail,
		Tone:            models.ToneWarm,
		DraftContent:    "Any thoughts on the proposal?",
		EscalationLevel: 1,
		MaxRetries:      3,
		CreatedAt:       t0,
	}
	if mutate != nil {
		mutate(n)
	}
	require.NoError(t, f.store.CreateNudge(ctx, n))
	got, err := f.store.ClaimNudge(ctx, id, f.clock.Now(), "w1")
	require.NoError(t, err)
	return got
}

// reclaim claims a re-queued nudge again.
func (f *fixture) reclaim(t *testing.T, id string) *models.Nudge {
	t.Helper()
	got, err := f.store.ClaimNudge(context.Background(), id, f.clock.Now(), "w1")
	require.NoError(t, err)
	return got
}

func TestDispatch_Sends(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	n := f.claimed(t, "n1", nil)

	res, err := f.d.Dispatch(ctx, n, contact, &models.Conversation{LastReplyAt: t0.Add(-time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.Equal(t, models.NudgeSent, res.Nudge.Status)
	assert.Equal(t, "pm_n1", res.Nudge.ProviderMessageID)
	assert.True(t, t0.Equal(res.Nudge.SentAt))
	assert.False(t, res.Nudge.Claimed())

	require.Len(t, f.sent, 1)
	assert.Equal(t, "dana@example.com", f.sent[0].Recipient)
	assert.Equal(t, "Any thoughts on the proposal?", f.sent[0].Content)
	assert.True(t, t0.Add(-time.Hour).Equal(f.sent[0].LastInboundAt))

	byProvider, err := f.store.NudgeByProviderMessageID(ctx, "pm_n1")
	require.NoError(t, err)
	assert.Equal(t, "n1", byProvider.ID)

	active, err := f.store.ActiveNudge(ctx, "conv_n1")
	require.NoError(t, err)
	assert.Nil(t, active)
	assert.Len(t, f.events.OfType(models.EventNudgeSent), 1)
}

func TestDispatch_SendsApprovedContent(t *testing.T) {
	f := setup(t)
	n := f.claimed(t, "n1", func(n *models.Nudge) { n.ApprovedContent = "Edited by Sam" })

	_, err := f.d.Dispatch(context.Background(), n, contact, nil)
	require.NoError(t, err)
	require.Len(t, f.sent, 1)
	assert.Equal(t, "Edited by Sam", f.sent[0].Content)
}

func TestDispatch_RejectsUnclaimed(t *testing.T) {
	f := setup(t)
	n := f.claimed(t, "n1", nil)
	n.ClaimedBy = ""

	_, err := f.d.Dispatch(context.Background(), n, contact, nil)
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)
	assert.Empty(t, f.sent)
}

func TestDispatch_ReleasesPendingNudge(t *testing.T) {
	f := setup(t)
	n := f.claimed(t, "n1", func(n *models.Nudge) { n.Status = models.NudgePending })

	res, err := f.d.Dispatch(context.Background(), n, contact, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReleased, res.Outcome)
	assert.Equal(t, models.NudgePending, res.Nudge.Status)
	assert.False(t, res.Nudge.Claimed())
	assert.Empty(t, f.sent)
}

func TestDispatch_HonoursCancelRequest(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.claimed(t, "n1", nil)

	// A reply lands after the claim.
	n, err := f.store.UpdateNudge(ctx, "n1", func(n *models.Nudge) error {
		n.CancelRequested = "reply_received"
		return nil
	})
	require.NoError(t, err)

	res, err := f.d.Dispatch(ctx, n, contact, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Equal(t, models.NudgeCancelled, res.Nudge.Status)
	assert.Equal(t, "reply_received", res.Nudge.CancelReason)
	assert.Empty(t, f.sent)
}

func TestDispatch_MissingAddressFailsPermanently(t *testing.T) {
	f := setup(t)
	n := f.claimed(t, "n1", func(n *models.Nudge) { n.Channel = models.ChannelWhatsApp })

	res, err := f.d.Dispatch(context.Background(), n, contact, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, models.NudgeFailed, res.Nudge.Status)
	assert.Equal(t, "invalid_address", res.Nudge.FailureReason)
	assert.Empty(t, f.sent)
	assert.Len(t, f.events.OfType(models.EventNudgeFailed), 1)
}

func TestDispatch_PermanentErrorFails(t *testing.T) {
	f := setup(t)
	f.send = func(context.Context, Message) (string, error) {
		return "", errs.NewPermanent("recipient_blocked", errors.New("blocked"))
	}
	n := f.claimed(t, "n1", nil)

	res, err := f.d.Dispatch(context.Background(), n, contact, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "recipient_blocked", res.Nudge.FailureReason)
	assert.Zero(t, res.Nudge.RetryCount)
}

func TestDispatch_TransientBackoffThenFail(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.send = func(context.Context, Message) (string, error) {
		return "", errs.NewTransient("provider_unavailable", errors.New("503"))
	}
	n := f.claimed(t, "n1", nil)

	var delays []time.Duration
	for i := 0; i < 2; i++ {
		now := f.clock.Now()
		res, err := f.d.Dispatch(ctx, n, contact, nil)
		require.NoError(t, err)
		require.Equal(t, OutcomeRequeued, res.Outcome)
		assert.Equal(t, models.NudgeApproved, res.Nudge.Status)
		assert.Equal(t, i+1, res.Nudge.RetryCount)
		assert.False(t, res.Nudge.Claimed())
		delays = append(delays, res.Nudge.ScheduledAt.Sub(now))

		f.clock.Set(res.Nudge.ScheduledAt)
		n = f.reclaim(t, "n1")
	}
	assert.Equal(t, []time.Duration{2 * time.Minute, 4 * time.Minute}, delays)

	res, err := f.d.Dispatch(ctx, n, contact, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 3, res.Nudge.RetryCount)
	assert.Equal(t, "provider_unavailable", res.Nudge.FailureReason)
	assert.Len(t, f.events.OfType(models.EventNudgeRetryQueued), 2)
}

func TestDispatch_UntypedErrorsClassifiedByText(t *testing.T) {
	f := setup(t)
	f.send = func(context.Context, Message) (string, error) {
		return "", errors.New("dial tcp: connection refused")
	}
	n := f.claimed(t, "n1", nil)
	res, err := f.d.Dispatch(context.Background(), n, contact, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequeued, res.Outcome)

	f.send = func(context.Context, Message) (string, error) {
		return "", errors.New("invalid template parameters")
	}
	n = f.claimed(t, "n2", nil)
	res, err = f.d.Dispatch(context.Background(), n, contact, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
}

func TestDispatch_CancelDuringFailedSendCancels(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.send = func(ctx context.Context, msg Message) (string, error) {
		_, err := f.store.UpdateNudge(ctx, msg.NudgeID, func(n *models.Nudge) error {
			n.CancelRequested = "reply_received"
			return nil
		})
		require.NoError(t, err)
		return "", errs.NewTransient("timeout", context.DeadlineExceeded)
	}
	n := f.claimed(t, "n1", nil)

	res, err := f.d.Dispatch(ctx, n, contact, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Equal(t, models.NudgeCancelled, res.Nudge.Status)
}

func TestDispatch_SendWinsOverLateCancel(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.send = func(ctx context.Context, msg Message) (string, error) {
		_, err := f.store.UpdateNudge(ctx, msg.NudgeID, func(n *models.Nudge) error {
			n.CancelRequested = "reply_received"
			return nil
		})
		require.NoError(t, err)
		return "pm_1", nil
	}
	n := f.claimed(t, "n1", nil)

	res, err := f.d.Dispatch(ctx, n, contact, nil)
	require.NoError(t, err)
	assert.Equal(t, models.NudgeSent, res.Nudge.Status)
	assert.Empty(t, res.Nudge.CancelRequested)
}

func TestDispatch_LostClaimIsNotOverwritten(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.send = func(ctx context.Context, msg Message) (string, error) {
		_, err := f.store.UpdateNudge(ctx, msg.NudgeID, func(n *models.Nudge) error {
			n.ClaimedBy = "w2"
			return nil
		})
		require.NoError(t, err)
		return "", errs.NewTransient("timeout", nil)
	}
	n := f.claimed(t, "n1", nil)

	_, err := f.d.Dispatch(ctx, n, contact, nil)
	assert.ErrorIs(t, err, errs.ErrClaimed)

	stored, err := f.store.GetNudge(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "w2", stored.ClaimedBy)
	assert.Zero(t, stored.RetryCount)
}

func TestApplyDeliveryStatus(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	n := f.claimed(t, "n1", nil)
	_, err := f.d.Dispatch(ctx, n, contact, nil)
	require.NoError(t, err)

	delivered := t0.Add(time.Minute)
	got, applied, err := f.d.ApplyDeliveryStatus(ctx, models.DeliveryUpdate{ProviderMessageID: "pm_n1", Status: models.DeliveryDelivered, At: delivered})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.True(t, delivered.Equal(got.DeliveredAt))

	// A replay keeps the first timestamp.
	got, applied, err = f.d.ApplyDeliveryStatus(ctx, models.DeliveryUpdate{ProviderMessageID: "pm_n1", Status: models.DeliveryDelivered, At: delivered.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.True(t, delivered.Equal(got.DeliveredAt))

	got, applied, err = f.d.ApplyDeliveryStatus(ctx, models.DeliveryUpdate{ProviderMessageID: "pm_n1", Status: models.DeliveryFailed, ErrorCode: "131026"})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, models.NudgeSent, got.Status)
	assert.Equal(t, "131026", got.FailureReason)

	_, _, err = f.d.ApplyDeliveryStatus(ctx, models.DeliveryUpdate{ProviderMessageID: "pm_unknown", Status: models.DeliveryRead})
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Len(t, f.events.OfType(models.EventDeliveryStatus), 2)
}

func TestApplyDeliveryStatus_ReadImpliesDelivered(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	n := f.claimed(t, "n1", nil)
	_, err := f.d.Dispatch(ctx, n, contact, nil)
	require.NoError(t, err)

	read := t0.Add(5 * time.Minute)
	got, _, err := f.d.ApplyDeliveryStatus(ctx, models.DeliveryUpdate{ProviderMessageID: "pm_n1", Status: models.DeliveryRead, At: read})
	require.NoError(t, err)
	assert.True(t, read.Equal(got.ReadAt))
	assert.True(t, read.Equal(got.DeliveredAt))
}

func TestLimiterPool_OnePerChannel(t *testing.T) {
	p := &limiterPool{}
	assert.Same(t, p.get(models.ChannelEmail), p.get(models.ChannelEmail))
	assert.NotSame(t, p.get(models.ChannelEmail), p.get(models.ChannelSMS))
}

func TestRecipientFor(t *testing.T) {
	c := &models.Contact{ID: "ct", Email: "a@b.c", Phone: "+15550100"}

	addr, err := recipientFor(models.ChannelSMS, c)
	require.NoError(t, err)
	assert.Equal(t, "+15550100", addr)

	_, err = recipientFor(models.ChannelEmail, &models.Contact{ID: "ct"})
	assert.True(t, errs.IsPermanent(err))

	_, err = recipientFor(models.ChannelEmail, nil)
	assert.True(t, errs.IsPermanent(err))
}
