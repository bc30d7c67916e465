package audit

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"followup-nudge-engine/pkg/constants"
	"followup-nudge-engine/pkg/models"
	"followup-nudge-engine/pkg/testutil"
)

func TestStreamEmitter_PublishesOnStop(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	emitter := NewStreamEmitter(rdb, testutil.Logger(), testutil.Metrics(), 1000, 16)
	ctx := context.Background()
	emitter.Start(ctx)

	emitter.Emit(models.Event{Type: models.EventNudgeSent, ConversationID: "conv_1", NudgeID: "n1", Level: 1})
	emitter.Emit(models.Event{Type: models.EventNeedsHuman, ConversationID: "conv_1", Reason: "delivery failed"})
	emitter.Stop()

	entries, err := rdb.XRange(ctx, constants.AuditEventsStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "nudge_sent", entries[0].Values["type"])
	assert.Equal(t, "n1", entries[0].Values["nudge_id"])
	assert.NotEmpty(t, entries[1].Values["event_data"])
}

func TestStreamEmitter_DropsWhenFull(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	m := testutil.Metrics()
	emitter := NewStreamEmitter(rdb, testutil.Logger(), m, 0, 1)

	// Not started: the second event cannot be buffered.
	emitter.Emit(models.Event{Type: models.EventSnoozed})
	emitter.Emit(models.Event{Type: models.EventResolved})

	emitter.Start(context.Background())
	emitter.Stop()

	n, err := rdb.XLen(context.Background(), constants.AuditEventsStream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestHumanQueueConsumer_QueuesNeedsHumanOnly(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	ctx := context.Background()
	emitter := NewStreamEmitter(rdb, testutil.Logger(), testutil.Metrics(), 0, 0)

	_, err := emitter.Publish(ctx, models.Event{Type: models.EventNudgeScheduled, ConversationID: "conv_1"})
	require.NoError(t, err)
	_, err = emitter.Publish(ctx, models.Event{Type: models.EventNeedsHuman, ConversationID: "conv_1", Reason: "max nudges exhausted", Notify: []string{"owner@example.com"}})
	require.NoError(t, err)

	consumer := NewHumanQueueConsumer(rdb, "pod-a", testutil.Logger(), testutil.Metrics())
	consumer.block = -1
	require.NoError(t, consumer.createConsumerGroup(ctx))
	// Creating the group twice is fine.
	require.NoError(t, consumer.createConsumerGroup(ctx))

	assert.Equal(t, 1, consumer.consumeMessages(ctx))

	queued, err := ListNeedsHuman(ctx, rdb, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "conv_1", queued[0].ConversationID)
	assert.Equal(t, []string{"owner@example.com"}, queued[0].Notify)

	pending, err := rdb.XPending(ctx, constants.AuditEventsStream, constants.HumanConsumerGroup).Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestHumanQueueConsumer_RecoversPending(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	ctx := context.Background()
	emitter := NewStreamEmitter(rdb, testutil.Logger(), testutil.Metrics(), 0, 0)

	crashed := NewHumanQueueConsumer(rdb, "pod-crashed", testutil.Logger(), testutil.Metrics())
	require.NoError(t, crashed.createConsumerGroup(ctx))

	_, err := emitter.Publish(ctx, models.Event{Type: models.EventNeedsHuman, ConversationID: "conv_9", Reason: "delivery failed"})
	require.NoError(t, err)

	// Read without acknowledging, as if the pod died mid-processing.
	_, err = rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    constants.HumanConsumerGroup,
		Consumer: "consumer-pod-crashed",
		Streams:  []string{constants.AuditEventsStream, ">"},
		Count:    10,
		Block:    -1,
	}).Result()
	require.NoError(t, err)

	rescuer := NewHumanQueueConsumer(rdb, "pod-b", testutil.Logger(), testutil.Metrics())
	rescuer.minIdle = 0
	assert.Equal(t, 1, rescuer.processPendingMessages(ctx))

	queued, err := ListNeedsHuman(ctx, rdb, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "conv_9", queued[0].ConversationID)
}

func TestMemoryEmitter(t *testing.T) {
	m := NewMemoryEmitter()
	m.Emit(models.Event{Type: models.EventSnoozed})
	m.Emit(models.Event{Type: models.EventNeedsHuman, At: time.Unix(0, 0)})

	assert.Len(t, m.Events(), 2)
	got := m.OfType(models.EventNeedsHuman)
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)
}
