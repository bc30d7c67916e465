package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"followup-nudge-engine/pkg/constants"
	"followup-nudge-engine/pkg/metrics"
	"followup-nudge-engine/pkg/models"
)

// HumanQueueConsumer reads the audit stream as a consumer group and copies
// every needs-human event onto the operator list. Unacknowledged entries left
// by a crashed pod are taken over with XCLAIM once they have been idle long enough.
type HumanQueueConsumer struct {
	rdb          *redis.Client
	logger       *logrus.Logger
	metrics      *metrics.Metrics
	group        string
	consumerName string
	block        time.Duration
	minIdle      time.Duration
	stopCh       chan struct{}
}

func NewHumanQueueConsumer(rdb *redis.Client, podID string, logger *logrus.Logger, metrics *metrics.Metrics) *HumanQueueConsumer {
	return &HumanQueueConsumer{
		rdb:          rdb,
		logger:       logger,
		metrics:      metrics,
		group:        constants.HumanConsumerGroup,
		consumerName: fmt.Sprintf("consumer-%s", podID),
		block:        time.Second,
		minIdle:      time.Minute,
		stopCh:       make(chan struct{}),
	}
}

func (hc *HumanQueueConsumer) Start(ctx context.Context) error {
	if err := hc.createConsumerGroup(ctx); err != nil {
		return err
	}

	go hc.consumeLoop(ctx)
	go hc.pendingMessagesRecovery(ctx)

	hc.logger.WithField("consumer_name", hc.consumerName).Info("Human queue consumer started")
	return nil
}

func (hc *HumanQueueConsumer) Stop() {
	close(hc.stopCh)
}

func (hc *HumanQueueConsumer) createConsumerGroup(ctx context.Context) error {
	// Start from the beginning so signals emitted before the first pod came up are kept.
	err := hc.rdb.XGroupCreateMkStream(ctx, constants.AuditEventsStream, hc.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func (hc *HumanQueueConsumer) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hc.stopCh:
			return
		default:
			hc.consumeMessages(ctx)
		}
	}
}

func (hc *HumanQueueConsumer) consumeMessages(ctx context.Context) int {
	streams, err := hc.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    hc.group,
		Consumer: hc.consumerName,
		Streams:  []string{constants.AuditEventsStream, ">"},
		Count:    50,
		Block:    hc.block,
	}).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			hc.logger.WithError(err).Error("Failed to read from audit stream")
			time.Sleep(hc.block)
		}
		return 0
	}

	processed := 0
	for _, stream := range streams {
		for _, message := range stream.Messages {
			if hc.processMessage(ctx, message) {
				processed++
			}
		}
	}
	return processed
}

func (hc *HumanQueueConsumer) processMessage(ctx context.Context, message redis.XMessage) bool {
	eventType, _ := message.Values["type"].(string)
	if models.EventType(eventType) != models.EventNeedsHuman {
		hc.acknowledgeMessage(ctx, message.ID)
		hc.metrics.AuditEventsProcessed.WithLabelValues("skipped").Inc()
		return false
	}

	raw, ok := message.Values["event_data"].(string)
	if !ok {
		hc.logger.WithField("message_id", message.ID).Error("Needs-human entry has no event data")
		hc.metrics.AuditEventsProcessed.WithLabelValues("parse_error").Inc()
		hc.acknowledgeMessage(ctx, message.ID)
		return false
	}

	// Push and ack together so a redelivered entry is never queued twice.
	_, err := hc.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, constants.NeedsHumanListKey, raw)
		pipe.XAck(ctx, constants.AuditEventsStream, hc.group, message.ID)
		return nil
	})
	if err != nil {
		hc.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to queue needs-human signal")
		hc.metrics.AuditEventsProcessed.WithLabelValues("queue_error").Inc()
		return false
	}

	hc.metrics.AuditEventsProcessed.WithLabelValues("success").Inc()
	hc.logger.WithFields(logrus.Fields{
		"conversation_id": message.Values["conversation_id"],
		"reason":          message.Values["reason"],
		"message_id":      message.ID,
	}).Info("Queued conversation for human attention")
	return true
}

func (hc *HumanQueueConsumer) acknowledgeMessage(ctx context.Context, messageID string) {
	if err := hc.rdb.XAck(ctx, constants.AuditEventsStream, hc.group, messageID).Err(); err != nil {
		hc.logger.WithError(err).WithField("message_id", messageID).Error("Failed to acknowledge message")
	}
}

func (hc *HumanQueueConsumer) pendingMessagesRecovery(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-hc.stopCh:
			return
		case <-ticker.C:
			hc.processPendingMessages(ctx)
		}
	}
}

func (hc *HumanQueueConsumer) processPendingMessages(ctx context.Context) int {
	pending, err := hc.rdb.XPending(ctx, constants.AuditEventsStream, hc.group).Result()
	if err != nil {
		hc.logger.WithError(err).Error("Failed to get pending messages")
		return 0
	}
	if pending.Count == 0 {
		return 0
	}

	entries, err := hc.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: constants.AuditEventsStream,
		Group:  hc.group,
		Start:  "-",
		End:    "+",
		Count:  50,
	}).Result()
	if err != nil {
		hc.logger.WithError(err).Error("Failed to list pending messages")
		return 0
	}

	var stale []string
	for _, entry := range entries {
		if entry.Idle >= hc.minIdle {
			stale = append(stale, entry.ID)
		}
	}
	if len(stale) == 0 {
		return 0
	}

	// XCLAIM re-checks the idle time, so two pods racing here cannot both win.
	messages, err := hc.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   constants.AuditEventsStream,
		Group:    hc.group,
		Consumer: hc.consumerName,
		MinIdle:  hc.minIdle,
		Messages: stale,
	}).Result()
	if err != nil {
		hc.logger.WithError(err).Error("Failed to claim pending messages")
		return 0
	}

	processed := 0
	for _, message := range messages {
		if hc.processMessage(ctx, message) {
			processed++
		}
	}
	return processed
}

// ListNeedsHuman returns up to limit queued signals, newest first.
func ListNeedsHuman(ctx context.Context, rdb *redis.Client, limit int64) ([]models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := rdb.LRange(ctx, constants.NeedsHumanListKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list needs-human queue: %w", err)
	}

	events := make([]models.Event, 0, len(raws))
	for _, raw := range raws {
		var ev models.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
