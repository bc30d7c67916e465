package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"followup-nudge-engine/pkg/constants"
	"followup-nudge-engine/pkg/errs"
	"followup-nudge-engine/pkg/models"
)

// CreateNudge persists a new nudge. It fails with *errs.ConflictError when the
// conversation already has a pending or approved nudge.
func (s *RedisStore) CreateNudge(ctx context.Context, nudge *models.Nudge) error {
	start := time.Now()
	defer s.observe("create_nudge", start)

	if nudge.Status.Terminal() {
		return fmt.Errorf("create nudge %s in status %s: %w", nudge.ID, nudge.Status, errs.ErrInvalidTransition)
	}

	payload, err := json.Marshal(nudge)
	if err != nil {
		return fmt.Errorf("failed to marshal nudge: %w", err)
	}

	res, err := createNudgeScript.Run(ctx, s.rdb,
		[]string{
			activeNudgeKey(nudge.ConversationID),
			nudgeKey(nudge.ID),
			constants.DueNudgesKey,
			chainKey(nudge.ConversationID),
		},
		nudge.ID,
		string(payload),
		string(nudge.Status),
		toMillis(nudge.ScheduledAt),
		nudge.ConversationID,
		awaitingApprovalFlag(nudge),
		toMillis(nudge.CreatedAt),
	).Slice()
	if err != nil {
		return fmt.Errorf("failed to create nudge: %w", err)
	}

	if len(res) == 2 {
		if ok, _ := res[0].(int64); ok == 0 {
			active, _ := res[1].(string)
			return &errs.ConflictError{ConversationID: nudge.ConversationID, ActiveNudgeID: active}
		}
	}

	s.logger.WithFields(logrus.Fields{
		"nudge_id":        nudge.ID,
		"conversation_id": nudge.ConversationID,
		"level":           nudge.EscalationLevel,
		"scheduled_at":    nudge.ScheduledAt,
	}).Debug("Stored nudge")
	return nil
}

func (s *RedisStore) GetNudge(ctx context.Context, id string) (*models.Nudge, error) {
	start := time.Now()
	defer s.observe("get_nudge", start)

	vals, err := s.rdb.HGetAll(ctx, nudgeKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get nudge: %w", err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("nudge %s: %w", id, errs.ErrNotFound)
	}
	return decodeNudge(vals)
}

// UpdateNudge applies fn to the current row inside an optimistic transaction.
// If another writer (including a claim script) touches the row in between, the
// transaction is retried with fresh state, so fn must be a pure check-and-mutate.
func (s *RedisStore) UpdateNudge(ctx context.Context, id string, fn func(*models.Nudge) error) (*models.Nudge, error) {
	start := time.Now()
	defer s.observe("update_nudge", start)

	key := nudgeKey(id)
	var result *models.Nudge

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			return fmt.Errorf("nudge %s: %w", id, errs.ErrNotFound)
		}
		current, err := decodeNudge(vals)
		if err != nil {
			return err
		}

		active := activeNudgeKey(current.ConversationID)
		if err := tx.Watch(ctx, active).Err(); err != nil {
			return err
		}
		activeID, err := tx.Get(ctx, active).Result()
		if err != nil && err != redis.Nil {
			return err
		}

		next := *current
		if err := fn(&next); err != nil {
			result = current
			return err
		}
		next.UpdatedAt = time.Now().UTC()

		payload, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("failed to marshal nudge: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"payload", string(payload),
				"status", string(next.Status),
				"claimed_by", next.ClaimedBy,
				"claimed_at", strconv.FormatInt(toMillis(next.ClaimedAt), 10),
				"cancel_requested", next.CancelRequested,
				"scheduled_at", strconv.FormatInt(toMillis(next.ScheduledAt), 10),
				"awaiting_approval", awaitingApprovalFlag(&next),
			)
			s.updateIndexes(ctx, pipe, current, &next, activeID)
			return nil
		})
		if err != nil {
			return err
		}
		result = &next
		return nil
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			s.metrics.ClaimConflicts.Inc()
			continue
		}
		if errors.Is(err, ErrUnchanged) {
			return result, ErrUnchanged
		}
		return result, err
	}
	return nil, fmt.Errorf("update nudge %s: too much contention", id)
}

func (s *RedisStore) updateIndexes(ctx context.Context, pipe redis.Pipeliner, prev, next *models.Nudge, activeID string) {
	switch {
	case next.Status.Terminal():
		pipe.ZRem(ctx, constants.DueNudgesKey, next.ID)
		if activeID == next.ID {
			pipe.Del(ctx, activeNudgeKey(next.ConversationID))
		}
	case next.RequiresApproval && next.Status == models.NudgePending:
		pipe.ZRem(ctx, constants.DueNudgesKey, next.ID)
	case next.Claimed():
		pipe.ZAdd(ctx, constants.DueNudgesKey, &redis.Z{
			Score:  float64(toMillis(next.ClaimedAt.Add(s.lease))),
			Member: next.ID,
		})
	default:
		pipe.ZAdd(ctx, constants.DueNudgesKey, &redis.Z{
			Score:  float64(toMillis(next.ScheduledAt)),
			Member: next.ID,
		})
	}

	if next.ProviderMessageID != "" && next.ProviderMessageID != prev.ProviderMessageID {
		pipe.Set(ctx, providerIndexKey(next.ProviderMessageID), next.ID, 0)
	}
}

// ActiveNudge returns the conversation's pending or approved nudge, or nil.
func (s *RedisStore) ActiveNudge(ctx context.Context, conversationID string) (*models.Nudge, error) {
	id, err := s.rdb.Get(ctx, activeNudgeKey(conversationID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active nudge: %w", err)
	}
	n, err := s.GetNudge(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	return n, err
}

// ListChain returns every nudge of the conversation, oldest first.
func (s *RedisStore) ListChain(ctx context.Context, conversationID string) ([]*models.Nudge, error) {
	start := time.Now()
	defer s.observe("list_chain", start)

	ids, err := s.rdb.ZRange(ctx, chainKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list nudge chain: %w", err)
	}
	return s.loadNudges(ctx, ids)
}

// ClaimDue atomically claims up to batchSize due nudges for workerID.
func (s *RedisStore) ClaimDue(ctx context.Context, now time.Time, batchSize int, workerID string) ([]*models.Nudge, error) {
	start := time.Now()
	defer s.observe("claim_due", start)

	if batchSize <= 0 {
		batchSize = constants.DefaultClaimBatchSize
	}

	ids, err := claimDueScript.Run(ctx, s.rdb,
		[]string{constants.DueNudgesKey},
		toMillis(now),
		batchSize,
		workerID,
		s.lease.Milliseconds(),
		constants.NudgeKeyPrefix,
	).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to claim due nudges: %w", err)
	}
	return s.loadNudges(ctx, ids)
}

// ClaimNudge claims one nudge for immediate dispatch regardless of its schedule.
func (s *RedisStore) ClaimNudge(ctx context.Context, id string, now time.Time, workerID string) (*models.Nudge, error) {
	start := time.Now()
	defer s.observe("claim_nudge", start)

	res, err := claimOneScript.Run(ctx, s.rdb,
		[]string{nudgeKey(id), constants.DueNudgesKey},
		id,
		toMillis(now),
		workerID,
		s.lease.Milliseconds(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to claim nudge: %w", err)
	}
	switch res {
	case 0:
		return nil, fmt.Errorf("nudge %s: %w", id, errs.ErrClaimed)
	case -1:
		return nil, fmt.Errorf("nudge %s is not claimable: %w", id, errs.ErrInvalidTransition)
	}
	return s.GetNudge(ctx, id)
}

func (s *RedisStore) NudgeByProviderMessageID(ctx context.Context, providerMessageID string) (*models.Nudge, error) {
	id, err := s.rdb.Get(ctx, providerIndexKey(providerMessageID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("provider message %s: %w", providerMessageID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve provider message: %w", err)
	}
	return s.GetNudge(ctx, id)
}

func (s *RedisStore) loadNudges(ctx context.Context, ids []string) ([]*models.Nudge, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, nudgeKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load nudges: %w", err)
	}

	nudges := make([]*models.Nudge, 0, len(ids))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			s.logger.WithField("nudge_id", ids[i]).Warn("Indexed nudge has no row")
			continue
		}
		n, err := decodeNudge(vals)
		if err != nil {
			return nil, err
		}
		nudges = append(nudges, n)
	}
	return nudges, nil
}

func decodeNudge(vals map[string]string) (*models.Nudge, error) {
	n := &models.Nudge{}
	if err := json.Unmarshal([]byte(vals["payload"]), n); err != nil {
		return nil, fmt.Errorf("invalid nudge payload: %w", err)
	}

	// Fields the scripts write directly take precedence over the payload.
	if status, ok := vals["status"]; ok && status != "" {
		n.Status = models.NudgeStatus(status)
	}
	n.ClaimedBy = vals["claimed_by"]
	n.ClaimedAt = time.Time{}
	if ms, err := strconv.ParseInt(vals["claimed_at"], 10, 64); err == nil {
		n.ClaimedAt = fromMillis(ms)
	}
	n.CancelRequested = vals["cancel_requested"]
	return n, nil
}

func awaitingApprovalFlag(n *models.Nudge) string {
	if n.RequiresApproval && n.Status == models.NudgePending {
		return "1"
	}
	return "0"
}
