// Package store persists conversations, contacts and nudges in Redis. Every
// cross-worker coordination goes through conditional updates here: Lua
// scripts for creation and claiming, WATCH/MULTI transactions for the rest.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"followup-nudge-engine/pkg/constants"
	"followup-nudge-engine/pkg/metrics"
	"followup-nudge-engine/pkg/models"
)

// ErrUnchanged is returned by an update function to abort the write without
// failing. UpdateNudge and UpdateConversation hand it back with the current row.
var ErrUnchanged = errors.New("no change")

const maxTxAttempts = 16

// Store is the single shared mutable resource of the engine.
type Store interface {
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	SaveContact(ctx context.Context, contact *models.Contact) error

	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	CreateConversation(ctx context.Context, conv *models.Conversation) (bool, error)
	UpdateConversation(ctx context.Context, id string, fn func(*models.Conversation) error) (*models.Conversation, error)
	ListOpenConversations(ctx context.Context) ([]string, error)

	CreateNudge(ctx context.Context, nudge *models.Nudge) error
	GetNudge(ctx context.Context, id string) (*models.Nudge, error)
	UpdateNudge(ctx context.Context, id string, fn func(*models.Nudge) error) (*models.Nudge, error)
	ActiveNudge(ctx context.Context, conversationID string) (*models.Nudge, error)
	ListChain(ctx context.Context, conversationID string) ([]*models.Nudge, error)
	ClaimDue(ctx context.Context, now time.Time, batchSize int, workerID string) ([]*models.Nudge, error)
	ClaimNudge(ctx context.Context, id string, now time.Time, workerID string) (*models.Nudge, error)
	NudgeByProviderMessageID(ctx context.Context, providerMessageID string) (*models.Nudge, error)
}

type RedisStore struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
	lease   time.Duration
}

func NewRedisStore(rdb *redis.Client, logger *logrus.Logger, metrics *metrics.Metrics, claimLease time.Duration) *RedisStore {
	if claimLease <= 0 {
		claimLease = constants.DefaultClaimLease
	}
	return &RedisStore{
		rdb:     rdb,
		logger:  logger,
		metrics: metrics,
		lease:   claimLease,
	}
}

func (s *RedisStore) observe(operation string, start time.Time) {
	s.metrics.RedisOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func nudgeKey(id string) string           { return constants.NudgeKeyPrefix + id }
func conversationKey(id string) string    { return constants.ConversationKeyPrefix + id }
func contactKey(id string) string         { return constants.ContactKeyPrefix + id }
func activeNudgeKey(convID string) string { return constants.ActiveNudgeKeyPrefix + convID }
func chainKey(convID string) string       { return constants.ChainKeyPrefix + convID }
func providerIndexKey(pmid string) string { return constants.ProviderIndexPrefix + pmid }
func toMillis(t time.Time) int64          { return t.UnixMilli() }
func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
