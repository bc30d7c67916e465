package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"followup-nudge-engine/pkg/constants"
	"followup-nudge-engine/pkg/errs"
	"followup-nudge-engine/pkg/models"
)

func (s *RedisStore) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	start := time.Now()
	defer s.observe("get_contact", start)

	raw, err := s.rdb.Get(ctx, contactKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("contact %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}

	var contact models.Contact
	if err := json.Unmarshal(raw, &contact); err != nil {
		return nil, fmt.Errorf("invalid contact payload: %w", err)
	}
	return &contact, nil
}

func (s *RedisStore) SaveContact(ctx context.Context, contact *models.Contact) error {
	start := time.Now()
	defer s.observe("save_contact", start)

	payload, err := json.Marshal(contact)
	if err != nil {
		return fmt.Errorf("failed to marshal contact: %w", err)
	}
	if err := s.rdb.Set(ctx, contactKey(contact.ID), payload, 0).Err(); err != nil {
		return fmt.Errorf("failed to save contact: %w", err)
	}
	return nil
}

func (s *RedisStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	start := time.Now()
	defer s.observe("get_conversation", start)

	raw, err := s.rdb.Get(ctx, conversationKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("conversation %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return decodeConversation(raw)
}

// CreateConversation stores conv unless it already exists. It reports whether
// the row was created.
func (s *RedisStore) CreateConversation(ctx context.Context, conv *models.Conversation) (bool, error) {
	start := time.Now()
	defer s.observe("create_conversation", start)

	payload, err := json.Marshal(conv)
	if err != nil {
		return false, fmt.Errorf("failed to marshal conversation: %w", err)
	}

	created, err := s.rdb.SetNX(ctx, conversationKey(conv.ID), payload, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to create conversation: %w", err)
	}
	if created && conv.Status != models.ConversationResolved {
		if err := s.rdb.SAdd(ctx, constants.ConversationsIndexKey, conv.ID).Err(); err != nil {
			return true, fmt.Errorf("failed to index conversation: %w", err)
		}
	}
	return created, nil
}

// UpdateConversation applies fn to the current row under WATCH and keeps the
// open-conversations index in sync with the resulting status.
func (s *RedisStore) UpdateConversation(ctx context.Context, id string, fn func(*models.Conversation) error) (*models.Conversation, error) {
	start := time.Now()
	defer s.observe("update_conversation", start)

	key := conversationKey(id)
	var result *models.Conversation

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return fmt.Errorf("conversation %s: %w", id, errs.ErrNotFound)
		}
		if err != nil {
			return err
		}
		current, err := decodeConversation(raw)
		if err != nil {
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
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if next.Status == models.ConversationResolved {
				pipe.SRem(ctx, constants.ConversationsIndexKey, id)
			} else {
				pipe.SAdd(ctx, constants.ConversationsIndexKey, id)
			}
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
			continue
		}
		return result, err
	}
	return nil, fmt.Errorf("update conversation %s: too much contention", id)
}

// ListOpenConversations returns the IDs of all conversations that are not resolved.
func (s *RedisStore) ListOpenConversations(ctx context.Context) ([]string, error) {
	start := time.Now()
	defer s.observe("list_open_conversations", start)

	ids, err := s.rdb.SMembers(ctx, constants.ConversationsIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list open conversations: %w", err)
	}
	return ids, nil
}

func decodeConversation(raw []byte) (*models.Conversation, error) {
	var conv models.Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return nil, fmt.Errorf("invalid conversation payload: %w", err)
	}
	return &conv, nil
}
