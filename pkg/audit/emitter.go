// Package audit records every decision and transition on an append-only Redis
// stream and routes needs-human signals to an operator queue.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"followup-nudge-engine/pkg/constants"
	"followup-nudge-engine/pkg/metrics"
	"followup-nudge-engine/pkg/models"
)

// Emitter accepts audit events. Emit must never block the caller's state
// transition.
type Emitter interface {
	Emit(event models.Event)
}

const defaultBufferSize = 1024

// StreamEmitter buffers events in memory and appends them to the audit stream
// from a single background goroutine.
type StreamEmitter struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
	maxLen  int64
	events  chan models.Event
	wg      sync.WaitGroup
	once    sync.Once
}

func NewStreamEmitter(rdb *redis.Client, logger *logrus.Logger, metrics *metrics.Metrics, maxLen int64, buffer int) *StreamEmitter {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	return &StreamEmitter{
		rdb:     rdb,
		logger:  logger,
		metrics: metrics,
		maxLen:  maxLen,
		events:  make(chan models.Event, buffer),
	}
}

func (e *StreamEmitter) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.publishLoop(ctx)
}

// Stop flushes buffered events and waits for the publisher to exit.
func (e *StreamEmitter) Stop() {
	e.once.Do(func() { close(e.events) })
	e.wg.Wait()
}

// Emit enqueues event. When the buffer is full the event is dropped and counted.
func (e *StreamEmitter) Emit(event models.Event) {
	stamp(&event)
	select {
	case e.events <- event:
	default:
		e.metrics.AuditEventsDropped.Inc()
		e.logger.WithFields(logrus.Fields{
			"event_type":      event.Type,
			"conversation_id": event.ConversationID,
		}).Warn("Audit buffer full, dropping event")
	}
}

func (e *StreamEmitter) publishLoop(ctx context.Context) {
	defer e.wg.Done()
	for event := range e.events {
		// Use a detached context so a shutdown still flushes what was accepted.
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		if _, err := e.Publish(pubCtx, event); err != nil {
			e.logger.WithError(err).WithField("event_type", event.Type).Error("Failed to publish audit event")
		}
		cancel()
	}
}

// Publish appends event to the audit stream synchronously.
func (e *StreamEmitter) Publish(ctx context.Context, event models.Event) (string, error) {
	start := time.Now()
	defer func() {
		e.metrics.RedisOperationDuration.WithLabelValues("audit_publish").Observe(time.Since(start).Seconds())
	}()

	stamp(&event)
	eventData, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal audit event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: constants.AuditEventsStream,
		Values: map[string]interface{}{
			"type":            string(event.Type),
			"conversation_id": event.ConversationID,
			"nudge_id":        event.NudgeID,
			"level":           event.Level,
			"reason":          event.Reason,
			"at":              event.At.UnixMilli(),
			"event_data":      string(eventData),
		},
	}
	if e.maxLen > 0 {
		args.MaxLen = e.maxLen
		args.Approx = true
	}

	messageID, err := e.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to add audit event to stream: %w", err)
	}

	e.logger.WithFields(logrus.Fields{
		"event_type":      event.Type,
		"conversation_id": event.ConversationID,
		"message_id":      messageID,
	}).Debug("Published audit event")
	return messageID, nil
}

func stamp(event *models.Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
}

// MemoryEmitter keeps events in memory. Used where no stream is wired.
type MemoryEmitter struct {
	mu     sync.Mutex
	events []models.Event
}

func NewMemoryEmitter() *MemoryEmitter {
	return &MemoryEmitter{}
}

func (m *MemoryEmitter) Emit(event models.Event) {
	stamp(&event)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *MemoryEmitter) Events() []models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Event(nil), m.events...)
}

// OfType returns the recorded events of the given type, oldest first.
func (m *MemoryEmitter) OfType(t models.EventType) []models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Event
	for _, ev := range m.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(models.Event) {}
