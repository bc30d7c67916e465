package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"followup-nudge-engine/pkg/errs"
	"followup-nudge-engine/pkg/models"
	"followup-nudge-engine/pkg/store"
)

// ApplyDeliveryStatus overlays a provider status update on the nudge it
// belongs to. Each timestamp is written once; replays and reordered webhooks
// are no-ops. The nudge stays sent whatever the provider reports. applied is
// false when nothing changed.
func (d *Dispatcher) ApplyDeliveryStatus(ctx context.Context, update models.DeliveryUpdate) (nudge *models.Nudge, applied bool, err error) {
	status := string(update.Status)
	found, err := d.store.NudgeByProviderMessageID(ctx, update.ProviderMessageID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			d.metrics.DeliveryWebhooks.WithLabelValues(status, "unknown").Inc()
		}
		return nil, false, err
	}

	at := update.At
	if at.IsZero() {
		at = d.clock.Now()
	}

	n, err := d.store.UpdateNudge(ctx, found.ID, func(n *models.Nudge) error {
		if n.Status != models.NudgeSent {
			return fmt.Errorf("delivery status for nudge %s in status %s: %w", n.ID, n.Status, errs.ErrInvalidTransition)
		}
		switch update.Status {
		case models.DeliveryDelivered:
			if !n.DeliveredAt.IsZero() {
				return store.ErrUnchanged
			}
			n.DeliveredAt = at
		case models.DeliveryRead:
			if !n.ReadAt.IsZero() {
				return store.ErrUnchanged
			}
			n.ReadAt = at
			if n.DeliveredAt.IsZero() {
				n.DeliveredAt = at
			}
		case models.DeliveryFailed:
			if !n.FailedAt.IsZero() {
				return store.ErrUnchanged
			}
			n.FailedAt = at
			n.FailureReason = update.ErrorCode
			if update.ErrorMessage != "" {
				n.LastError = update.ErrorMessage
			}
		default:
			return fmt.Errorf("unknown delivery status %q: %w", update.Status, errs.ErrInvalidTransition)
		}
		return nil
	})
	if errors.Is(err, store.ErrUnchanged) {
		d.metrics.DeliveryWebhooks.WithLabelValues(status, "duplicate").Inc()
		return n, false, nil
	}
	if err != nil {
		d.metrics.DeliveryWebhooks.WithLabelValues(status, "rejected").Inc()
		return nil, false, err
	}

	d.metrics.DeliveryWebhooks.WithLabelValues(status, "applied").Inc()
	d.logger.WithFields(logrus.Fields{
		"nudge_id":            n.ID,
		"conversation_id":     n.ConversationID,
		"provider_message_id": update.ProviderMessageID,
		"status":              status,
	}).Info("Applied delivery status")

	attrs := map[string]string{
		"status":              status,
		"provider_message_id": update.ProviderMessageID,
	}
	if update.ErrorCode != "" {
		attrs["error_code"] = update.ErrorCode
	}
	d.emit(models.Event{
		Type:           models.EventDeliveryStatus,
		ConversationID: n.ConversationID,
		NudgeID:        n.ID,
		Level:          n.EscalationLevel,
		At:             at,
		Attributes:     attrs,
	})
	return n, true, nil
}
