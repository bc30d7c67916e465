package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"followup-nudge-engine/pkg/channels/whatsapp"
	"followup-nudge-engine/pkg/errs"
	"followup-nudge-engine/pkg/models"
)

// DeliveryWebhook accepts a provider-neutral status update.
func (h *Handler) DeliveryWebhook(w http.ResponseWriter, r *http.Request) {
	var update models.DeliveryUpdate
	if err := decode(r, &update); err != nil || update.ProviderMessageID == "" {
		h.writeError(w, badRequest("provider_message_id is required"))
		return
	}
	switch update.Status {
	case models.DeliveryDelivered, models.DeliveryRead, models.DeliveryFailed:
	default:
		h.writeError(w, badRequest("unknown delivery status "+string(update.Status)))
		return
	}
	update.At = h.now(update.At)

	n, applied, err := h.engine.DeliveryWebhook(r.Context(), update)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"applied": applied,
		"nudge":   n,
	})
}

// WhatsAppVerify answers the Cloud API subscription handshake.
func (h *Handler) WhatsAppVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, ok := whatsapp.Verify(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"), h.opts.VerifyToken)
	if !ok {
		h.logger.Warn("WhatsApp webhook verification failed")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, challenge)
}

// WhatsAppWebhook applies every status in a Cloud API callback. It answers
// 200 even when individual updates fail so the provider does not redeliver
// the whole batch.
func (h *Handler) WhatsAppWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.writeError(w, badRequest("unreadable body"))
		return
	}
	updates, err := whatsapp.ParseStatuses(body, h.opts.Clock.Now())
	if err != nil {
		h.writeError(w, badRequest(err.Error()))
		return
	}

	applied := 0
	for _, update := range updates {
		entry := h.logger.WithFields(logrus.Fields{
			"provider_message_id": update.ProviderMessageID,
			"status":              update.Status,
		})
		_, ok, err := h.engine.DeliveryWebhook(r.Context(), update)
		switch {
		case errors.Is(err, errs.ErrNotFound):
			entry.Debug("Status for unknown message")
		case err != nil:
			entry.WithError(err).Error("Failed to apply WhatsApp status")
		case ok:
			applied++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"received": len(updates),
		"applied":  applied,
	})
}
