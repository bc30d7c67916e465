package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"followup-nudge-engine/pkg/clock"
	"followup-nudge-engine/pkg/engine"
	"followup-nudge-engine/pkg/models"
)

type messageRequest struct {
	ContactID string         `json:"contact_id"`
	Channel   models.Channel `json:"channel"`
	Subject   string         `json:"subject"`
	At        time.Time      `json:"at"`
	Sentiment string         `json:"sentiment"`
}

func (h *Handler) messageEvent(r *http.Request) (engine.MessageEvent, error) {
	var req messageRequest
	if err := decode(r, &req); err != nil {
		return engine.MessageEvent{}, badRequest("invalid request body")
	}
	if req.Channel != "" && !req.Channel.Valid() {
		return engine.MessageEvent{}, badRequest("unknown channel " + string(req.Channel))
	}
	return engine.MessageEvent{
		ConversationID: mux.Vars(r)["id"],
		ContactID:      req.ContactID,
		Channel:        req.Channel,
		Subject:        req.Subject,
		At:             h.now(req.At),
		Sentiment:      req.Sentiment,
	}, nil
}

func (h *Handler) Reply(w http.ResponseWriter, r *http.Request) {
	ev, err := h.messageEvent(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	res, err := h.engine.ReplyReceived(r.Context(), ev)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.WithField("conversation_id", ev.ConversationID).Debug("Recorded reply")
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) MessageSent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.messageEvent(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	res, err := h.engine.MessageSent(r.Context(), ev)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.WithField("conversation_id", ev.ConversationID).Debug("Recorded outbound message")
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Snooze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Until time.Time `json:"until"`
	}
	if err := decode(r, &req); err != nil || req.Until.IsZero() {
		h.writeError(w, badRequest("until is required"))
		return
	}

	conv, err := h.engine.Snooze(r.Context(), mux.Vars(r)["id"], req.Until)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	conv, err := h.engine.Resolve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Resume(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Schedule asks for the next nudge immediately instead of waiting for the
// sweep. A conversation with an active nudge answers 409.
func (h *Handler) Schedule(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.ScheduleForConversation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Nudge != nil {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	conv, nudges, err := h.engine.Conversation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation": conv,
		"nudges":       nudges,
	})
}

func (h *Handler) ListNudges(w http.ResponseWriter, r *http.Request) {
	_, nudges, err := h.engine.Conversation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	if nudges == nil {
		nudges = []*models.Nudge{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nudges": nudges})
}

func (h *Handler) PutContact(w http.ResponseWriter, r *http.Request) {
	var contact models.Contact
	if err := decode(r, &contact); err != nil {
		h.writeError(w, badRequest("invalid request body"))
		return
	}
	contact.ID = mux.Vars(r)["id"]
	if _, err := clock.LoadLocation(contact.Timezone); err != nil {
		h.writeError(w, badRequest(err.Error()))
		return
	}

	if err := h.engine.SaveContact(r.Context(), &contact); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contact)
}

func (h *Handler) CalendarUpdated(w http.ResponseWriter, r *http.Request) {
	contactID := mux.Vars(r)["id"]
	shifted, err := h.engine.CalendarUpdated(r.Context(), contactID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if shifted == nil {
		shifted = []*models.Nudge{}
	}

	h.logger.WithFields(logrus.Fields{
		"contact_id": contactID,
		"shifted":    len(shifted),
	}).Info("Processed calendar update")
	writeJSON(w, http.StatusOK, map[string]interface{}{"shifted": shifted})
}
