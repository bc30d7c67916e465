package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"followup-nudge-engine/pkg/constants"
)

func (h *Handler) GetNudge(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.Nudge(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (h *Handler) CancelNudge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, badRequest("invalid request body"))
		return
	}
	if req.Reason == "" {
		req.Reason = constants.ReasonManual
	}

	n, err := h.engine.CancelNudge(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

type approvalRequest struct {
	Approver string `json:"approver"`
	Content  string `json:"content"`
}

func (h *Handler) ApproveNudge(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := decode(r, &req); err != nil || req.Approver == "" {
		h.writeError(w, badRequest("approver is required"))
		return
	}

	n, err := h.engine.ApproveNudge(r.Context(), mux.Vars(r)["id"], req.Approver)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"nudge_id": n.ID,
		"approver": req.Approver,
	}).Info("Nudge approved")
	writeJSON(w, http.StatusOK, n)
}

func (h *Handler) EditNudge(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := decode(r, &req); err != nil || req.Approver == "" || strings.TrimSpace(req.Content) == "" {
		h.writeError(w, badRequest("approver and content are required"))
		return
	}

	n, err := h.engine.EditAndApproveNudge(r.Context(), mux.Vars(r)["id"], req.Content, req.Approver)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (h *Handler) SendNudge(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.SendNow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}

	response := map[string]interface{}{
		"outcome": res.Outcome,
		"nudge":   res.Nudge,
	}
	if res.Err != nil {
		response["error"] = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) RescheduleNudge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScheduledAt time.Time `json:"scheduled_at"`
	}
	if err := decode(r, &req); err != nil || req.ScheduledAt.IsZero() {
		h.writeError(w, badRequest("scheduled_at is required"))
		return
	}

	n, err := h.engine.RescheduleNudge(r.Context(), mux.Vars(r)["id"], req.ScheduledAt)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}
