package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"followup-nudge-engine/pkg/clock"
	"followup-nudge-engine/pkg/engine"
	"followup-nudge-engine/pkg/errs"
	"followup-nudge-engine/pkg/models"
)

type Options struct {
	PodID       string
	CronSecret  string
	VerifyToken string
	IsLeader    func(ctx context.Context) bool
	Ping        func(ctx context.Context) error
	NeedsHuman  func(ctx context.Context, limit int64) ([]models.Event, error)
	Clock       clock.Clock
}

type Handler struct {
	engine *engine.Engine
	opts   Options
	logger *logrus.Logger
}

func NewHandler(e *engine.Engine, opts Options, logger *logrus.Logger) *Handler {
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.IsLeader == nil {
		opts.IsLeader = func(context.Context) bool { return false }
	}
	return &Handler{engine: e, opts: opts, logger: logger}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.opts.Ping != nil {
		if err := h.opts.Ping(r.Context()); err != nil {
			h.logger.WithError(err).Warn("Health check failed")
			http.Error(w, "Health check failed", http.StatusServiceUnavailable)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"pod_id":    h.opts.PodID,
		"timestamp": h.opts.Clock.Now(),
	})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	open, err := h.engine.OpenConversations(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to count open conversations")
		http.Error(w, "Failed to get status", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pod_id":             h.opts.PodID,
		"is_leader":          h.opts.IsLeader(r.Context()),
		"open_conversations": open,
		"timestamp":          h.opts.Clock.Now(),
	})
}

// Tick runs one claim-and-dispatch cycle for an external scheduler. The
// caller must present the shared cron secret; with no secret configured the
// endpoint is closed.
func (h *Handler) Tick(w http.ResponseWriter, r *http.Request) {
	if h.opts.CronSecret == "" || r.Header.Get("X-Cron-Secret") != h.opts.CronSecret {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	response := map[string]interface{}{}
	if sweep, _ := strconv.ParseBool(r.URL.Query().Get("sweep")); sweep {
		report, err := h.engine.Sweep(r.Context())
		if err != nil {
			h.writeError(w, err)
			return
		}
		response["sweep"] = report
	}

	report, err := h.engine.Tick(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	response["tick"] = report
	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) NeedsHuman(w http.ResponseWriter, r *http.Request) {
	if h.opts.NeedsHuman == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"events": []models.Event{}})
		return
	}

	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	events, err := h.opts.NeedsHuman(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (h *Handler) now(at time.Time) time.Time {
	if at.IsZero() {
		return h.opts.Clock.Now()
	}
	return at
}

func decode(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var conflict *errs.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":           err.Error(),
			"conversation_id": conflict.ConversationID,
			"active_nudge_id": conflict.ActiveNudgeID,
		})
	case errors.Is(err, errs.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": err.Error()})
	case errors.Is(err, errs.ErrInvalidTransition), errors.Is(err, errs.ErrClaimed), errors.Is(err, errs.ErrApprovalRequired):
		writeJSON(w, http.StatusConflict, map[string]interface{}{"error": err.Error()})
	case errors.Is(err, errs.ErrInvalidSchedule), errors.Is(err, errBadRequest):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
	default:
		h.logger.WithError(err).Error("Request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "internal server error"})
	}
}

var errBadRequest = errors.New("bad request")

func badRequest(msg string) error {
	return fmt.Errorf("%w: %s", errBadRequest, msg)
}
