package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"followup-nudge-engine/pkg/handlers"
)

// NewRouter registers every route. gatherer backs /metrics.
func NewRouter(handler *handlers.Handler, gatherer prometheus.Gatherer, logger *logrus.Logger) *mux.Router {
	router := mux.NewRouter()

	// Contacts
	router.HandleFunc("/contacts/{id}", handler.PutContact).Methods("PUT")
	router.HandleFunc("/contacts/{id}/calendar-updated", handler.CalendarUpdated).Methods("POST")

	// Conversations
	router.HandleFunc("/conversations/{id}", handler.GetConversation).Methods("GET")
	router.HandleFunc("/conversations/{id}/nudges", handler.ListNudges).Methods("GET")
	router.HandleFunc("/conversations/{id}/reply", handler.Reply).Methods("POST")
	router.HandleFunc("/conversations/{id}/message-sent", handler.MessageSent).Methods("POST")
	router.HandleFunc("/conversations/{id}/snooze", handler.Snooze).Methods("POST")
	router.HandleFunc("/conversations/{id}/resolve", handler.Resolve).Methods("POST")
	router.HandleFunc("/conversations/{id}/resume", handler.Resume).Methods("POST")
	router.HandleFunc("/conversations/{id}/schedule", handler.Schedule).Methods("POST")

	// Nudges
	router.HandleFunc("/nudges/{id}", handler.GetNudge).Methods("GET")
	router.HandleFunc("/nudges/{id}/cancel", handler.CancelNudge).Methods("POST")
	router.HandleFunc("/nudges/{id}/approve", handler.ApproveNudge).Methods("POST")
	router.HandleFunc("/nudges/{id}/edit", handler.EditNudge).Methods("PUT")
	router.HandleFunc("/nudges/{id}/send", handler.SendNudge).Methods("POST")
	router.HandleFunc("/nudges/{id}/reschedule", handler.RescheduleNudge).Methods("POST")

	// Providers and schedulers
	router.HandleFunc("/webhooks/delivery", handler.DeliveryWebhook).Methods("POST")
	router.HandleFunc("/webhooks/whatsapp", handler.WhatsAppVerify).Methods("GET")
	router.HandleFunc("/webhooks/whatsapp", handler.WhatsAppWebhook).Methods("POST")
	router.HandleFunc("/tick", handler.Tick).Methods("POST")

	// Operations
	router.HandleFunc("/needs-human", handler.NeedsHuman).Methods("GET")
	router.HandleFunc("/health", handler.Health).Methods("GET")
	router.HandleFunc("/status", handler.Status).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")

	router.Use(loggingMiddleware(logger))
	return router
}

func NewHTTPServer(port string, router http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}).Debug("HTTP request processed")
		})
	}
}
