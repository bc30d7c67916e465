package whatsapp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"followup-nudge-engine/pkg/models"
)

type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Statuses []statusPayload `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type statusPayload struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Errors    []struct {
		Code    int    `json:"code"`
		Title   string `json:"title"`
		Message string `json:"message"`
	} `json:"errors"`
}

// ParseStatuses extracts delivery updates from a Cloud API webhook body.
// "sent" callbacks carry nothing the engine does not already know and are
// skipped along with unknown statuses.
func ParseStatuses(body []byte, now time.Time) ([]models.DeliveryUpdate, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}

	var updates []models.DeliveryUpdate
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, s := range change.Value.Statuses {
				status := models.DeliveryStatus(s.Status)
				switch status {
				case models.DeliveryDelivered, models.DeliveryRead, models.DeliveryFailed:
				default:
					continue
				}
				if s.ID == "" {
					continue
				}

				update := models.DeliveryUpdate{
					ProviderMessageID: s.ID,
					Status:            status,
					At:                parseTimestamp(s.Timestamp, now),
				}
				if status == models.DeliveryFailed {
					update.ErrorCode = "unknown"
					if len(s.Errors) > 0 {
						update.ErrorCode = strconv.Itoa(s.Errors[0].Code)
						update.ErrorMessage = s.Errors[0].Title
						if update.ErrorMessage == "" {
							update.ErrorMessage = s.Errors[0].Message
						}
					}
				}
				updates = append(updates, update)
			}
		}
	}
	return updates, nil
}

func parseTimestamp(raw string, fallback time.Time) time.Time {
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Unix(secs, 0).UTC()
}

// Verify answers Meta's subscription handshake, returning the challenge to
// echo when the token matches.
func Verify(mode, token, challenge, expected string) (string, bool) {
	if mode != "subscribe" || expected == "" || token != expected {
		return "", false
	}
	return challenge, true
}
