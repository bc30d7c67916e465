package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"followup-nudge-engine/pkg/models"
)

// DraftRequest is the context handed to the drafting service.
type DraftRequest struct {
	ConversationID string          `json:"conversation_id"`
	Contact        *models.Contact `json:"contact"`
	Subject        string          `json:"subject,omitempty"`
	Level          int             `json:"escalation_level"`
	Tone           models.Tone     `json:"tone"`
	Channel        models.Channel  `json:"channel"`
	LastMessageAt  time.Time       `json:"last_message_at"`
	LastReplyAt    time.Time       `json:"last_reply_at"`
	ExchangeCount  int             `json:"exchange_count"`
}

type Draft struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

// Drafter generates follow-up text. Any error is treated as DraftUnavailable.
type Drafter interface {
	GenerateDraft(ctx context.Context, req DraftRequest) (Draft, error)
}

// DrafterFunc adapts a function to Drafter.
type DrafterFunc func(ctx context.Context, req DraftRequest) (Draft, error)

func (f DrafterFunc) GenerateDraft(ctx context.Context, req DraftRequest) (Draft, error) {
	return f(ctx, req)
}

// CalendarLookup answers whether a contact is out of office during [from, to).
type CalendarLookup interface {
	IsOutOfOffice(ctx context.Context, email string, from, to time.Time) (bool, error)
}

type CalendarFunc func(ctx context.Context, email string, from, to time.Time) (bool, error)

func (f CalendarFunc) IsOutOfOffice(ctx context.Context, email string, from, to time.Time) (bool, error) {
	return f(ctx, email, from, to)
}

// TemplateDrafter writes a canned follow-up per tone. It stands in when no
// drafting service is configured; its fixed confidence decides whether the
// gate lets the nudge through unattended.
type TemplateDrafter struct {
	Confidence float64
}

var toneTemplates = map[models.Tone]string{
	models.ToneWarm:         "Hi %s, just checking in on my last message. Happy to help with anything you need.",
	models.ToneProfessional: "Hi %s, following up on my previous note. Could you let me know where things stand?",
	models.ToneUrgent:       "Hi %s, I wanted to follow up once more as this is time-sensitive. Could you get back to me when you can?",
}

func (d TemplateDrafter) GenerateDraft(ctx context.Context, req DraftRequest) (Draft, error) {
	tpl, ok := toneTemplates[req.Tone]
	if !ok {
		tpl = toneTemplates[models.ToneProfessional]
	}
	name := "there"
	if req.Contact != nil && req.Contact.Name != "" {
		name = req.Contact.Name
	}
	return Draft{Content: fmt.Sprintf(tpl, name), Confidence: d.Confidence}, nil
}

// HTTPDrafter asks a remote drafting service for the follow-up text. The
// service receives the DraftRequest as JSON and answers with a Draft.
type HTTPDrafter struct {
	URL    string
	Client *http.Client
}

func (d HTTPDrafter) GenerateDraft(ctx context.Context, req DraftRequest) (Draft, error) {
	var draft Draft
	if err := postJSON(ctx, d.Client, d.URL, req, &draft); err != nil {
		return Draft{}, fmt.Errorf("drafting service: %w", err)
	}
	return draft, nil
}

type calendarRequest struct {
	Email string    `json:"email"`
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
}

type calendarResponse struct {
	OutOfOffice bool `json:"out_of_office"`
}

// HTTPCalendar asks a remote calendar service about out-of-office windows.
type HTTPCalendar struct {
	URL    string
	Client *http.Client
}

func (c HTTPCalendar) IsOutOfOffice(ctx context.Context, email string, from, to time.Time) (bool, error) {
	var resp calendarResponse
	if err := postJSON(ctx, c.Client, c.URL, calendarRequest{Email: email, From: from, To: to}, &resp); err != nil {
		return false, fmt.Errorf("calendar service: %w", err)
	}
	return resp.OutOfOffice, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, in, out interface{}) error {
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out)
}
