// Package whatsapp sends nudges through the WhatsApp Cloud API and parses its
// status webhooks.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"followup-nudge-engine/pkg/clock"
	"followup-nudge-engine/pkg/dispatch"
	"followup-nudge-engine/pkg/errs"
)

const (
	DefaultBaseURL = "https://graph.facebook.com"

	TemplateName      = "ai_followup"
	TemplateParam     = "followup_message"
	TemplateLanguage  = "en"
	FallbackTemplate  = "hello_world"
	ServiceWindow     = 24 * time.Hour
	defaultFollowUp   = "Hi! Just following up on my last message. Let me know if you have any questions."
	codeTemplateUnset = 132001
	codeUndeliverable = 131026
)

type Config struct {
	AccessToken   string
	PhoneNumberID string
	APIVersion    string
	BaseURL       string
}

// Client implements dispatch.Sender for the whatsapp channel.
type Client struct {
	cfg    Config
	http   *http.Client
	clock  clock.Clock
	logger *logrus.Logger
}

func NewClient(cfg Config, httpClient *http.Client, c clock.Clock, logger *logrus.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v21.0"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{cfg: cfg, http: httpClient, clock: c, logger: logger}
}

type textBody struct {
	Body string `json:"body"`
}

type templateParameter struct {
	Type          string `json:"type"`
	ParameterName string `json:"parameter_name,omitempty"`
	Text          string `json:"text"`
}

type templateComponent struct {
	Type       string              `json:"type"`
	Parameters []templateParameter `json:"parameters"`
}

type templateBody struct {
	Name     string `json:"name"`
	Language struct {
		Code string `json:"code"`
	} `json:"language"`
	Components []templateComponent `json:"components,omitempty"`
}

type outbound struct {
	MessagingProduct string        `json:"messaging_product"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             *textBody     `json:"text,omitempty"`
	Template         *templateBody `json:"template,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send uses free-form text while the contact's last reply is inside the
// customer-service window and the approved template otherwise.
func (c *Client) Send(ctx context.Context, msg dispatch.Message) (string, error) {
	if c.cfg.AccessToken == "" || c.cfg.PhoneNumberID == "" {
		return "", errs.NewPermanent("whatsapp_not_configured", nil)
	}

	entry := c.logger.WithFields(logrus.Fields{
		"nudge_id":        msg.NudgeID,
		"conversation_id": msg.ConversationID,
	})

	if c.inWindow(msg.LastInboundAt) {
		entry.Debug("Sending WhatsApp text inside service window")
		return c.post(ctx, outbound{
			MessagingProduct: "whatsapp",
			To:               msg.Recipient,
			Type:             "text",
			Text:             &textBody{Body: msg.Content},
		})
	}

	content := strings.TrimSpace(msg.Content)
	if content == "" {
		content = defaultFollowUp
	}
	id, err := c.post(ctx, templateMessage(msg.Recipient, TemplateName, []templateParameter{{
		Type:          "text",
		ParameterName: TemplateParam,
		Text:          content,
	}}))
	if err == nil || !templateMissing(err) {
		return id, err
	}

	entry.WithError(err).Warn("Follow-up template unavailable, falling back")
	return c.post(ctx, templateMessage(msg.Recipient, FallbackTemplate, nil))
}

func (c *Client) inWindow(lastInbound time.Time) bool {
	return !lastInbound.IsZero() && c.clock.Now().Sub(lastInbound) < ServiceWindow
}

func templateMessage(to, name string, params []templateParameter) outbound {
	tpl := &templateBody{Name: name}
	tpl.Language.Code = TemplateLanguage
	if len(params) > 0 {
		tpl.Components = []templateComponent{{Type: "body", Parameters: params}}
	}
	return outbound{MessagingProduct: "whatsapp", To: to, Type: "template", Template: tpl}
}

func (c *Client) post(ctx context.Context, payload outbound) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", errs.NewPermanent("encode_failed", err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.APIVersion, c.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", errs.NewPermanent("bad_request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errs.NewTransient("network_error", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errs.NewTransient("network_error", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", classify(resp.StatusCode, raw)
	}

	var out sendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", errs.NewTransient("bad_response", err)
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return "", errs.NewTransient("bad_response", errors.New("response carried no message id"))
	}
	return out.Messages[0].ID, nil
}

// classify maps an API failure onto the delivery error taxonomy.
func classify(status int, raw []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(raw, &apiErr)

	detail := apiErr.Error.Message
	if detail == "" {
		detail = strings.TrimSpace(string(raw))
	}
	cause := errors.New(detail)

	var de *errs.DeliveryError
	switch {
	case apiErr.Error.Code == codeUndeliverable:
		de = errs.NewPermanent("invalid_address", cause)
	case status == http.StatusTooManyRequests || status >= 500:
		de = errs.NewTransient("provider_unavailable", cause)
	case apiErr.Error.Code == codeTemplateUnset || status == http.StatusNotFound:
		de = errs.NewPermanent("template_not_found", cause)
	default:
		code := "rejected"
		if apiErr.Error.Code != 0 {
			code = "api_" + strconv.Itoa(apiErr.Error.Code)
		}
		de = errs.NewPermanent(code, cause)
	}
	de.StatusCode = status
	return de
}

func templateMissing(err error) bool {
	var de *errs.DeliveryError
	return errors.As(err, &de) && de.Code == "template_not_found"
}
