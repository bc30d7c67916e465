package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"followup-nudge-engine/pkg/errs"
	"followup-nudge-engine/pkg/models"
)

// Message is one outbound nudge as handed to a channel provider.
type Message struct {
	NudgeID        string
	ConversationID string
	Channel        models.Channel
	Recipient      string
	Content        string
	// LastInboundAt is the contact's most recent reply, used by channels with
	// a customer-service window.
	LastInboundAt time.Time
}

// Sender delivers a message and returns the provider's message ID. Failures
// should be *errs.DeliveryError; untyped errors are classified by their text.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

type SenderFunc func(ctx context.Context, msg Message) (string, error)

func (f SenderFunc) Send(ctx context.Context, msg Message) (string, error) {
	return f(ctx, msg)
}

// LogSender accepts every message and only logs it. It stands in for channels
// with no provider configured.
type LogSender struct {
	Logger *logrus.Logger
}

func (s LogSender) Send(ctx context.Context, msg Message) (string, error) {
	id := "log-" + uuid.New().String()
	s.Logger.WithFields(logrus.Fields{
		"nudge_id":            msg.NudgeID,
		"conversation_id":     msg.ConversationID,
		"channel":             msg.Channel,
		"recipient":           msg.Recipient,
		"provider_message_id": id,
	}).Info("Nudge delivered to log sender")
	return id, nil
}

// recipientFor picks the contact address used by a channel.
func recipientFor(channel models.Channel, contact *models.Contact) (string, error) {
	if contact == nil {
		return "", errs.NewPermanent("invalid_address", fmt.Errorf("contact not found"))
	}
	var addr string
	switch channel {
	case models.ChannelEmail:
		addr = contact.Email
	case models.ChannelWhatsApp, models.ChannelSMS:
		addr = contact.Phone
	default:
		return "", errs.NewPermanent("unsupported_channel", fmt.Errorf("channel %q", channel))
	}
	if addr == "" {
		return "", errs.NewPermanent("invalid_address", fmt.Errorf("contact %s has no %s address", contact.ID, channel))
	}
	return addr, nil
}

// limiterPool hands out one token bucket per channel.
type limiterPool struct {
	mu    sync.Mutex
	m     map[models.Channel]*rate.Limiter
	rps   float64
	burst int
}

func (p *limiterPool) get(channel models.Channel) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[models.Channel]*rate.Limiter)
	}
	if l, ok := p.m[channel]; ok {
		return l
	}
	rps := p.rps
	if rps <= 0 {
		rps = 5
	}
	burst := p.burst
	if burst <= 0 {
		burst = 10
	}
	l := rate.NewLimiter(rate.Limit(rps), burst)
	p.m[channel] = l
	return l
}
