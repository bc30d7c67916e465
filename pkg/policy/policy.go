// Package policy decides the next action for a conversation's escalation chain.
// Evaluate is a pure function of its inputs so it can be re-run after a crash
// or by any worker and reach the same answer.
package policy

import (
	"time"

	"followup-nudge-engine/pkg/clock"
	"followup-nudge-engine/pkg/constants"
	"followup-nudge-engine/pkg/models"
)

// Decision reasons
const (
	ReasonResolved        = "conversation resolved"
	ReasonSnoozed         = "conversation snoozed"
	ReasonAwaitingUs      = "awaiting our response"
	ReasonNudgeInFlight   = "nudge already scheduled"
	ReasonChainCancelled  = "chain cancelled by operator"
	ReasonDeliveryFailed  = "delivery failed"
	ReasonMaxExhausted    = "max nudges exhausted"
	ReasonWaitingForReply = "waiting for reply"
)

// Config is the read-only escalation configuration.
type Config struct {
	MaxEscalations int                     `yaml:"max_escalations"`
	WaitWindows    []time.Duration         `yaml:"wait_windows"`
	Tones          []models.Tone           `yaml:"tones"`
	Rules          []models.EscalationRule `yaml:"rules"`
	Hours          clock.BusinessHours     `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		MaxEscalations: constants.DefaultMaxEscalations,
		WaitWindows:    []time.Duration{constants.DefaultInitialWait, constants.DefaultFollowUpWait},
		Tones:          []models.Tone{models.ToneWarm, models.ToneProfessional, models.ToneUrgent},
		Hours:          clock.DefaultBusinessHours(),
	}
}

type Policy struct {
	cfg Config
}

func New(cfg Config) *Policy {
	def := DefaultConfig()
	if cfg.MaxEscalations <= 0 {
		cfg.MaxEscalations = def.MaxEscalations
	}
	if len(cfg.WaitWindows) == 0 {
		cfg.WaitWindows = def.WaitWindows
	}
	if len(cfg.Tones) == 0 {
		cfg.Tones = def.Tones
	}
	if cfg.Hours.End <= cfg.Hours.Start {
		cfg.Hours = def.Hours
	}
	return &Policy{cfg: cfg}
}

func (p *Policy) Config() Config {
	return p.cfg
}

// Evaluate returns the next action for conv given every nudge ever created for
// it (any order) and the contact's IANA timezone.
func (p *Policy) Evaluate(conv *models.Conversation, history []*models.Nudge, contactTZ string, now time.Time) models.Decision {
	switch conv.Status {
	case models.ConversationResolved:
		return models.Stop(ReasonResolved)
	case models.ConversationSnoozed:
		if conv.SnoozedUntil.After(now) {
			return models.Wait(conv.SnoozedUntil, ReasonSnoozed)
		}
	}

	if conv.Awaiting == models.AwaitingOurResponse {
		return models.Stop(ReasonAwaitingUs)
	}

	for _, n := range history {
		if !n.Status.Terminal() {
			return models.Wait(n.ScheduledAt, ReasonNudgeInFlight)
		}
	}

	chain := currentChain(conv, history)
	if last := latest(chain); last != nil {
		switch {
		case last.Status == models.NudgeFailed:
			d := models.Escalate(ReasonDeliveryFailed, nil)
			d.Level = last.EscalationLevel
			return d
		case last.Status == models.NudgeCancelled && !systemCancel(last.CancelReason):
			return models.Stop(ReasonChainCancelled)
		}
	}

	level, sent := sentLevel(chain)
	rule := p.matchRule(sent, daysSilent(conv, now))

	if level >= p.cfg.MaxEscalations {
		d := models.Escalate(ReasonMaxExhausted, nil)
		d.Level = level
		if rule != nil {
			d.Notify = append([]string(nil), rule.Notify...)
			d.Rule = rule.Name
		}
		return d
	}

	window := p.windowFor(level)
	if rule != nil && rule.WaitWindow > 0 {
		window = rule.WaitWindow
	}

	loc, _ := clock.LoadLocation(contactTZ)
	due := p.cfg.Hours.Next(conv.LastMessageAt.Add(window), loc)
	if now.Before(due) {
		return models.Wait(due, ReasonWaitingForReply)
	}

	next := level + 1
	tone := p.toneFor(next)
	channel := conv.Channel
	d := models.NudgeAt(next, tone, channel, window)
	if rule != nil {
		if rule.Tone != "" {
			d.Tone = rule.Tone
		}
		if rule.Channel != "" {
			d.Channel = rule.Channel
		}
		d.Rule = rule.Name
	}
	return d
}

// WaitWindow returns the silence required before the nudge following level.
func (p *Policy) WaitWindow(level int) time.Duration {
	return p.windowFor(level)
}

func (p *Policy) windowFor(level int) time.Duration {
	if level >= len(p.cfg.WaitWindows) {
		return p.cfg.WaitWindows[len(p.cfg.WaitWindows)-1]
	}
	if level < 0 {
		level = 0
	}
	return p.cfg.WaitWindows[level]
}

// toneFor returns the tone of a nudge at the given level (1-based).
func (p *Policy) toneFor(level int) models.Tone {
	i := level - 1
	if i >= len(p.cfg.Tones) {
		i = len(p.cfg.Tones) - 1
	}
	if i < 0 {
		i = 0
	}
	return p.cfg.Tones[i]
}

// matchRule returns the first configured rule whose conditions hold.
func (p *Policy) matchRule(sentNudges, silentDays int) *models.EscalationRule {
	for i := range p.cfg.Rules {
		r := &p.cfg.Rules[i]
		if sentNudges >= r.MinNudges && silentDays >= r.MinDaysSilent {
			return r
		}
	}
	return nil
}

// currentChain keeps the nudges created since the chain last restarted.
func currentChain(conv *models.Conversation, history []*models.Nudge) []*models.Nudge {
	chain := make([]*models.Nudge, 0, len(history))
	for _, n := range history {
		if !n.CreatedAt.Before(conv.ChainStartedAt) {
			chain = append(chain, n)
		}
	}
	return chain
}

func latest(chain []*models.Nudge) *models.Nudge {
	var last *models.Nudge
	for _, n := range chain {
		if last == nil || n.CreatedAt.After(last.CreatedAt) ||
			(n.CreatedAt.Equal(last.CreatedAt) && n.ID > last.ID) {
			last = n
		}
	}
	return last
}

// systemCancel reports whether a cancellation came from the engine reacting to
// conversation activity rather than an operator, in which case the chain
// continues. Any other reason, including free text from the cancel endpoint,
// ends it.
func systemCancel(reason string) bool {
	switch reason {
	case constants.ReasonReply, constants.ReasonSuperseded, constants.ReasonSnoozed, constants.ReasonResolved:
		return true
	}
	return false
}

func sentLevel(chain []*models.Nudge) (level, sent int) {
	for _, n := range chain {
		if n.Status != models.NudgeSent {
			continue
		}
		sent++
		if n.EscalationLevel > level {
			level = n.EscalationLevel
		}
	}
	return level, sent
}

func daysSilent(conv *models.Conversation, now time.Time) int {
	since := conv.ChainStartedAt
	if since.IsZero() {
		since = conv.CreatedAt
	}
	if since.IsZero() || now.Before(since) {
		return 0
	}
	return int(now.Sub(since) / (24 * time.Hour))
}
