package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"followup-nudge-engine/pkg/approval"
	"followup-nudge-engine/pkg/clock"
	"followup-nudge-engine/pkg/models"
	"followup-nudge-engine/pkg/policy"
	"followup-nudge-engine/pkg/retry"
)

// PolicyFile is the on-disk shape of the escalation policy.
//
//	max_escalations: 2
//	wait_windows: [32h, 24h]
//	business_hours:
//	  start: "09:00"
//	  end: "18:00"
//	  days: [mon, tue, wed, thu, fri]
//	guardrails:
//	  min_confidence_to_send: 0.8
type PolicyFile struct {
	MaxEscalations int                     `yaml:"max_escalations"`
	WaitWindows    []time.Duration         `yaml:"wait_windows"`
	Tones          []models.Tone           `yaml:"tones"`
	Rules          []models.EscalationRule `yaml:"rules"`
	BusinessHours  *HoursFile              `yaml:"business_hours"`
	Guardrails     *approval.Guardrails    `yaml:"guardrails"`
	Retry          *retry.Policy           `yaml:"retry"`
}

type HoursFile struct {
	Start string   `yaml:"start"`
	End   string   `yaml:"end"`
	Days  []string `yaml:"days"`
}

// Policy is the resolved configuration handed to the policy, gate and
// dispatcher.
type Policy struct {
	Escalation policy.Config
	Guardrails approval.Guardrails
	Retry      retry.Policy
}

func DefaultPolicy() Policy {
	return Policy{
		Escalation: policy.DefaultConfig(),
		Guardrails: approval.DefaultGuardrails(),
		Retry:      retry.DefaultPolicy(),
	}
}

// LoadPolicy reads path. An empty path yields the defaults.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicy(data)
}

func ParsePolicy(data []byte) (Policy, error) {
	// Sections absent from the file keep their defaults field by field.
	guardrails := approval.DefaultGuardrails()
	retryPolicy := retry.DefaultPolicy()
	file := PolicyFile{Guardrails: &guardrails, Retry: &retryPolicy}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Policy{}, fmt.Errorf("failed to parse policy file: %w", err)
	}

	out := DefaultPolicy()
	if file.MaxEscalations > 0 {
		out.Escalation.MaxEscalations = file.MaxEscalations
	}
	if len(file.WaitWindows) > 0 {
		for i, w := range file.WaitWindows {
			if w <= 0 {
				return Policy{}, fmt.Errorf("wait_windows[%d] must be positive", i)
			}
		}
		out.Escalation.WaitWindows = file.WaitWindows
	}
	if len(file.Tones) > 0 {
		out.Escalation.Tones = file.Tones
	}
	for i, r := range file.Rules {
		if r.Name == "" {
			return Policy{}, fmt.Errorf("rules[%d] has no name", i)
		}
		if r.Channel != "" && !r.Channel.Valid() {
			return Policy{}, fmt.Errorf("rule %q has unknown channel %q", r.Name, r.Channel)
		}
	}
	out.Escalation.Rules = file.Rules

	if file.BusinessHours != nil {
		hours, err := file.BusinessHours.resolve()
		if err != nil {
			return Policy{}, err
		}
		out.Escalation.Hours = hours
	}

	if file.Guardrails != nil {
		g := *file.Guardrails
		if g.MinConfidenceToSend < 0 || g.MinConfidenceToSend > 1 {
			return Policy{}, fmt.Errorf("min_confidence_to_send must be within [0,1]")
		}
		if g.EscalateBelowConfidence < 0 || g.EscalateBelowConfidence > 1 {
			return Policy{}, fmt.Errorf("escalate_below_confidence must be within [0,1]")
		}
		out.Guardrails = g
	}

	if file.Retry != nil {
		r := *file.Retry
		if r.MaxRetries < 0 || r.BaseDelay <= 0 || r.MaxDelay < r.BaseDelay || r.Multiplier < 1 {
			return Policy{}, fmt.Errorf("invalid retry policy")
		}
		out.Retry = r
	}

	return out, nil
}

func (h HoursFile) resolve() (clock.BusinessHours, error) {
	start, err := clock.ParseClock(h.Start)
	if err != nil {
		return clock.BusinessHours{}, err
	}
	end, err := clock.ParseClock(h.End)
	if err != nil {
		return clock.BusinessHours{}, err
	}
	if end <= start {
		return clock.BusinessHours{}, fmt.Errorf("business hours end %q is not after start %q", h.End, h.Start)
	}
	hours := clock.BusinessHours{Start: start, End: end}
	for _, d := range h.Days {
		wd, err := clock.ParseWeekday(d)
		if err != nil {
			return clock.BusinessHours{}, err
		}
		hours.Days = append(hours.Days, wd)
	}
	return hours, nil
}
