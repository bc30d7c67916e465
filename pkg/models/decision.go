package models

import "time"

type DecisionKind string

const (
	DecisionWait     DecisionKind = "wait"
	DecisionNudge    DecisionKind = "nudge"
	DecisionEscalate DecisionKind = "escalate"
	DecisionStop     DecisionKind = "stop"
)

// Decision is the output of the escalation policy. Only the fields relevant to
// Kind are set.
type Decision struct {
	Kind       DecisionKind  `json:"kind"`
	Until      time.Time     `json:"until,omitempty"`
	Level      int           `json:"level,omitempty"`
	Tone       Tone          `json:"tone,omitempty"`
	Channel    Channel       `json:"channel,omitempty"`
	WaitWindow time.Duration `json:"wait_window,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Notify     []string      `json:"notify,omitempty"`
	Rule       string        `json:"rule,omitempty"`
}

func Wait(until time.Time, reason string) Decision {
	return Decision{Kind: DecisionWait, Until: until, Reason: reason}
}

func Stop(reason string) Decision {
	return Decision{Kind: DecisionStop, Reason: reason}
}

func Escalate(reason string, notify []string) Decision {
	return Decision{Kind: DecisionEscalate, Reason: reason, Notify: notify}
}

func NudgeAt(level int, tone Tone, channel Channel, window time.Duration) Decision {
	return Decision{Kind: DecisionNudge, Level: level, Tone: tone, Channel: channel, WaitWindow: window}
}
