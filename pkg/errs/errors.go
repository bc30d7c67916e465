// Package errs holds the error taxonomy shared by the scheduling engine.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDraftUnavailable  = errors.New("draft unavailable")
	ErrInvalidSchedule   = errors.New("scheduled time is in the past")
	ErrApprovalRequired  = errors.New("nudge requires human approval")
	ErrClaimed           = errors.New("nudge is claimed by a worker")
)

// ConflictError is returned when a conversation already has a non-terminal nudge.
type ConflictError struct {
	ConversationID string
	ActiveNudgeID  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conversation %s already has active nudge %s", e.ConversationID, e.ActiveNudgeID)
}

// IsConflict reports whether err wraps a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

type DeliveryErrorKind int

const (
	Transient DeliveryErrorKind = iota
	Permanent
)

func (k DeliveryErrorKind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// DeliveryError is a classified failure of the channel send operation.
type DeliveryError struct {
	Kind       DeliveryErrorKind
	Code       string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	msg := e.Code
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s delivery error (HTTP %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s delivery error: %s", e.Kind, msg)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func NewTransient(code string, err error) *DeliveryError {
	return &DeliveryError{Kind: Transient, Code: code, Err: err}
}

func NewPermanent(code string, err error) *DeliveryError {
	return &DeliveryError{Kind: Permanent, Code: code, Err: err}
}

func IsTransient(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Kind == Transient
}

func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Kind == Permanent
}

// GuardrailViolation forces human approval. It is never a hard failure.
type GuardrailViolation struct {
	Rule   string
	Detail string
}

func (e *GuardrailViolation) Error() string {
	if e.Detail == "" {
		return "guardrail violation: " + e.Rule
	}
	return fmt.Sprintf("guardrail violation: %s (%s)", e.Rule, e.Detail)
}
