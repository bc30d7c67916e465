package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeliveryErrorClassification(t *testing.T) {
	transient := fmt.Errorf("send: %w", NewTransient("rate_limited", errors.New("429")))
	permanent := fmt.Errorf("send: %w", NewPermanent("invalid_address", nil))

	assert.True(t, IsTransient(transient))
	assert.False(t, IsPermanent(transient))
	assert.True(t, IsPermanent(permanent))
	assert.False(t, IsTransient(permanent))
	assert.False(t, IsTransient(errors.New("plain")))
}

func TestConflictErrorWrapping(t *testing.T) {
	err := fmt.Errorf("schedule: %w", &ConflictError{ConversationID: "c1", ActiveNudgeID: "n1"})
	assert.True(t, IsConflict(err))
	assert.Contains(t, err.Error(), "n1")
}

func TestDeliveryErrorMessage(t *testing.T) {
	err := &DeliveryError{Kind: Permanent, Code: "content_rejected", StatusCode: 400}
	assert.Equal(t, "permanent delivery error (HTTP 400): content_rejected", err.Error())
}
