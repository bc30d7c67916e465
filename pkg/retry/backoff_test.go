package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"followup-nudge-engine/pkg/errs"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 2*time.Minute, p.BaseDelay)
	assert.Equal(t, time.Hour, p.MaxDelay)
	assert.False(t, p.Jitter)
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 2*time.Minute, p.Backoff(1))
	assert.Equal(t, 4*time.Minute, p.Backoff(2))
	assert.Equal(t, 8*time.Minute, p.Backoff(3))
	assert.Equal(t, time.Hour, p.Backoff(10))
	assert.Equal(t, 2*time.Minute, p.Backoff(0))
}

func TestNext_TransientSequenceExhaustsMaxRetries(t *testing.T) {
	p := DefaultPolicy()
	failure := errs.NewTransient("http_503", errors.New("service unavailable"))

	var delays []time.Duration
	attempts := 0
	for retryCount := 1; ; retryCount++ {
		attempts++
		v := p.Next(failure, retryCount)
		assert.Equal(t, errs.Transient, v.Kind)
		if !v.Retry {
			break
		}
		delays = append(delays, v.Delay)
	}

	assert.Equal(t, p.MaxRetries, attempts)
	require.Len(t, delays, p.MaxRetries-1)
	for i := 1; i < len(delays); i++ {
		assert.Greater(t, delays[i], delays[i-1])
	}
}

func TestNext_PermanentNeverRetries(t *testing.T) {
	v := DefaultPolicy().Next(errs.NewPermanent("invalid_address", nil), 1)
	assert.False(t, v.Retry)
	assert.Equal(t, errs.Permanent, v.Kind)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errs.DeliveryErrorKind
	}{
		{"typed transient", errs.NewTransient("rate_limited", nil), errs.Transient},
		{"typed permanent", errs.NewPermanent("auth_revoked", nil), errs.Permanent},
		{"wrapped typed", fmt.Errorf("send: %w", errs.NewPermanent("content_rejected", nil)), errs.Permanent},
		{"deadline", context.DeadlineExceeded, errs.Transient},
		{"draft unavailable", errs.ErrDraftUnavailable, errs.Transient},
		{"text 502", errors.New("upstream returned 502 Bad Gateway"), errs.Transient},
		{"text refused", errors.New("dial tcp: connection refused"), errs.Transient},
		{"unknown", errors.New("recipient mailbox does not exist"), errs.Permanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestDo_EventualSuccess(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	calls := 0
	res := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errs.ErrDraftUnavailable
		}
		return nil
	}, nil)

	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, res.RetryReasons, 2)
	assert.NoError(t, res.LastError)
}

func TestDo_StopsOnPermanent(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: time.Millisecond, Multiplier: 2}

	calls := 0
	res := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		return errs.NewPermanent("invalid_address", nil)
	}, nil)

	assert.False(t, res.Success)
	assert.Equal(t, 1, calls)
	assert.True(t, errs.IsPermanent(res.LastError))
}

func TestDo_MaxRetries(t *testing.T) {
	p := Policy{MaxRetries: 1, BaseDelay: time.Millisecond, Multiplier: 2}

	calls := 0
	res := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		return errs.ErrDraftUnavailable
	}, nil)

	assert.False(t, res.Success)
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, res.LastError, errs.ErrDraftUnavailable)
}

func TestDo_ContextCancelled(t *testing.T) {
	p := Policy{MaxRetries: 5, BaseDelay: time.Hour, Multiplier: 2}
	ctx, cancel := context.WithCancel(context.Background())

	res := Do(ctx, p, func(ctx context.Context) error {
		cancel()
		return errs.NewTransient("timeout", nil)
	}, nil)

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.LastError, context.Canceled)
	assert.Equal(t, 1, res.Attempts)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(errors.New("Too Many Requests")))
	assert.False(t, IsRetryableError(errors.New("invalid recipient")))
}
