// Package retry classifies delivery failures and computes backoff for
// re-attempts, both across ticks (re-queued nudges) and in-process (Do).
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"followup-nudge-engine/pkg/constants"
	"followup-nudge-engine/pkg/errs"
)

// Policy configures retry behavior with exponential backoff
type Policy struct {
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay" yaml:"max_delay"`
	Multiplier float64       `json:"multiplier" yaml:"multiplier"`
	Jitter     bool          `json:"jitter" yaml:"jitter"`
	LogRetries bool          `json:"log_retries" yaml:"log_retries"`
}

// DefaultPolicy is used for re-queuing failed sends: 2m, 4m, 8m ... capped at 1h.
// Jitter is off so consecutive delays are strictly increasing until the cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: constants.DefaultMaxRetries,
		BaseDelay:  constants.DefaultRetryBaseDelay,
		MaxDelay:   constants.DefaultRetryMaxDelay,
		Multiplier: 2.0,
		Jitter:     false,
		LogRetries: true,
	}
}

// DraftPolicy retries draft generation once after a short pause.
func DraftPolicy() Policy {
	return Policy{
		MaxRetries: 1,
		BaseDelay:  250 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
		Jitter:     true,
		LogRetries: true,
	}
}

// Backoff returns the delay before the attempt following the retryCount-th failure.
func (p Policy) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	return calculateDelay(p, retryCount-1)
}

// Verdict is the Retry Manager's decision for a failed send.
type Verdict struct {
	Kind  errs.DeliveryErrorKind
	Retry bool
	Delay time.Duration
}

// Next decides what happens after a send failed with err, given the nudge's
// retry count after this failure has been counted.
func (p Policy) Next(err error, retryCount int) Verdict {
	kind := Classify(err)
	if kind == errs.Permanent {
		return Verdict{Kind: kind}
	}
	if retryCount >= p.MaxRetries {
		return Verdict{Kind: kind}
	}
	return Verdict{Kind: kind, Retry: true, Delay: p.Backoff(retryCount)}
}

// Classify maps a send failure onto the transient/permanent taxonomy. Typed
// delivery errors keep their kind; timeouts are transient; anything else is
// judged by its text.
func Classify(err error) errs.DeliveryErrorKind {
	var de *errs.DeliveryError
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Transient
	}
	if errors.Is(err, errs.ErrDraftUnavailable) || IsRetryableError(err) {
		return errs.Transient
	}
	return errs.Permanent
}

// Result contains information about an in-process retry run
type Result struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
	Success       bool
	RetryReasons  []string
}

// Do runs operation until it succeeds, returns a permanent error, or the
// policy's retries are used up. Each attempt gets the caller's context.
func Do(ctx context.Context, p Policy, operation func(ctx context.Context) error, logger *logrus.Entry) Result {
	startTime := time.Now()
	result := Result{RetryReasons: make([]string, 0)}

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		result.Attempts = attempt + 1

		err := operation(ctx)
		if err == nil {
			result.Success = true
			result.LastError = nil
			result.TotalDuration = time.Since(startTime)
			if p.LogRetries && logger != nil && attempt > 0 {
				logger.WithField("attempts", result.Attempts).Info("Operation succeeded after retry")
			}
			return result
		}

		result.LastError = err
		result.RetryReasons = append(result.RetryReasons, err.Error())

		if Classify(err) == errs.Permanent || attempt >= p.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			break
		}

		delay := calculateDelay(p, attempt)
		if p.LogRetries && logger != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"attempt": attempt + 1,
				"delay":   delay,
			}).Warn("Operation failed, retrying")
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(startTime)
			return result
		case <-timer.C:
		}
	}

	result.TotalDuration = time.Since(startTime)
	if p.LogRetries && logger != nil {
		logger.WithError(result.LastError).WithField("attempts", result.Attempts).Warn("Operation failed")
	}
	return result
}

// calculateDelay: baseDelay * multiplier^attempt, capped at MaxDelay
func calculateDelay(p Policy, attempt int) time.Duration {
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	delay := float64(p.BaseDelay) * math.Pow(multiplier, float64(attempt))

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter {
		// up to 10% either way
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(p.BaseDelay)
		}
	}

	return time.Duration(delay)
}

// IsRetryableError determines if an untyped error looks transient
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"connection timeout",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"rate limit",
		"429",
		"500",
		"502",
		"503",
		"504",
		"no such host",
		"network unreachable",
		"broken pipe",
		"eof",
		"context deadline exceeded",
	}

	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}
	return false
}
