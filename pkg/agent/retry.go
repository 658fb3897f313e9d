package agent

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"siteforge/pkg/logx"
)

// RetryPolicy defines exponential backoff behavior for a single step.
type RetryPolicy struct {
	MaxRetries    int           // Maximum number of retry attempts
	InitialDelay  time.Duration // Delay before the first retry
	MaxDelay      time.Duration // Cap on the delay between retries
	BackoffFactor float64       // Multiplier for exponential backoff
	Jitter        bool          // Randomize delays to prevent thundering herd

	// OnRetry, when set, observes every scheduled retry with the 0-indexed
	// attempt that just failed, the error, and the delay before re-attempt.
	OnRetry func(attempt int, err error, delay time.Duration)

	// rng allows tests to pin jitter. Nil means the shared global source.
	rng *rand.Rand
}

// DefaultRetryPolicy provides reasonable defaults for step retries.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:    3,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Operation is the unit of work a RetryPolicy drives.
type Operation func(ctx context.Context) (*Output, error)

// Execute runs op with bounded retries. Total attempts are at most
// MaxRetries+1. Non-retryable errors propagate immediately without a delay.
func (p *RetryPolicy) Execute(ctx context.Context, logger *logx.Logger, op Operation) (*Output, error) {
	var lastErr error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		output, err := op(ctx)
		if err == nil {
			if attempt > 0 && logger != nil {
				logger.Info("operation recovered after %d failed attempt(s)", attempt)
			}
			return output, nil
		}

		lastErr = err

		if !IsRetryable(err) || attempt == p.MaxRetries {
			break
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		if logger != nil {
			logger.Warn("attempt %d failed, retrying in %v: %v", attempt+1, delay, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, lastErr
}

// Delay computes the backoff before the a-th retry (0-indexed):
// min(InitialDelay * BackoffFactor^a, MaxDelay), optionally scaled by a
// uniform jitter factor in [0.5, 1.0).
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	delay := time.Duration(float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt)))
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}

	if p.Jitter {
		factor := 0.5 + 0.5*p.random()
		delay = time.Duration(float64(delay) * factor)
	}

	return delay
}

func (p *RetryPolicy) random() float64 {
	if p.rng != nil {
		return p.rng.Float64()
	}
	return rand.Float64() //nolint:gosec // Jitter does not need crypto randomness
}

// IsRetryable classifies an error for the retry driver. Typed agent errors
// decide for themselves; transport and timeout failures retry; everything
// else is fatal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr.Retryable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Fallback classification for errors from provider SDKs that surface
	// plain strings.
	errStr := err.Error()
	for _, marker := range []string{"timeout", "connection", "network", "temporary", "rate", "429", "500", "502", "503", "504"} {
		if strings.Contains(errStr, marker) {
			return true
		}
	}

	return false
}
