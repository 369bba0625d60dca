// Package retry implements the submission retry policy: exponential backoff
// with jitter, per-error retryability, and honoring error-supplied delays.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/alcabala/verifactu/pkg/errs"
)

// Defaults for the policy knobs.
const (
	DefaultMaxRetries        = 3
	DefaultInitialDelay      = 1 * time.Second
	DefaultMaxDelay          = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultJitterFactor      = 0.1
)

// Policy configures the retry loop.
type Policy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterFactor      float64
	// IsRetryable, when set, has the final say over retryability.
	IsRetryable func(error) bool
	// OnRetry is invoked before each re-attempt with the 1-based attempt
	// number just failed, the error, and the upcoming delay.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns the stock policy: 3 retries, 1s initial delay
// doubling to a 30s cap, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        DefaultMaxRetries,
		InitialDelay:      DefaultInitialDelay,
		MaxDelay:          DefaultMaxDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
		JitterFactor:      DefaultJitterFactor,
	}
}

// sanitized clamps every knob to its sensible domain.
func (p Policy) sanitized() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 1
	}
	if p.JitterFactor < 0 {
		p.JitterFactor = 0
	}
	if p.JitterFactor > 1 {
		p.JitterFactor = 1
	}
	return p
}

// Retryable applies the default retryability table: transient network
// failures and transport deadlines retry; TLS failures, queue saturation,
// SOAP faults, validation and authority-level errors do not. An explicit
// hint on the error wins over the table.
func Retryable(err error) bool {
	if hint := errs.HintOf(err); hint != nil {
		return hint.Retryable
	}
	switch errs.KindOf(err) {
	case errs.KindNetwork:
		return errs.CodeOf(err) != errs.CodeTLSHandshake
	case errs.KindTimeout:
		return errs.CodeOf(err) != errs.CodeQueueTimeout
	}
	return false
}

// Delay computes the backoff before re-attempt number attempt (0-based).
// An error-supplied suggested delay replaces the computed one.
func (p Policy) Delay(attempt int, err error) time.Duration {
	if hint := errs.HintOf(err); hint != nil && hint.SuggestedDelay > 0 {
		return hint.SuggestedDelay
	}
	base := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	jitter := (rand.Float64()*2 - 1) * p.JitterFactor * base
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// retryable resolves the decision order: error hint, default table, caller
// override last.
func (p Policy) retryable(err error) bool {
	if p.IsRetryable != nil {
		return p.IsRetryable(err)
	}
	return Retryable(err)
}

// Do runs op until it succeeds, exhausts MaxRetries, or hits a
// non-retryable error. A persistently failing retryable op is attempted
// exactly MaxRetries+1 times. The backoff sleep aborts on ctx cancellation.
func Do(ctx context.Context, p Policy, op func(context.Context) error) error {
	p = p.sanitized()
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if attempt >= p.MaxRetries || !p.retryable(err) {
			return err
		}
		delay := p.Delay(attempt, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
