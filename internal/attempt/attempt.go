// Package attempt runs calls to external services under the shared
// retry, backoff and per-attempt timeout policy.
package attempt

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/sessionlens/api/internal/apperr"
)

// Policy bounds one logical call. MaxRetries counts retries after the
// first attempt; delays double from BaseDelay.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Timeout    time.Duration
}

// Outcome of a single attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeFailed    Outcome = "failed"
)

// Attempt describes one finished try, handed to the observer.
type Attempt struct {
	Number   int
	Duration time.Duration
	Outcome  Outcome
	Err      error
	// NextDelay is set when Outcome is OutcomeRetrying.
	NextDelay time.Duration
}

// Report summarizes a finished Do call.
type Report struct {
	Attempts int
	Delays   []time.Duration
}

// Delays returns the backoff schedule the policy produces when every
// attempt fails transiently.
func (p Policy) Delays() []time.Duration {
	b := retry.NewExponential(p.BaseDelay)
	out := make([]time.Duration, 0, p.MaxRetries)
	for i := 0; i < p.MaxRetries; i++ {
		d, _ := b.Next()
		out = append(out, d)
	}
	return out
}

// Budget is the longest a Do call can take: every attempt runs to its
// timeout and every backoff delay is slept.
func (p Policy) Budget() time.Duration {
	total := time.Duration(p.MaxRetries+1) * p.Timeout
	for _, d := range p.Delays() {
		total += d
	}
	return total
}

// Do invokes fn until it succeeds, fails with a non-retryable error, or
// the retry budget is spent. Each invocation gets its own deadline; an
// expired deadline counts as a transient failure. observe may be nil.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, observe func(Attempt)) (Report, error) {
	var report Report
	schedule := p.Delays()

	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		if len(report.Delays) >= len(schedule) {
			return 0, true
		}
		d := schedule[len(report.Delays)]
		report.Delays = append(report.Delays, d)
		return d, false
	})

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		report.Attempts++
		n := report.Attempts

		attemptCtx := ctx
		cancel := func() {}
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		start := time.Now()
		err := fn(attemptCtx)
		cancel()
		elapsed := time.Since(start)

		if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = apperr.Wrap(apperr.KindTransient, "attempt timeout", err)
		}

		a := Attempt{Number: n, Duration: elapsed, Err: err}
		switch {
		case err == nil:
			a.Outcome = OutcomeSucceeded
		case apperr.IsRetryable(err) && n <= len(schedule) && ctx.Err() == nil:
			a.Outcome = OutcomeRetrying
			a.NextDelay = schedule[n-1]
		default:
			a.Outcome = OutcomeFailed
		}
		if observe != nil {
			observe(a)
		}

		if err != nil && apperr.IsRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	return report, err
}
