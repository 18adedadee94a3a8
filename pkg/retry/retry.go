// Package retry runs operations under a bounded, jittered exponential backoff
// policy. Retryability is decided by a caller-supplied predicate; the helper
// never inspects error content itself.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy bounds a retried operation.
type Policy struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Factor       float64       `yaml:"factor"`
}

// DefaultPolicy mirrors the defaults used across outbound call sites.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2.0,
	}
}

func (p *Policy) applyDefaults() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Factor <= 0 {
		p.Factor = 2.0
	}
}

// Delay returns the base delay before the given attempt (2-based; attempt 1
// never sleeps): min(MaxDelay, InitialDelay × Factor^(attempt-2)).
func (p Policy) Delay(attempt int) time.Duration {
	p.applyDefaults()
	d := float64(p.InitialDelay)
	for i := 2; i < attempt; i++ {
		d *= p.Factor
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Result reports how a retried operation concluded.
type Result struct {
	Attempts int
	Err      error
}

// IsRetryable classifies an error. Returning false stops the loop and
// surfaces the error immediately.
type IsRetryable func(error) bool

// Always treats every error as retryable.
func Always(error) bool { return true }

// Do invokes fn up to p.MaxAttempts times, sleeping the jittered policy delay
// between attempts. Jitter is uniform in [0.5, 1.5]× the base delay. The
// returned Result carries the attempt count and the most recent error (nil on
// success). Context cancellation aborts the sleep and returns ctx.Err().
func Do(ctx context.Context, p Policy, retryable IsRetryable, fn func(ctx context.Context) error) Result {
	p.applyDefaults()
	if retryable == nil {
		retryable = Always
	}

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			if sleepErr := sleep(ctx, jitter(p.Delay(attempt))); sleepErr != nil {
				return Result{Attempts: attempt - 1, Err: sleepErr}
			}
		}

		err = fn(ctx)
		if err == nil {
			return Result{Attempts: attempt}
		}
		if ctx.Err() != nil {
			return Result{Attempts: attempt, Err: err}
		}
		if !retryable(err) {
			return Result{Attempts: attempt, Err: err}
		}
	}

	return Result{Attempts: p.MaxAttempts, Err: err}
}

func jitter(d time.Duration) time.Duration {
	return time.Duration((0.5 + rand.Float64()) * float64(d))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
