package ratelimit

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

// ErrWaitCancelled is returned when the caller's context fires before enough
// tokens accrue.
var ErrWaitCancelled = errors.New("rate limit wait cancelled")

var metricWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "sentrypipe",
	Name:      "ratelimit_wait_duration_seconds",
	Help:      "Time spent waiting for rate limit tokens, per upstream.",
	Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
}, []string{"upstream"})

// Limiter is a token-bucket gate for outbound calls to one upstream. Tokens
// accrue by elapsed time; there is no background ticker. Waiters are served
// FIFO.
type Limiter struct {
	upstream string
	limiter  *rate.Limiter
	waited   *atomic.Duration
}

// New creates a limiter allowing ratePerSec sustained tokens per second with
// the given burst capacity. The upstream name labels wait metrics.
func New(upstream string, ratePerSec float64, burst int) *Limiter {
	return &Limiter{
		upstream: upstream,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), burst),
		waited:   atomic.NewDuration(0),
	}
}

// Wait blocks until one token is available or ctx fires.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.WaitN(ctx, 1)
}

// WaitN blocks until n tokens are available or ctx fires.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	start := time.Now()
	err := l.limiter.WaitN(ctx, n)
	elapsed := time.Since(start)

	l.waited.Add(elapsed)
	metricWaitDuration.WithLabelValues(l.upstream).Observe(elapsed.Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ErrWaitCancelled, err.Error())
		}
		return err
	}
	return nil
}

// Allow reports whether a token is immediately available and consumes it if so.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// WaitedTotal returns the cumulative time spent blocked on this limiter.
func (l *Limiter) WaitedTotal() time.Duration {
	return l.waited.Load()
}
