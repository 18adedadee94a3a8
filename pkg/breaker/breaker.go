// Package breaker provides a three-state circuit breaker around a named
// dependency. Calls fail fast while the dependency is considered unhealthy.
package breaker

import (
	"context"
	"flag"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrCircuitOpen is returned without invoking the wrapped operation while the
// breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State of the breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

var (
	metricTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentrypipe",
		Name:      "circuit_breaker_transitions_total",
		Help:      "Circuit breaker state transitions by dependency.",
	}, []string{"name", "from", "to"})
	metricState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sentrypipe",
		Name:      "circuit_breaker_state",
		Help:      "Current circuit breaker state (0 closed, 1 open, 2 half-open).",
	}, []string{"name"})
	metricRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentrypipe",
		Name:      "circuit_breaker_rejected_total",
		Help:      "Calls rejected while the breaker was open.",
	}, []string{"name"})
)

// Config tunes one breaker instance.
type Config struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	MinCallsBeforeOpen int           `yaml:"min_calls_before_open"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	RecoveryTimeout    time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxCalls   int           `yaml:"half_open_max_calls"`
}

// RegisterFlagsAndApplyDefaults registers flags and sets defaults.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, _ *flag.FlagSet) {
	cfg.FailureThreshold = 5
	cfg.MinCallsBeforeOpen = 10
	cfg.SuccessThreshold = 2
	cfg.RecoveryTimeout = 60 * time.Second
	cfg.HalfOpenMaxCalls = 3
}

func (cfg *Config) applyDefaults() {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.MinCallsBeforeOpen <= 0 {
		cfg.MinCallsBeforeOpen = 10
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 3
	}
}

// Breaker isolates one named dependency. Shared by reference across all
// callers addressing that dependency; all state is guarded by the internal
// mutex.
type Breaker struct {
	name   string
	cfg    Config
	logger log.Logger

	now func() time.Time // swapped in tests

	mtx              sync.Mutex
	state            State
	totalCalls       int
	consecFailures   int
	consecSuccesses  int
	openedAt         time.Time
	halfOpenInFlight int
}

func New(name string, cfg Config, logger log.Logger) *Breaker {
	cfg.applyDefaults()
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: log.With(logger, "breaker", name),
		now:    time.Now,
		state:  StateClosed,
	}
	metricState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// State returns the current state. An open breaker whose recovery timeout has
// elapsed still reports open; the half-open transition happens on the next
// call.
func (b *Breaker) State() State {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.state
}

// Execute runs fn unless the breaker is open. A context cancellation is
// passed through without being counted as success or failure.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := fn(ctx)
	b.afterCall(ctx, err)
	return err
}

func (b *Breaker) beforeCall() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			metricRejected.WithLabelValues(b.name).Inc()
			return ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.halfOpenInFlight++
		return nil

	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls && b.consecSuccesses == 0 {
			b.transition(StateOpen)
			metricRejected.WithLabelValues(b.name).Inc()
			return ErrCircuitOpen
		}
		b.halfOpenInFlight++
		return nil

	default: // closed
		return nil
	}
}

func (b *Breaker) afterCall(ctx context.Context, err error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}

	// Cooperative shutdown is not a dependency failure.
	if err != nil && ctx.Err() != nil {
		return
	}

	if err != nil {
		b.onFailure()
		return
	}
	b.onSuccess()
}

func (b *Breaker) onFailure() {
	b.totalCalls++
	b.consecFailures++
	b.consecSuccesses = 0

	switch b.state {
	case StateHalfOpen:
		b.transition(StateOpen)
	case StateClosed:
		if b.totalCalls >= b.cfg.MinCallsBeforeOpen && b.consecFailures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	}
}

func (b *Breaker) onSuccess() {
	b.totalCalls++
	b.consecSuccesses++
	b.consecFailures = 0

	if b.state == StateHalfOpen && b.consecSuccesses >= b.cfg.SuccessThreshold {
		b.transition(StateClosed)
	}
}

// transition moves to the target state and resets counters. Callers hold the
// mutex.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	b.totalCalls = 0
	b.consecFailures = 0
	b.consecSuccesses = 0
	b.halfOpenInFlight = 0
	if to == StateOpen {
		b.openedAt = b.now()
	}

	metricTransitions.WithLabelValues(b.name, from.String(), to.String()).Inc()
	metricState.WithLabelValues(b.name).Set(float64(to))
	level.Info(b.logger).Log("msg", "circuit breaker state change", "from", from, "to", to)
}
