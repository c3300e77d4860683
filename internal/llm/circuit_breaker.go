package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker rejects a call to
	// protect a failing collaborator.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTimeout is returned when a collaborator call exceeds its deadline.
	// It is a regular failure, not a cancellation signal.
	ErrTimeout = errors.New("collaborator call timed out")
)

// GuardConfig holds the configuration for a Guard.
type GuardConfig struct {
	// Name labels the breaker in logs.
	Name string

	// Timeout bounds each call. Default: 20 seconds.
	Timeout time.Duration

	// MaxFailures is the number of consecutive failures required to trip the circuit.
	// Default: 3
	MaxFailures uint32

	// BreakerTimeout is the duration the circuit stays open before half-open.
	// Default: 30 seconds
	BreakerTimeout time.Duration

	// HalfOpenMaxSuccesses is the number of calls allowed in half-open state.
	// Default: 2
	HalfOpenMaxSuccesses uint32

	// RequestsPerSec limits call rate; zero disables limiting.
	RequestsPerSec float64

	// Burst is the limiter burst size. Default: 1
	Burst int
}

// GuardMetrics holds counters about guarded calls.
type GuardMetrics struct {
	TotalRequests  uint64
	TotalSuccesses uint64
	TotalFailures  uint64
	TotalTimeouts  uint64
	Rejected       uint64
	State          string
}

// Guard wraps collaborator calls with a timeout, a gobreaker circuit breaker
// and an optional token-bucket rate limiter.
//
// When closed (normal operation), calls pass through. After MaxFailures
// consecutive failures the circuit opens and rejects calls with
// ErrCircuitOpen. After BreakerTimeout it half-opens and lets test calls in.
type Guard struct {
	config  GuardConfig
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *slog.Logger

	mu      sync.Mutex
	metrics GuardMetrics
}

// NewGuard creates a Guard, filling defaults for zero fields.
func NewGuard(config GuardConfig, logger *slog.Logger) *Guard {
	if config.Name == "" {
		config.Name = "collaborator"
	}
	if config.Timeout <= 0 {
		config.Timeout = 20 * time.Second
	}
	if config.MaxFailures == 0 {
		config.MaxFailures = 3
	}
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = 30 * time.Second
	}
	if config.HalfOpenMaxSuccesses == 0 {
		config.HalfOpenMaxSuccesses = 2
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	g := &Guard{config: config, logger: logger.With("guard", config.Name)}
	if config.RequestsPerSec > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSec), config.Burst)
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.HalfOpenMaxSuccesses,
		Interval:    0, // Don't clear counts periodically
		Timeout:     config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			g.logger.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return g
}

// Call runs fn through g. The call gets its own deadline derived from ctx;
// expiry yields ErrTimeout. An open circuit yields ErrCircuitOpen.
func Call[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			g.record(err)
			return zero, fmt.Errorf("%s: rate limiter: %w", g.config.Name, err)
		}
	}

	result, err := g.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.config.Timeout)
		defer cancel()

		type outcome struct {
			val T
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			v, err := fn(callCtx)
			done <- outcome{v, err}
		}()

		select {
		case out := <-done:
			if out.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, fmt.Errorf("%w after %v", ErrTimeout, g.config.Timeout)
			}
			return out.val, out.err
		case <-callCtx.Done():
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %v", ErrTimeout, g.config.Timeout)
			}
			return nil, callCtx.Err()
		}
	})

	g.record(err)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%s: %w", g.config.Name, ErrCircuitOpen)
		}
		return zero, err
	}
	v, _ := result.(T)
	return v, nil
}

// State returns the breaker state: "closed", "open" or "half-open".
func (g *Guard) State() string {
	switch g.breaker.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Metrics returns a snapshot of the guard counters.
func (g *Guard) Metrics() GuardMetrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	m := g.metrics
	m.State = g.State()
	return m
}

func (g *Guard) record(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.metrics.TotalRequests++
	switch {
	case err == nil:
		g.metrics.TotalSuccesses++
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		g.metrics.Rejected++
	case errors.Is(err, ErrTimeout):
		g.metrics.TotalTimeouts++
		g.metrics.TotalFailures++
	default:
		g.metrics.TotalFailures++
	}
}
