package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"chatcall-backend/pkg/logger"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// ErrCircuitOpen is returned while the breaker rejects calls
var ErrCircuitOpen = errors.New("circuit breaker open")

// Options tunes retry and breaking behaviour
type Options struct {
	MaxAttempts      int           // attempts per Execute, including the first
	InitialBackoff   time.Duration // grows linearly with the attempt number
	MaxBackoff       time.Duration
	Timeout          time.Duration // bound for one Execute, all attempts included
	FailureThreshold int           // consecutive failures that open the circuit
	CoolDown         time.Duration // open time before a probe is let through
}

// DefaultOptions returns the settings used for call history writes
func DefaultOptions() Options {
	return Options{
		MaxAttempts:      3,
		InitialBackoff:   100 * time.Millisecond,
		MaxBackoff:       2 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		CoolDown:         10 * time.Second,
	}
}

// Breaker wraps calls to a flaky dependency with retry, timeout and a circuit breaker
type Breaker struct {
	name string
	opts Options
	now  func() time.Time

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
	probing             bool

	metrics *breakerMetrics
}

type breakerMetrics struct {
	requestsTotal *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	state         prometheus.Gauge
}

// NewBreaker creates a breaker named after the dependency it guards. Metrics are
// registered on reg when it is non-nil.
func NewBreaker(name string, opts Options, reg prometheus.Registerer) *Breaker {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = def.InitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = def.FailureThreshold
	}
	if opts.CoolDown <= 0 {
		opts.CoolDown = def.CoolDown
	}

	b := &Breaker{
		name:  name,
		opts:  opts,
		now:   time.Now,
		state: CircuitBreakerClosed,
	}

	if reg != nil {
		labels := prometheus.Labels{"dependency": name}
		b.metrics = &breakerMetrics{
			requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name:        "dependency_requests_total",
				Help:        "Total number of guarded dependency requests",
				ConstLabels: labels,
			}, []string{"operation", "status"}),
			errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name:        "dependency_errors_total",
				Help:        "Total number of guarded dependency errors",
				ConstLabels: labels,
			}, []string{"operation", "error_type"}),
			state: prometheus.NewGauge(prometheus.GaugeOpts{
				Name:        "dependency_circuit_breaker_state",
				Help:        "State of the circuit breaker (0=closed, 1=half_open, 2=open)",
				ConstLabels: labels,
			}),
		}
		reg.MustRegister(b.metrics.requestsTotal, b.metrics.errorsTotal, b.metrics.state)
	}

	return b
}

// Execute runs fn with retry and backoff while the circuit allows it
func (b *Breaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= b.opts.MaxAttempts; attempt++ {
		if !b.allow() {
			b.observe(operation, "circuit_breaker_open")
			logger.Warn("Circuit breaker is OPEN - request blocked",
				zap.String("dependency", b.name),
				zap.String("operation", operation))
			return fmt.Errorf("%s %s: %w", b.name, operation, ErrCircuitOpen)
		}

		if attempt > 1 {
			logger.Warn("Retrying operation",
				zap.String("dependency", b.name),
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
		}

		err := fn(ctx)
		if err == nil {
			b.onSuccess()
			b.observe(operation, "success")
			return nil
		}
		lastErr = err
		b.onFailure(operation)
		b.observe(operation, "failure")
		if b.metrics != nil {
			b.metrics.errorsTotal.WithLabelValues(operation, classifyError(err)).Inc()
		}

		if attempt == b.opts.MaxAttempts {
			break
		}

		backoff := time.Duration(attempt) * b.opts.InitialBackoff
		if backoff > b.opts.MaxBackoff {
			backoff = b.opts.MaxBackoff
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s %s timed out: %w", b.name, operation, errors.Join(ctx.Err(), lastErr))
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("%s %s failed after %d attempts: %w", b.name, operation, b.opts.MaxAttempts, lastErr)
}

// allow reports whether a call may go through. After the cool down one probe is
// let through in half-open state.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitBreakerClosed:
		return true
	case CircuitBreakerOpen:
		if b.now().Sub(b.openedAt) < b.opts.CoolDown {
			return false
		}
		b.setState(CircuitBreakerHalfOpen)
		b.probing = true
		return true
	default:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.probing = false
	if b.state != CircuitBreakerClosed {
		logger.Info("Circuit breaker CLOSED - dependency recovered", zap.String("dependency", b.name))
		b.setState(CircuitBreakerClosed)
	}
}

func (b *Breaker) onFailure(operation string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.probing = false
	if b.state == CircuitBreakerHalfOpen || b.consecutiveFailures >= b.opts.FailureThreshold {
		if b.state != CircuitBreakerOpen {
			logger.Error("Circuit breaker OPEN - too many consecutive failures",
				zap.String("dependency", b.name),
				zap.String("operation", operation),
				zap.Int("consecutive_failures", b.consecutiveFailures))
		}
		b.openedAt = b.now()
		b.setState(CircuitBreakerOpen)
	}
}

// setState updates state and its gauge. Caller holds mu.
func (b *Breaker) setState(s CircuitBreakerState) {
	b.state = s
	if b.metrics == nil {
		return
	}
	switch s {
	case CircuitBreakerClosed:
		b.metrics.state.Set(0)
	case CircuitBreakerHalfOpen:
		b.metrics.state.Set(1)
	case CircuitBreakerOpen:
		b.metrics.state.Set(2)
	}
}

func (b *Breaker) observe(operation, status string) {
	if b.metrics != nil {
		b.metrics.requestsTotal.WithLabelValues(operation, status).Inc()
	}
}

// State returns the current circuit breaker state
func (b *Breaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// classifyError classifies errors for better metrics
func classifyError(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "duplicate key") || strings.Contains(errMsg, "unique constraint"):
		return "conflict"
	case strings.Contains(errMsg, "permission denied") || strings.Contains(errMsg, "access denied"):
		return "permission"
	default:
		return "unknown"
	}
}
