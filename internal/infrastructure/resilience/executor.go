package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

type ErrorClassification struct {
	Retryable     bool
	RecordFailure bool
}

type ErrorClassifier func(err error) ErrorClassification

// Observer is notified about retries and breaker transitions. It is
// implemented by metrics.PipelineMetrics.
type Observer interface {
	RetryScheduled(operation string)
	BreakerStateChanged(operation, state string)
}

type Option func(*Executor)

func WithObserver(o Observer) Option {
	return func(e *Executor) {
		if o != nil {
			e.observer = o
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// Executor runs calls with retry inside a per-operation circuit breaker.
// A nil *Executor runs the call once.
type Executor struct {
	policy   Policy
	observer Observer
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
}

func NewExecutor(policy Policy, opts ...Option) *Executor {
	e := &Executor{
		policy:   policy.normalize(),
		observer: noopObserver{},
		logger:   slog.Default(),
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Execute(ctx context.Context, operation string, fn func(context.Context) error, classifier ErrorClassifier) error {
	if fn == nil {
		return fmt.Errorf("resilience: operation callback is nil")
	}
	if e == nil {
		return fn(ctx)
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	if classifier == nil {
		classifier = Classify
	}

	if !e.policy.Breaker.Enabled {
		return e.retry(ctx, op, fn, classifier)
	}
	_, err := e.breaker(op, classifier).Execute(func() (struct{}, error) {
		return struct{}{}, e.retry(ctx, op, fn, classifier)
	})
	return err
}

// Call is Execute for functions that produce a value.
func Call[T any](ctx context.Context, e *Executor, operation string, fn func(context.Context) (T, error), classifier ErrorClassifier) (T, error) {
	var out T
	err := e.Execute(ctx, operation, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, classifier)
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// State reports the breaker state of an operation ("closed" when the
// operation has not run yet or breakers are disabled).
func (e *Executor) State(operation string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.breakers[operation]; ok {
		return b.State().String()
	}
	return gobreaker.StateClosed.String()
}

func (e *Executor) retry(ctx context.Context, op string, fn func(context.Context) error, classifier ErrorClassifier) error {
	retry := e.policy.Retry
	var err error
	for n := 1; n <= retry.MaxAttempts; n++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}

		err = e.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if n == retry.MaxAttempts || !classifier(err).Retryable {
			return err
		}

		wait := retry.backoff(n)
		e.logger.Warn("retry_attempt",
			"operation", op,
			"attempt", n,
			"max_attempts", retry.MaxAttempts,
			"backoff_ms", wait.Milliseconds(),
			"error", err,
		)
		e.observer.RetryScheduled(op)
		if !sleep(ctx, wait) {
			return err
		}
	}
	return err
}

func (e *Executor) attempt(ctx context.Context, fn func(context.Context) error) error {
	timeout := e.policy.Retry.AttemptTimeout
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

func (e *Executor) breaker(op string, classifier ErrorClassifier) *gobreaker.CircuitBreaker[struct{}] {
	e.mu.Lock()
	defer e.mu.Unlock()

	if b, ok := e.breakers[op]; ok {
		return b
	}
	p := e.policy.Breaker
	b := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        op,
		MaxRequests: p.HalfOpenMaxCalls,
		Timeout:     p.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < p.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= p.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !classifier(err).RecordFailure
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("circuit_breaker_state_change", "operation", name, "from", from.String(), "to", to.String())
			e.observer.BreakerStateChanged(name, to.String())
		},
	})
	e.breakers[op] = b
	return b
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Classify is the default classifier: cancellation and open circuits are
// neither retried nor counted, timeouts are counted, everything else is a
// counted permanent failure.
func Classify(err error) ErrorClassification {
	switch {
	case err == nil:
		return ErrorClassification{}
	case errors.Is(err, context.Canceled), IsCircuitOpen(err):
		return ErrorClassification{}
	default:
		return ErrorClassification{RecordFailure: true}
	}
}

func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

type noopObserver struct{}

func (noopObserver) RetryScheduled(string)              {}
func (noopObserver) BreakerStateChanged(string, string) {}
