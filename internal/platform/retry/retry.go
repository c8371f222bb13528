package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

type Action int

const (
	Stop  Action = iota // permanent error, abort immediately
	Retry               // transient error, wait the policy delay
)

// ErrExhausted is wrapped by Do when a bounded policy runs out of attempts.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy is a fixed-delay retry policy. MaxAttempts of zero means unbounded.
type Policy struct {
	Name        string
	MaxAttempts int
	Delay       time.Duration
	OnRetry     func(attempt int, err error, delay time.Duration)
}

// StartupPolicy bounds the attempts made before anything has ever succeeded.
func StartupPolicy(attempts int, delay time.Duration) Policy {
	return Policy{Name: "startup", MaxAttempts: attempts, Delay: delay}
}

// SteadyStatePolicy retries forever at a fixed delay. It is used once a
// connection has been established at least once.
func SteadyStatePolicy(delay time.Duration) Policy {
	return Policy{Name: "steady-state", Delay: delay}
}

func (p Policy) Unbounded() bool {
	return p.MaxAttempts <= 0
}

type Classify func(err error) Action
type Operation[T any] func(attempt int) (T, error)

// AlwaysRetry treats every error as transient.
func AlwaysRetry(error) Action { return Retry }

func Do[T any](ctx context.Context, clock clockwork.Clock, p Policy, classify Classify, op Operation[T]) (T, error) {
	var zero T
	if classify == nil {
		classify = AlwaysRetry
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("context cancelled before attempt %d: %w", attempt, err)
		}

		val, err := op(attempt)
		if err == nil {
			return val, nil
		}

		if classify(err) == Stop {
			return zero, &PermanentError{Err: err}
		}

		if !p.Unbounded() && attempt >= p.MaxAttempts {
			return zero, fmt.Errorf("%w: %s policy failed after %d attempts: %w", ErrExhausted, p.Name, attempt, err)
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err, p.Delay)
		}

		select {
		case <-clock.After(p.Delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}
}

type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }
