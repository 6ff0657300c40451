// Package retry runs an operation with bounded exponential backoff, retrying
// only failures that classify as transient.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cuemby/bastion/pkg/dberr"
)

// Policy configures retry behavior with exponential backoff
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts int `yaml:"max_attempts"`

	// InitialBackoff is the wait before the second attempt
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the wait between attempts
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// Multiplier grows the wait after each failed attempt
	Multiplier float64 `yaml:"multiplier"`

	// Jitter is the randomization factor applied to each wait (0-1)
	Jitter float64 `yaml:"jitter"`
}

// DefaultPolicy returns the policy used for reconnects
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    6,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

// Validate checks the policy bounds
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("max_attempts must be at least 1, got %d", p.MaxAttempts)
	case p.InitialBackoff <= 0:
		return errors.New("initial_backoff must be positive")
	case p.MaxBackoff < p.InitialBackoff:
		return errors.New("max_backoff must not be smaller than initial_backoff")
	case p.Multiplier < 1:
		return fmt.Errorf("multiplier must be >= 1, got %v", p.Multiplier)
	case p.Jitter < 0 || p.Jitter >= 1:
		return fmt.Errorf("jitter must be in [0,1), got %v", p.Jitter)
	}
	return nil
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// Notify is called after a failed attempt that will be retried
type Notify func(attempt int, err error, delay time.Duration)

// Do runs fn until it succeeds, returns a non-transient error, the attempt
// budget is spent, or ctx is done. It returns the number of attempts made and
// the last error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, notify Notify) (int, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := fn(ctx, attempt)
		if err == nil {
			return struct{}{}, nil
		}
		if !dberr.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, delay time.Duration) {
			if notify != nil {
				notify(attempt, err, delay)
			}
		}),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	return attempt, err
}
