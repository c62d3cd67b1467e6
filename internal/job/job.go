// Package job fans one plugin invocation out across many machines.
//
// A Dispatcher validates a Request, builds a single plugin instance and
// runs one worker per target with bounded concurrency. Each worker opens a
// session through the target's backend (retrying transient failures with
// exponential backoff), runs the plugin and reports exactly one outcome.
// Failures are isolated per machine: nothing a single target does aborts
// the others.
package job

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/eugenetaranov/leet/internal/machine"
	"github.com/eugenetaranov/leet/internal/plugin"
)

// Request describes one job.
type Request struct {
	Plugin      plugin.Plugin
	Args        plugin.Args
	Targets     []machine.Descriptor
	Concurrency int

	// Retry overrides the dispatcher's retry policy when set.
	Retry *RetryPolicy
}

// InvalidJobError is returned by Submit when a request cannot run.
// No worker is started.
type InvalidJobError struct {
	Reason string
	Err    error
}

func (e *InvalidJobError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid job: %s: %v", e.Reason, e.Err)
	}
	return "invalid job: " + e.Reason
}

func (e *InvalidJobError) Unwrap() error {
	return e.Err
}

func invalid(format string, args ...any) error {
	return &InvalidJobError{Reason: fmt.Sprintf(format, args...)}
}

// RetryPolicy controls how session establishment is retried.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64

	// MaxAttempts caps connection attempts per target; 0 means unlimited.
	MaxAttempts int

	// Timeout caps the time spent connecting per target; 0 means unlimited.
	Timeout time.Duration
}

// DefaultRetryPolicy retries forever, starting at one second and capping
// the delay at thirty.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Jitter:          0.5,
	}
}

// Validate checks the policy values.
func (p RetryPolicy) Validate() error {
	switch {
	case p.InitialInterval <= 0:
		return fmt.Errorf("initial interval must be positive")
	case p.MaxInterval < p.InitialInterval:
		return fmt.Errorf("max interval must not be below the initial interval")
	case p.Multiplier < 1:
		return fmt.Errorf("multiplier must be at least 1")
	case p.Jitter < 0 || p.Jitter > 1:
		return fmt.Errorf("jitter must be between 0 and 1")
	case p.MaxAttempts < 0:
		return fmt.Errorf("max attempts must not be negative")
	case p.Timeout < 0:
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// backOff builds the schedule for one target.
func (p RetryPolicy) backOff(clock backoff.Clock) backoff.BackOff {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
		MaxElapsedTime:      p.Timeout,
		Stop:                backoff.Stop,
		Clock:               clock,
	}
	exp.Reset()

	switch {
	case p.MaxAttempts == 1:
		return &backoff.StopBackOff{}
	case p.MaxAttempts > 1:
		return backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1))
	}
	return exp
}
