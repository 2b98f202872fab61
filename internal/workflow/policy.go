package workflow

import (
	"time"

	"github.com/haasonsaas/memvault/internal/memerr"
)

// RetryPolicy controls how failed activity attempts are retried.
type RetryPolicy struct {
	// InitialInterval is the delay after the first failure.
	InitialInterval time.Duration

	// BackoffCoefficient multiplies the delay after each failure.
	BackoffCoefficient float64

	// MaxInterval caps the delay between attempts.
	MaxInterval time.Duration

	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// NonRetryableKinds lists error kinds that fail immediately. Kinds
	// that memerr marks non-retryable are always terminal.
	NonRetryableKinds []memerr.Kind
}

// DefaultRetryPolicy returns the standard activity retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaxInterval:        60 * time.Second,
		MaxAttempts:        5,
	}
}

// retryable reports whether an error is worth another attempt under
// this policy.
func (p RetryPolicy) retryable(err error) bool {
	if !memerr.Retryable(err) {
		return false
	}
	kind := memerr.KindOf(err)
	for _, k := range p.NonRetryableKinds {
		if kind == k {
			return false
		}
	}
	return true
}

// TimeoutPolicy controls activity and workflow deadlines.
type TimeoutPolicy struct {
	// ScheduleToClose bounds a whole workflow run.
	ScheduleToClose time.Duration

	// StartToClose bounds a single activity attempt.
	StartToClose time.Duration

	// Heartbeat is the maximum silence between heartbeats for
	// activities that report progress. Zero disables monitoring.
	Heartbeat time.Duration
}

// DefaultTimeoutPolicy returns the standard timeout policy.
func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		ScheduleToClose: 5 * time.Minute,
		StartToClose:    30 * time.Second,
		Heartbeat:       2 * time.Second,
	}
}
