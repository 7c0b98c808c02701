package kvmux

import (
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// RetryRequest is the view of a request a RetryStrategy gets to see.
type RetryRequest interface {
	RetryAttempts() uint32
	RetryReasons() []RetryReason
	Identifier() string
	Idempotent() bool
}

// RetryStrategy decides whether and when a request is retried.  A
// returned ok of false fails the request with its current error.
type RetryStrategy interface {
	RetryAfter(req RetryRequest, reason RetryReason) (time.Duration, bool)
}

// FailFastRetryStrategy never retries.
type FailFastRetryStrategy struct{}

func NewFailFastRetryStrategy() *FailFastRetryStrategy {
	return &FailFastRetryStrategy{}
}

func (rs *FailFastRetryStrategy) RetryAfter(req RetryRequest, reason RetryReason) (time.Duration, bool) {
	return 0, false
}

// BackoffCalculator returns the delay before the next retry given the
// number of attempts made so far.
type BackoffCalculator func(retryAttempts uint32) time.Duration

// ExponentialBackoff returns a calculator starting at min, growing by
// factor on every attempt and capped at max.
func ExponentialBackoff(min, max time.Duration, factor float64) BackoffCalculator {
	return func(retryAttempts uint32) time.Duration {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = min
		b.MaxInterval = max
		b.Multiplier = factor
		b.RandomizationFactor = 0
		b.MaxElapsedTime = 0
		b.Reset()

		delay := b.NextBackOff()
		for i := uint32(0); i < retryAttempts; i++ {
			delay = b.NextBackOff()
		}
		return delay
	}
}

var controlledBackoffSteps = []time.Duration{
	1 * time.Millisecond,
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	500 * time.Millisecond,
}

// ControlledBackoff is the fixed schedule used for reasons which are
// always retried.
func ControlledBackoff(retryAttempts uint32) time.Duration {
	if int(retryAttempts) < len(controlledBackoffSteps) {
		return controlledBackoffSteps[retryAttempts]
	}
	return 1000 * time.Millisecond
}

// BestEffortRetryStrategy retries every request it is allowed to, waiting
// according to its backoff calculator.
type BestEffortRetryStrategy struct {
	backoffCalculator BackoffCalculator
}

// NewBestEffortRetryStrategy returns a strategy using calculator, or an
// exponential 1ms-500ms backoff when calculator is nil.
func NewBestEffortRetryStrategy(calculator BackoffCalculator) *BestEffortRetryStrategy {
	if calculator == nil {
		calculator = ExponentialBackoff(1*time.Millisecond, 500*time.Millisecond, 2)
	}

	return &BestEffortRetryStrategy{
		backoffCalculator: calculator,
	}
}

func (rs *BestEffortRetryStrategy) RetryAfter(req RetryRequest, reason RetryReason) (time.Duration, bool) {
	if req.Idempotent() || reason.AllowsNonIdempotentRetry() {
		return rs.backoffCalculator(req.RetryAttempts()), true
	}
	return 0, false
}
