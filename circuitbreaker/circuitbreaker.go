package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

type State uint32

const (
	StateDisabled State = iota
	StateClosed
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	}
	return fmt.Sprintf("unknown(%d)", uint32(s))
}

// CompletionCallback decides whether the result of a request counts as a
// success for the circuit breaker.
type CompletionCallback func(err error) bool

// DefaultCompletionCallback treats everything except a timeout as success,
// a node which answers with an error is still a healthy node.
func DefaultCompletionCallback(err error) bool {
	return !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, os.ErrDeadlineExceeded)
}

// CircuitBreaker gates dispatch to a single connection.
type CircuitBreaker interface {
	AllowsRequest() bool
	MarkSuccessful()
	MarkFailure()
	State() State
	Reset()
	CanaryTimeout() time.Duration
	CompletionCallback(err error) bool
}

type Config struct {
	Logger *zap.Logger

	// Enabled selects a lazy breaker, otherwise a noop breaker is used.
	Enabled bool

	// VolumeThreshold is the minimum number of requests in the rolling
	// window before the error percentage is considered.
	VolumeThreshold int64

	ErrorThresholdPercentage float64

	// SleepWindow is how long the circuit stays open before a canary is
	// sent.
	SleepWindow time.Duration

	RollingWindow time.Duration
	CanaryTimeout time.Duration

	CompletionCallback CompletionCallback
}

const (
	DefaultVolumeThreshold          = 20
	DefaultErrorThresholdPercentage = 50
	DefaultSleepWindow              = 5 * time.Second
	DefaultRollingWindow            = 1 * time.Minute
	DefaultCanaryTimeout            = 5 * time.Second
)

// New returns a lazy breaker when the config is enabled and a noop breaker
// otherwise.
func New(cfg Config, sendCanary func()) CircuitBreaker {
	if !cfg.Enabled {
		return NewNoop()
	}
	return NewLazy(cfg, sendCanary)
}
