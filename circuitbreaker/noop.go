package circuitbreaker

import "time"

// Noop is the breaker used when circuit breaking is disabled, it allows
// every request.
type Noop struct{}

var _ CircuitBreaker = (*Noop)(nil)

func NewNoop() *Noop {
	return &Noop{}
}

func (b *Noop) AllowsRequest() bool {
	return true
}

func (b *Noop) MarkSuccessful() {}

func (b *Noop) MarkFailure() {}

func (b *Noop) State() State {
	return StateDisabled
}

func (b *Noop) Reset() {}

func (b *Noop) CanaryTimeout() time.Duration {
	return 0
}

func (b *Noop) CompletionCallback(err error) bool {
	return true
}
