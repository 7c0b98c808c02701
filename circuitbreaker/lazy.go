/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package circuitbreaker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/couchbase/kvrouting/pkg/metrics"
	"go.uber.org/zap"
)

// Lazy is a circuit breaker which only evaluates its state when a request
// is attempted or completes, there is no background timer.
//
// Once the circuit opens, the first AllowsRequest call after the sleep
// window moves it to half-open and sends a single canary.  The canary's
// result (reported through MarkSuccessful or MarkFailure) closes or
// reopens the circuit.
type Lazy struct {
	logger  *zap.Logger
	metrics *metrics.KvrMetrics

	sleepWindow              time.Duration
	rollingWindow            time.Duration
	volumeThreshold          int64
	errorPercentageThreshold float64
	canaryTimeout            time.Duration
	completionCallback       CompletionCallback
	sendCanary               func()

	state       atomic.Uint32
	total       atomic.Int64
	failed      atomic.Int64
	openedAt    atomic.Int64
	windowStart atomic.Int64

	now func() time.Time
}

var _ CircuitBreaker = (*Lazy)(nil)

func NewLazy(cfg Config, sendCanary func()) *Lazy {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.VolumeThreshold <= 0 {
		cfg.VolumeThreshold = DefaultVolumeThreshold
	}
	if cfg.ErrorThresholdPercentage <= 0 {
		cfg.ErrorThresholdPercentage = DefaultErrorThresholdPercentage
	}
	if cfg.SleepWindow <= 0 {
		cfg.SleepWindow = DefaultSleepWindow
	}
	if cfg.RollingWindow <= 0 {
		cfg.RollingWindow = DefaultRollingWindow
	}
	if cfg.CanaryTimeout <= 0 {
		cfg.CanaryTimeout = DefaultCanaryTimeout
	}
	if cfg.CompletionCallback == nil {
		cfg.CompletionCallback = DefaultCompletionCallback
	}
	if sendCanary == nil {
		sendCanary = func() {}
	}

	b := &Lazy{
		logger:                   logger,
		metrics:                  metrics.GetKvrMetrics(),
		sleepWindow:              cfg.SleepWindow,
		rollingWindow:            cfg.RollingWindow,
		volumeThreshold:          cfg.VolumeThreshold,
		errorPercentageThreshold: cfg.ErrorThresholdPercentage,
		canaryTimeout:            cfg.CanaryTimeout,
		completionCallback:       cfg.CompletionCallback,
		sendCanary:               sendCanary,
		now:                      time.Now,
	}
	b.Reset()

	return b
}

func (b *Lazy) nowNanos() int64 {
	return b.now().UnixNano()
}

func (b *Lazy) recordTransition(state State) {
	b.metrics.BreakerTransitions.Add(context.Background(), 1, metrics.StateAttr(state.String()))
}

func (b *Lazy) Reset() {
	b.state.Store(uint32(StateClosed))
	b.total.Store(0)
	b.failed.Store(0)
	b.openedAt.Store(0)
	b.windowStart.Store(b.nowNanos())
}

func (b *Lazy) State() State {
	return State(b.state.Load())
}

func (b *Lazy) CanaryTimeout() time.Duration {
	return b.canaryTimeout
}

func (b *Lazy) CompletionCallback(err error) bool {
	return b.completionCallback(err)
}

// AllowsRequest returns whether a request may be dispatched.  An open
// circuit never allows requests, the canary is sent out of band.
func (b *Lazy) AllowsRequest() bool {
	if b.State() == StateClosed {
		return true
	}

	elapsed := b.nowNanos() > b.openedAt.Load()+int64(b.sleepWindow)
	if elapsed && b.state.CompareAndSwap(uint32(StateOpen), uint32(StateHalfOpen)) {
		b.logger.Debug("sleep window elapsed, sending canary")
		b.recordTransition(StateHalfOpen)
		b.sendCanary()
	}

	return false
}

func (b *Lazy) MarkSuccessful() {
	if b.state.CompareAndSwap(uint32(StateHalfOpen), uint32(StateClosed)) {
		b.logger.Debug("moving circuit breaker to closed")
		b.Reset()
		b.recordTransition(StateClosed)
		return
	}

	b.maybeResetRollingWindow()
	b.total.Add(1)
}

func (b *Lazy) MarkFailure() {
	if b.state.CompareAndSwap(uint32(StateHalfOpen), uint32(StateOpen)) {
		b.logger.Debug("moving circuit breaker from half open to open")
		b.openedAt.Store(b.nowNanos())
		b.recordTransition(StateOpen)
		return
	}

	b.maybeResetRollingWindow()
	b.total.Add(1)
	b.failed.Add(1)
	b.maybeOpenCircuit()
}

func (b *Lazy) maybeOpenCircuit() {
	total := b.total.Load()
	if total < b.volumeThreshold {
		return
	}

	percentage := float64(b.failed.Load()) / float64(total) * 100
	if percentage < b.errorPercentageThreshold {
		return
	}

	if b.state.CompareAndSwap(uint32(StateClosed), uint32(StateOpen)) {
		b.openedAt.Store(b.nowNanos())
		b.logger.Debug("moving circuit breaker to open",
			zap.Int64("total", total),
			zap.Float64("errorPercentage", percentage))
		b.recordTransition(StateOpen)
	}
}

func (b *Lazy) maybeResetRollingWindow() {
	now := b.nowNanos()
	windowStart := b.windowStart.Load()
	if now-windowStart < int64(b.rollingWindow) {
		return
	}

	if !b.windowStart.CompareAndSwap(windowStart, now) {
		// someone else already rolled the window
		return
	}
	b.total.Store(0)
	b.failed.Store(0)
}
