package kvmux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/kvrouting/pkg/metrics"
	"go.uber.org/zap"
)

// pipelineClient keeps one connection of a pipeline alive, reconnecting
// when it drops, and writes requests popped from the pipeline's queue.
type pipelineClient struct {
	logger  *zap.Logger
	metrics *metrics.KvrMetrics

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}

	lock     sync.Mutex
	parent   *Pipeline
	client   KvClient
	consumer *OperationConsumer
	isClosed bool
}

func newPipelineClient(parent *Pipeline) *pipelineClient {
	ctx, cancel := context.WithCancel(context.Background())

	return &pipelineClient{
		logger:  parent.logger.Named("pipeline-client"),
		metrics: metrics.GetKvrMetrics(),
		ctx:     ctx,
		cancel:  cancel,
		doneCh:  make(chan struct{}),
		parent:  parent,
	}
}

func (pc *pipelineClient) start() {
	go pc.run()
}

func (pc *pipelineClient) currentParent() *Pipeline {
	pc.lock.Lock()
	defer pc.lock.Unlock()
	return pc.parent
}

func (pc *pipelineClient) closed() bool {
	pc.lock.Lock()
	defer pc.lock.Unlock()
	return pc.isClosed
}

func (pc *pipelineClient) run() {
	defer close(pc.doneCh)

	reconnectBackoff := backoff.NewExponentialBackOff()
	reconnectBackoff.InitialInterval = 50 * time.Millisecond
	reconnectBackoff.MaxInterval = 10 * time.Second
	reconnectBackoff.MaxElapsedTime = 0

	for !pc.closed() {
		parent := pc.currentParent()

		client, err := parent.dialer.Dial(pc.ctx, parent.address, parent.postErrHandler)
		if err != nil {
			wait := reconnectBackoff.NextBackOff()
			pc.logger.Debug("failed to connect, retrying",
				zap.String("address", parent.address),
				zap.Duration("wait", wait),
				zap.Error(err))

			select {
			case <-time.After(wait):
			case <-pc.ctx.Done():
				return
			}

			pc.metrics.PipelineReconnects.Add(pc.ctx, 1)
			continue
		}

		reconnectBackoff.Reset()
		pc.ioLoop(client)
	}
}

func (pc *pipelineClient) ioLoop(client KvClient) {
	pc.lock.Lock()
	if pc.isClosed {
		pc.lock.Unlock()
		_ = client.Close()
		return
	}
	pc.client = client
	pc.consumer = pc.parent.queue.Consumer()
	pc.lock.Unlock()

	stopWatchCh := make(chan struct{})
	go func() {
		select {
		case <-client.Closed():
			pc.lock.Lock()
			consumer := pc.consumer
			pc.lock.Unlock()
			if consumer != nil {
				consumer.Close()
			}
		case <-stopWatchCh:
		}
	}()

	for {
		pc.lock.Lock()
		consumer := pc.consumer
		parent := pc.parent
		pc.lock.Unlock()

		if isChannelClosed(client.Closed()) {
			break
		}

		req := consumer.Pop()
		if req == nil {
			pc.lock.Lock()
			reassigned := !pc.isClosed && pc.consumer != consumer
			pc.lock.Unlock()

			if reassigned {
				continue
			}
			break
		}

		err := client.SendRequest(req)
		if err != nil {
			if errors.Is(err, ErrCircuitBreakerOpen) {
				parent.onSendFailure(req, RetryReasonCircuitBreakerOpen, err)
				continue
			}

			if errors.Is(err, ErrRequestCancelled) || errors.Is(err, ErrRequestAlreadyQueued) {
				continue
			}

			pc.logger.Debug("failed to write request, reconnecting",
				zap.String("address", parent.address),
				zap.Error(err))
			parent.onSendFailure(req, RetryReasonSocketNotAvailable, err)
			break
		}
	}

	close(stopWatchCh)
	_ = client.Close()

	pc.lock.Lock()
	pc.client = nil
	pc.consumer = nil
	pc.lock.Unlock()
}

func isChannelClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// ReassignTo moves the client onto a new pipeline.  The connection is kept,
// only the queue it consumes from changes.
func (pc *pipelineClient) ReassignTo(parent *Pipeline) {
	pc.lock.Lock()
	pc.parent = parent
	oldConsumer := pc.consumer
	if pc.client != nil {
		pc.consumer = parent.queue.Consumer()
	}
	pc.lock.Unlock()

	if oldConsumer != nil {
		oldConsumer.Close()
	}
}

// Close stops the client.  It does not wait for the connection to finish
// shutting down.
func (pc *pipelineClient) Close() {
	pc.lock.Lock()
	if pc.isClosed {
		pc.lock.Unlock()
		return
	}
	pc.isClosed = true
	client := pc.client
	consumer := pc.consumer
	pc.lock.Unlock()

	pc.cancel()

	if consumer != nil {
		consumer.Close()
	}
	if client != nil {
		go func() {
			_ = client.Close()
		}()
	}
}

func (pc *pipelineClient) DebugString() string {
	pc.lock.Lock()
	defer pc.lock.Unlock()

	if pc.client == nil {
		return fmt.Sprintf("connecting, closed: %t", pc.isClosed)
	}
	return fmt.Sprintf("connected, connection id: %s, closed: %t", pc.client.ConnectionID(), pc.isClosed)
}
