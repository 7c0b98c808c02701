package kvmux

import (
	"context"
	"fmt"
	"sync"

	"github.com/couchbase/kvrouting/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// OperationConsumer is a handle used to pop from an OperationQueue.
// Closing it wakes up any Pop blocked on its behalf.
type OperationConsumer struct {
	queue    *OperationQueue
	isClosed bool
}

func (c *OperationConsumer) Close() {
	c.queue.closeConsumer(c)
}

// Pop pops from the queue this consumer belongs to.
func (c *OperationConsumer) Pop() *QueueRequest {
	return c.queue.Pop(c)
}

// OperationQueue holds the requests waiting to be written to a node.  A
// closed queue never reopens.
type OperationQueue struct {
	logger  *zap.Logger
	metrics *metrics.KvrMetrics

	lock   sync.Mutex
	signal *sync.Cond
	items  []*QueueRequest
	isOpen bool
}

func NewOperationQueue(logger *zap.Logger) *OperationQueue {
	if logger == nil {
		logger = zap.NewNop()
	}

	q := &OperationQueue{
		logger:  logger,
		metrics: metrics.GetKvrMetrics(),
		isOpen:  true,
	}
	q.signal = sync.NewCond(&q.lock)
	return q
}

func (q *OperationQueue) Consumer() *OperationConsumer {
	return &OperationConsumer{
		queue: q,
	}
}

func (q *OperationQueue) closeConsumer(consumer *OperationConsumer) {
	q.lock.Lock()
	consumer.isClosed = true
	q.signal.Broadcast()
	q.lock.Unlock()
}

func (q *OperationQueue) IsOpen() bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.isOpen
}

func (q *OperationQueue) Items() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items)
}

func (q *OperationQueue) DebugString() string {
	q.lock.Lock()
	defer q.lock.Unlock()
	return fmt.Sprintf("num items: %d, is open: %t", len(q.items), q.isOpen)
}

func (q *OperationQueue) recordPush(result string) {
	q.metrics.QueuePushes.Add(context.Background(), 1, metrics.ResultAttr(result))
}

// Push adds a request to the back of the queue.  A maxItems of 0 means the
// queue is unbounded for this push.
func (q *OperationQueue) Push(req *QueueRequest, maxItems int) error {
	q.lock.Lock()

	if !q.isOpen {
		q.lock.Unlock()
		q.recordPush("closed")
		return ErrOperationQueueClosed
	}

	if maxItems > 0 && len(q.items) >= maxItems {
		q.lock.Unlock()
		q.recordPush("full")
		return ErrOperationQueueFull
	}

	if !req.queuedWith.CompareAndSwap(nil, q) {
		q.lock.Unlock()
		q.recordPush("already_queued")
		return ErrRequestAlreadyQueued
	}

	// the request may have been cancelled before we claimed it
	if req.IsCancelled() {
		req.queuedWith.CompareAndSwap(q, nil)
		q.lock.Unlock()
		q.recordPush("cancelled")
		return ErrRequestCancelled
	}

	q.items = append(q.items, req)
	q.signal.Broadcast()
	q.lock.Unlock()

	q.recordPush("ok")
	return nil
}

// Remove takes a request out of the queue before it is dispatched.
// Returns false when the request is not owned by this queue.
func (q *OperationQueue) Remove(req *QueueRequest) bool {
	q.lock.Lock()
	defer q.lock.Unlock()

	if !q.isOpen {
		return false
	}

	if !req.queuedWith.CompareAndSwap(q, nil) {
		return false
	}

	idx := slices.Index(q.items, req)
	if idx < 0 {
		return false
	}
	q.items = slices.Delete(q.items, idx, idx+1)

	return true
}

// Pop blocks until a request is available and returns it, transferring
// ownership to the caller.  nil is returned once the queue or the
// consumer is closed.
func (q *OperationQueue) Pop(consumer *OperationConsumer) *QueueRequest {
	q.lock.Lock()
	defer q.lock.Unlock()

	for q.isOpen && !consumer.isClosed && len(q.items) == 0 {
		q.signal.Wait()
	}

	if !q.isOpen || consumer.isClosed {
		return nil
	}

	req := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]

	req.queuedWith.CompareAndSwap(q, nil)

	return req
}

// Close stops the queue accepting requests and wakes every consumer.
func (q *OperationQueue) Close() {
	q.lock.Lock()
	q.isOpen = false
	q.signal.Broadcast()
	q.lock.Unlock()
}

func (q *OperationQueue) itemsToDrain() []*QueueRequest {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.isOpen {
		q.logger.Error("attempted to drain an open operation queue, ignoring")
		return nil
	}

	items := q.items
	q.items = nil

	for _, req := range items {
		req.queuedWith.CompareAndSwap(q, nil)
	}

	return items
}

// Drain empties a closed queue, invoking cb for every request which was
// still queued.  cb is invoked without any queue lock held.
func (q *OperationQueue) Drain(cb func(req *QueueRequest)) {
	for _, req := range q.itemsToDrain() {
		cb(req)
	}
}
