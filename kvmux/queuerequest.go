package kvmux

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/kvrouting/mcbp"
	"golang.org/x/exp/slices"
)

// Callback is invoked exactly once when a request completes, with either a
// response or an error.  Persistent requests are called back for every
// successful response.
type Callback func(resp *mcbp.Packet, req *QueueRequest, err error)

// ConnectionInfo records where a request was last dispatched.
type ConnectionInfo struct {
	DispatchedTo   string
	DispatchedFrom string
	ConnectionID   string
}

// QueueRequest is a single operation travelling through the multiplexer.
type QueueRequest struct {
	mcbp.Packet

	Callback      Callback
	ReplicaIdx    int
	Persistent    bool
	RetryStrategy RetryStrategy

	// queuedWith is the queue which currently owns this request, claimed
	// and released by compare and swap so a request is never owned by
	// more than one queue.
	queuedWith atomic.Pointer[OperationQueue]

	// waitingIn is the client which has written this request and is
	// waiting for its response.
	waitingIn atomic.Pointer[MemdClient]

	isCompleted  atomic.Bool
	dispatchTime atomic.Int64

	retryLock    sync.Mutex
	retryCount   uint32
	retryReasons []RetryReason

	connInfoLock sync.Mutex
	connInfo     ConnectionInfo
}

func (req *QueueRequest) Idempotent() bool {
	return mcbp.IsIdempotent(req.Command)
}

// Identifier is the opaque of the last dispatch, used in logs.
func (req *QueueRequest) Identifier() string {
	return strconv.FormatUint(uint64(req.Opaque), 10)
}

func (req *QueueRequest) RetryAttempts() uint32 {
	req.retryLock.Lock()
	defer req.retryLock.Unlock()
	return req.retryCount
}

func (req *QueueRequest) RetryReasons() []RetryReason {
	req.retryLock.Lock()
	defer req.retryLock.Unlock()
	return slices.Clone(req.retryReasons)
}

// Retries returns the attempt count and reasons as a consistent pair.
func (req *QueueRequest) Retries() (uint32, []RetryReason) {
	req.retryLock.Lock()
	defer req.retryLock.Unlock()
	return req.retryCount, slices.Clone(req.retryReasons)
}

func (req *QueueRequest) recordRetryAttempt(reason RetryReason) {
	req.retryLock.Lock()
	req.retryCount++
	if !slices.Contains(req.retryReasons, reason) {
		req.retryReasons = append(req.retryReasons, reason)
	}
	req.retryLock.Unlock()
}

// DispatchTime is when the request was first handed to the multiplexer.
func (req *QueueRequest) DispatchTime() time.Time {
	nanos := req.dispatchTime.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

func (req *QueueRequest) markDispatched() {
	req.dispatchTime.CompareAndSwap(0, time.Now().UnixNano())
}

func (req *QueueRequest) ConnectionInfo() ConnectionInfo {
	req.connInfoLock.Lock()
	defer req.connInfoLock.Unlock()
	return req.connInfo
}

func (req *QueueRequest) setConnectionInfo(info ConnectionInfo) {
	req.connInfoLock.Lock()
	req.connInfo = info
	req.connInfoLock.Unlock()
}

// IsCancelled returns whether the request has completed, either by being
// cancelled or by its callback having been invoked.
func (req *QueueRequest) IsCancelled() bool {
	return req.isCompleted.Load()
}

// Cancel stops the request from being dispatched and invokes its callback
// with err.  An already written request is not recalled from the server,
// its response is simply dropped.  Returns false if the request had
// already completed.
func (req *QueueRequest) Cancel(err error) bool {
	if !req.isCompleted.CompareAndSwap(false, true) {
		return false
	}

	if queue := req.queuedWith.Load(); queue != nil {
		queue.Remove(req)
	}
	if client := req.waitingIn.Load(); client != nil {
		client.cancelRequest(req, err)
	}

	if req.Callback != nil {
		req.Callback(nil, req, err)
	}
	return true
}

// tryCallback completes the request.  Returns false if it had already
// completed.
func (req *QueueRequest) tryCallback(resp *mcbp.Packet, err error) bool {
	if req.Persistent && err == nil {
		if req.isCompleted.Load() {
			return false
		}
		if req.Callback != nil {
			req.Callback(resp, req, nil)
		}
		return true
	}

	if !req.isCompleted.CompareAndSwap(false, true) {
		return false
	}

	if req.Callback != nil {
		req.Callback(resp, req, err)
	}
	return true
}
