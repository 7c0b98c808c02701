package kvmux

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/kvrouting/circuitbreaker"
	"github.com/couchbase/kvrouting/mcbp"
	"github.com/couchbase/kvrouting/pkg/metrics"
	"go.uber.org/zap"
)

// KvClient is a single connection to a node, as used by a pipeline.
type KvClient interface {
	Address() string
	ConnectionID() string
	SupportsFeature(feature mcbp.HelloFeature) bool
	SendRequest(req *QueueRequest) error

	// Closed is closed once the connection has shut down.
	Closed() <-chan struct{}
	Close() error
}

// PostCompleteErrorHandler gets a chance to handle a failed response
// before the request's callback is invoked.  Returning true means the
// request was taken care of (usually by scheduling a retry).
type PostCompleteErrorHandler func(resp *mcbp.Packet, req *QueueRequest, err error) (bool, error)

type MemdClientOptions struct {
	Logger *zap.Logger

	// Conn must already be bootstrapped, NetConn is closed along with it.
	Conn         *mcbp.Conn
	NetConn      net.Conn
	ConnectionID string

	CircuitBreakerConfig circuitbreaker.Config
	CompressionMinSize   int
	CompressionMinRatio  float64
	DisableCompression   bool

	PostErrHandler PostCompleteErrorHandler
}

// MemdClient multiplexes many outstanding requests over one connection,
// matching responses to requests by opaque.
type MemdClient struct {
	logger         *zap.Logger
	metrics        *metrics.KvrMetrics
	conn           *mcbp.Conn
	netConn        net.Conn
	address        string
	localAddress   string
	connectionID   string
	compressor     mcbp.CompressHandler
	compress       bool
	breaker        circuitbreaker.CircuitBreaker
	postErrHandler PostCompleteErrorHandler

	lock          sync.Mutex
	opaqueCounter uint32
	opaqueMap     map[uint32]*QueueRequest
	closed        bool
	closedCh      chan struct{}

	lastActivity atomic.Int64
}

var _ KvClient = (*MemdClient)(nil)

func NewMemdClient(opts *MemdClientOptions) *MemdClient {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &MemdClient{
		logger:       logger,
		metrics:      metrics.GetKvrMetrics(),
		conn:         opts.Conn,
		netConn:      opts.NetConn,
		address:      opts.NetConn.RemoteAddr().String(),
		localAddress: opts.NetConn.LocalAddr().String(),
		connectionID: opts.ConnectionID,
		compressor: mcbp.CompressHandler{
			MinSize:  opts.CompressionMinSize,
			MinRatio: opts.CompressionMinRatio,
		},
		compress:       !opts.DisableCompression && opts.Conn.IsFeatureEnabled(memd.FeatureSnappy),
		postErrHandler: opts.PostErrHandler,
		opaqueMap:      make(map[uint32]*QueueRequest),
		closedCh:       make(chan struct{}),
	}
	breakerConfig := opts.CircuitBreakerConfig
	if breakerConfig.CompletionCallback == nil {
		breakerConfig.CompletionCallback = isBreakerSuccess
	}
	c.breaker = circuitbreaker.New(breakerConfig, c.sendCanary)
	c.lastActivity.Store(time.Now().UnixNano())

	go c.readThread()

	return c
}

func (c *MemdClient) Address() string {
	return c.address
}

func (c *MemdClient) ConnectionID() string {
	return c.connectionID
}

func (c *MemdClient) SupportsFeature(feature mcbp.HelloFeature) bool {
	return c.conn.IsFeatureEnabled(feature)
}

func (c *MemdClient) Closed() <-chan struct{} {
	return c.closedCh
}

func (c *MemdClient) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

// LastActivity is the last time a packet was read from the connection.
func (c *MemdClient) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *MemdClient) SendRequest(req *QueueRequest) error {
	if !c.breaker.AllowsRequest() {
		return ErrCircuitBreakerOpen
	}

	return c.sendRequest(req)
}

func (c *MemdClient) sendRequest(req *QueueRequest) error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return ErrSocketClosed
	}

	c.opaqueCounter++
	req.Opaque = c.opaqueCounter
	c.opaqueMap[req.Opaque] = req
	c.lock.Unlock()

	req.setConnectionInfo(ConnectionInfo{
		DispatchedTo:   c.address,
		DispatchedFrom: c.localAddress,
		ConnectionID:   c.connectionID,
	})

	if !req.waitingIn.CompareAndSwap(nil, c) {
		c.removeRequest(req)
		return ErrRequestAlreadyQueued
	}

	// the request may have been cancelled while we were registering it
	if req.IsCancelled() {
		c.removeRequest(req)
		req.waitingIn.CompareAndSwap(c, nil)
		return ErrRequestCancelled
	}

	pak := req.Packet
	if c.compress {
		pak.Value, pak.Datatype = c.compressor.CompressContent(pak.Value, pak.Datatype)
	}

	c.logger.Debug("writing request",
		zap.String("connectionId", c.connectionID),
		zap.Stringer("packet", mcbp.PacketStringer{Packet: &pak}))

	err := c.conn.WritePacket(&pak)
	if err != nil {
		c.logger.Debug("failed to write request", zap.Error(err))
		c.removeRequest(req)
		req.waitingIn.CompareAndSwap(c, nil)
		return err
	}

	c.metrics.InflightRequests.Add(context.Background(), 1)
	return nil
}

func (c *MemdClient) removeRequest(req *QueueRequest) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.opaqueMap[req.Opaque] != req {
		return false
	}
	delete(c.opaqueMap, req.Opaque)
	return true
}

// cancelRequest drops an in-flight request.  The cancellation counts
// towards the circuit breaker the same way a response would.
func (c *MemdClient) cancelRequest(req *QueueRequest, err error) {
	if c.removeRequest(req) {
		c.metrics.InflightRequests.Add(context.Background(), -1)
		c.markBreaker(err)
	}
	req.waitingIn.CompareAndSwap(c, nil)
}

func (c *MemdClient) markBreaker(err error) {
	if c.breaker.CompletionCallback(err) {
		c.breaker.MarkSuccessful()
	} else {
		c.breaker.MarkFailure()
	}
}

// isBreakerSuccess treats everything except a timed out request as a
// success.
func isBreakerSuccess(err error) bool {
	return !errors.Is(err, ErrTimeout) && circuitbreaker.DefaultCompletionCallback(err)
}

// sendCanary checks the node while the breaker is half open.  Both the
// response and a timeout are counted like those of any other request.
func (c *MemdClient) sendCanary() {
	req := &QueueRequest{
		Packet: mcbp.Packet{
			Magic:   memd.CmdMagicReq,
			Command: memd.CmdNoop,
		},
		RetryStrategy: NewFailFastRetryStrategy(),
		Callback: func(resp *mcbp.Packet, req *QueueRequest, err error) {
			if err != nil {
				c.logger.Debug("circuit breaker canary failed", zap.Error(err))
			}
		},
	}

	c.logger.Debug("sending circuit breaker canary", zap.String("address", c.address))

	err := c.sendRequest(req)
	if err != nil {
		c.breaker.MarkFailure()
		return
	}

	time.AfterFunc(c.breaker.CanaryTimeout(), func() {
		req.Cancel(ErrTimeout)
	})
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed)
}

func (c *MemdClient) readThread() {
	for {
		pak, _, err := c.conn.ReadPacket()
		if err != nil {
			if !isClosedErr(err) {
				c.logger.Warn("unexpected read error", zap.Error(err), zap.String("address", c.address))
			}
			break
		}

		c.lastActivity.Store(time.Now().UnixNano())
		c.resolveRequest(pak)
	}

	c.shutdown()
}

func (c *MemdClient) resolveRequest(pak *mcbp.Packet) {
	c.lock.Lock()
	req := c.opaqueMap[pak.Opaque]
	if req != nil && !req.Persistent {
		delete(c.opaqueMap, pak.Opaque)
	}
	c.lock.Unlock()

	if req == nil {
		// most likely a request which was cancelled after being written
		c.logger.Debug("received response with unknown opaque",
			zap.Stringer("packet", mcbp.PacketStringer{Packet: pak}))
		return
	}

	if !req.Persistent {
		c.metrics.InflightRequests.Add(context.Background(), -1)
		req.waitingIn.CompareAndSwap(c, nil)
	}

	c.logger.Debug("received response",
		zap.String("connectionId", c.connectionID),
		zap.Stringer("packet", mcbp.PacketStringer{Packet: pak}))

	var err error
	if pak.Datatype&uint8(memd.DatatypeFlagCompressed) != 0 {
		pak.Value, pak.Datatype, err = c.compressor.UncompressContent(pak.Value, pak.Datatype)
	}
	if err == nil && pak.Status != memd.StatusSuccess {
		err = makeKeyValueError(statusToError(pak.Status), pak, req)
	}

	c.markBreaker(err)

	if err != nil && c.postErrHandler != nil {
		handled, newErr := c.postErrHandler(pak, req, err)
		if handled {
			return
		}
		err = newErr
	}

	req.tryCallback(pak, err)
}

func (c *MemdClient) shutdown() {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return
	}
	c.closed = true
	inflight := c.opaqueMap
	c.opaqueMap = make(map[uint32]*QueueRequest)
	c.lock.Unlock()

	err := c.netConn.Close()
	if err != nil && !isClosedErr(err) {
		c.logger.Debug("failed to close connection", zap.Error(err))
	}

	for _, req := range inflight {
		c.metrics.InflightRequests.Add(context.Background(), -1)
		req.waitingIn.CompareAndSwap(c, nil)

		failErr := error(makeKeyValueError(ErrSocketClosed, nil, req))
		if c.postErrHandler != nil {
			handled, newErr := c.postErrHandler(nil, req, failErr)
			if handled {
				continue
			}
			failErr = newErr
		}
		req.tryCallback(nil, failErr)
	}

	close(c.closedCh)
}

// Close shuts the connection down, failing every request still waiting for
// a response.
func (c *MemdClient) Close() error {
	c.lock.Lock()
	closed := c.closed
	c.lock.Unlock()
	if closed {
		return nil
	}

	// closing the socket stops the read thread, which performs the shutdown
	err := c.netConn.Close()
	<-c.closedCh

	if err != nil && !isClosedErr(err) {
		return err
	}
	return nil
}
