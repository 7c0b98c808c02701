package kvmux

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// SendFailureHandler is invoked when a request popped from a pipeline's
// queue could not be written to a connection.
type SendFailureHandler func(req *QueueRequest, reason RetryReason, err error)

type PipelineOptions struct {
	Logger     *zap.Logger
	Address    string
	IsSeedNode bool
	MaxClients int
	MaxItems   int

	Dialer         Dialer
	PostErrHandler PostCompleteErrorHandler
	OnSendFailure  SendFailureHandler
}

// Pipeline is the queue of requests for a single node, plus the pool of
// connections writing them.
type Pipeline struct {
	logger     *zap.Logger
	address    string
	isSeedNode bool
	maxClients int
	maxItems   int
	queue      *OperationQueue

	dialer         Dialer
	postErrHandler PostCompleteErrorHandler
	onSendFailure  SendFailureHandler

	clientsLock sync.Mutex
	clients     []*pipelineClient
}

func NewPipeline(opts *PipelineOptions) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("address", opts.Address))

	return &Pipeline{
		logger:         logger,
		address:        opts.Address,
		isSeedNode:     opts.IsSeedNode,
		maxClients:     opts.MaxClients,
		maxItems:       opts.MaxItems,
		queue:          NewOperationQueue(logger),
		dialer:         opts.Dialer,
		postErrHandler: opts.PostErrHandler,
		onSendFailure:  opts.OnSendFailure,
	}
}

// NewDeadPipeline returns a pipeline with no address and no clients.
// Requests routed to it wait in its queue until the next config moves them
// somewhere useful.
func NewDeadPipeline(logger *zap.Logger, maxItems int) *Pipeline {
	return NewPipeline(&PipelineOptions{
		Logger:   logger,
		MaxItems: maxItems,
	})
}

func (p *Pipeline) Address() string {
	return p.address
}

// Host returns the address without its port.
func (p *Pipeline) Host() string {
	host, _, err := net.SplitHostPort(p.address)
	if err != nil {
		return p.address
	}
	return host
}

func (p *Pipeline) IsSeedNode() bool {
	return p.isSeedNode
}

func (p *Pipeline) IsDead() bool {
	return p.address == ""
}

func (p *Pipeline) MaxClients() int {
	return p.maxClients
}

func (p *Pipeline) NumClients() int {
	p.clientsLock.Lock()
	defer p.clientsLock.Unlock()
	return len(p.clients)
}

func (p *Pipeline) QueueItems() int {
	return p.queue.Items()
}

func (p *Pipeline) pushRequest(req *QueueRequest, maxItems int) error {
	err := p.queue.Push(req, maxItems)
	if errors.Is(err, ErrOperationQueueClosed) {
		return ErrPipelineClosed
	} else if errors.Is(err, ErrOperationQueueFull) {
		return ErrPipelineFull
	}
	return err
}

// SendRequest queues a request for this node, failing with
// ErrPipelineFull once the queue holds MaxItems requests.
func (p *Pipeline) SendRequest(req *QueueRequest) error {
	return p.pushRequest(req, p.maxItems)
}

// RequeueRequest queues a request regardless of the queue size.  It is used
// for requests which were already accepted once.
func (p *Pipeline) RequeueRequest(req *QueueRequest) error {
	return p.pushRequest(req, 0)
}

// StartClients starts connections until the pipeline has MaxClients of them.
func (p *Pipeline) StartClients() {
	p.clientsLock.Lock()
	defer p.clientsLock.Unlock()

	for len(p.clients) < p.maxClients {
		client := newPipelineClient(p)
		p.clients = append(p.clients, client)
		client.start()
	}
}

// Takeover moves the connections of old onto this pipeline and closes the
// old queue.  Clients beyond MaxClients are closed.  The caller is
// responsible for draining old afterwards.
func (p *Pipeline) Takeover(old *Pipeline) {
	old.clientsLock.Lock()
	oldClients := old.clients
	old.clients = nil
	old.clientsLock.Unlock()

	var surplus []*pipelineClient

	p.clientsLock.Lock()
	for _, client := range oldClients {
		if len(p.clients) >= p.maxClients {
			surplus = append(surplus, client)
			continue
		}
		client.ReassignTo(p)
		p.clients = append(p.clients, client)
	}
	p.clientsLock.Unlock()

	for _, client := range surplus {
		client.Close()
	}

	old.queue.Close()
}

// Close closes the queue and every connection.  Queued requests stay in the
// queue until Drain is called.
func (p *Pipeline) Close() {
	p.queue.Close()

	p.clientsLock.Lock()
	clients := p.clients
	p.clients = nil
	p.clientsLock.Unlock()

	for _, client := range clients {
		client.Close()
	}
}

// Drain invokes cb for every request left in a closed pipeline.
func (p *Pipeline) Drain(cb func(req *QueueRequest)) {
	p.queue.Drain(cb)
}

func (p *Pipeline) DebugString() string {
	var out strings.Builder

	fmt.Fprintf(&out, "address: %s, seed node: %t, max clients: %d, max items: %d\n",
		p.address, p.isSeedNode, p.maxClients, p.maxItems)
	fmt.Fprintf(&out, "  queue: %s\n", p.queue.DebugString())

	p.clientsLock.Lock()
	for i, client := range p.clients {
		fmt.Fprintf(&out, "  client %d: %s\n", i, client.DebugString())
	}
	p.clientsLock.Unlock()

	return out.String()
}
