package kvmux

import (
	"context"
	"sync"

	"github.com/couchbase/kvrouting/mcbp"
)

type fakeKvClient struct {
	address string

	lock     sync.Mutex
	sent     []*QueueRequest
	sendErr  error
	closedCh chan struct{}
	isClosed bool
}

var _ KvClient = (*fakeKvClient)(nil)

func newFakeKvClient(address string) *fakeKvClient {
	return &fakeKvClient{
		address:  address,
		closedCh: make(chan struct{}),
	}
}

func (c *fakeKvClient) Address() string                       { return c.address }
func (c *fakeKvClient) ConnectionID() string                  { return "fake" }
func (c *fakeKvClient) SupportsFeature(mcbp.HelloFeature) bool { return false }
func (c *fakeKvClient) Closed() <-chan struct{}               { return c.closedCh }

func (c *fakeKvClient) SendRequest(req *QueueRequest) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.isClosed {
		return ErrSocketClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, req)
	return nil
}

func (c *fakeKvClient) setSendErr(err error) {
	c.lock.Lock()
	c.sendErr = err
	c.lock.Unlock()
}

func (c *fakeKvClient) Sent() []*QueueRequest {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]*QueueRequest(nil), c.sent...)
}

func (c *fakeKvClient) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.isClosed {
		c.isClosed = true
		close(c.closedCh)
	}
	return nil
}

type fakeDialer struct {
	lock    sync.Mutex
	clients []*fakeKvClient
}

func (d *fakeDialer) Dial(ctx context.Context, address string, handler PostCompleteErrorHandler) (KvClient, error) {
	client := newFakeKvClient(address)

	d.lock.Lock()
	d.clients = append(d.clients, client)
	d.lock.Unlock()

	return client, nil
}

func (d *fakeDialer) Clients() []*fakeKvClient {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]*fakeKvClient(nil), d.clients...)
}
