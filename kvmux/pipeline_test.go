package kvmux

import (
	"sync"
	"testing"
	"time"

	"github.com/couchbase/kvrouting/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sendFailure struct {
	req    *QueueRequest
	reason RetryReason
	err    error
}

type testPipelineHarness struct {
	dialer *fakeDialer

	lock     sync.Mutex
	failures []sendFailure
}

func (h *testPipelineHarness) onSendFailure(req *QueueRequest, reason RetryReason, err error) {
	h.lock.Lock()
	h.failures = append(h.failures, sendFailure{req, reason, err})
	h.lock.Unlock()
}

func (h *testPipelineHarness) Failures() []sendFailure {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]sendFailure(nil), h.failures...)
}

func (h *testPipelineHarness) newPipeline(address string, maxClients, maxItems int) *Pipeline {
	logger, _ := zap.NewDevelopment()
	return NewPipeline(&PipelineOptions{
		Logger:        logger,
		Address:       address,
		MaxClients:    maxClients,
		MaxItems:      maxItems,
		Dialer:        h.dialer,
		OnSendFailure: h.onSendFailure,
	})
}

func newTestPipelineHarness() *testPipelineHarness {
	return &testPipelineHarness{
		dialer: &fakeDialer{},
	}
}

func TestPipelineErrors(t *testing.T) {
	h := newTestPipelineHarness()
	p := h.newPipeline("10.0.0.1:11210", 1, 1)

	require.NoError(t, p.SendRequest(newTestRequest("a")))
	require.ErrorIs(t, p.SendRequest(newTestRequest("b")), ErrPipelineFull)
	require.NoError(t, p.RequeueRequest(newTestRequest("c")))
	assert.Equal(t, 2, p.QueueItems())

	p.Close()
	require.ErrorIs(t, p.SendRequest(newTestRequest("d")), ErrPipelineClosed)
	require.ErrorIs(t, p.RequeueRequest(newTestRequest("e")), ErrPipelineClosed)

	drained := 0
	p.Drain(func(req *QueueRequest) {
		drained++
	})
	assert.Equal(t, 2, drained)
}

func TestPipelineAccessors(t *testing.T) {
	h := newTestPipelineHarness()
	p := h.newPipeline("10.0.0.1:11210", 2, 10)
	assert.Equal(t, "10.0.0.1:11210", p.Address())
	assert.Equal(t, "10.0.0.1", p.Host())
	assert.False(t, p.IsDead())
	assert.Equal(t, 2, p.MaxClients())

	dead := NewDeadPipeline(zap.NewNop(), 5)
	assert.True(t, dead.IsDead())
	assert.Equal(t, "", dead.Host())
	dead.StartClients()
	assert.Zero(t, dead.NumClients())
	require.NoError(t, dead.SendRequest(newTestRequest("parked")))
}

func TestPipelineClientDispatch(t *testing.T) {
	h := newTestPipelineHarness()
	p := h.newPipeline("10.0.0.1:11210", 1, 10)
	p.StartClients()
	defer p.Close()

	require.Eventually(t, func() bool {
		return len(h.dialer.Clients()) == 1
	}, time.Second, time.Millisecond)
	client := h.dialer.Clients()[0]

	req := newTestRequest("foo")
	require.NoError(t, p.SendRequest(req))

	require.Eventually(t, func() bool {
		return len(client.Sent()) == 1
	}, time.Second, time.Millisecond)
	assert.Same(t, req, client.Sent()[0])

	t.Run("CircuitBreakerOpen", func(t *testing.T) {
		client.setSendErr(ErrCircuitBreakerOpen)
		blocked := newTestRequest("blocked")
		require.NoError(t, p.SendRequest(blocked))

		require.Eventually(t, func() bool {
			return len(h.Failures()) == 1
		}, time.Second, time.Millisecond)
		failure := h.Failures()[0]
		assert.Same(t, blocked, failure.req)
		assert.Equal(t, RetryReasonCircuitBreakerOpen, failure.reason)

		// the connection is kept
		client.setSendErr(nil)
		require.NoError(t, p.SendRequest(newTestRequest("after")))
		require.Eventually(t, func() bool {
			return len(client.Sent()) == 2
		}, time.Second, time.Millisecond)
		assert.Len(t, h.dialer.Clients(), 1)
	})

	t.Run("Reconnect", func(t *testing.T) {
		require.NoError(t, client.Close())

		require.Eventually(t, func() bool {
			return len(h.dialer.Clients()) == 2
		}, time.Second, time.Millisecond)
		newClient := h.dialer.Clients()[1]

		req := newTestRequest("reconnected")
		require.NoError(t, p.SendRequest(req))
		require.Eventually(t, func() bool {
			return len(newClient.Sent()) == 1
		}, time.Second, time.Millisecond)
	})
}

func TestPipelineTakeover(t *testing.T) {
	h := newTestPipelineHarness()

	oldPipeline := h.newPipeline("10.0.0.1:11210", 2, 10)
	oldPipeline.StartClients()
	require.Eventually(t, func() bool {
		return len(h.dialer.Clients()) == 2
	}, time.Second, time.Millisecond)

	newPipeline := h.newPipeline("10.0.0.1:11210", 1, 10)

	newPipeline.Takeover(oldPipeline)
	defer newPipeline.Close()

	assert.Equal(t, 1, newPipeline.NumClients())
	assert.Zero(t, oldPipeline.NumClients())
	require.ErrorIs(t, oldPipeline.SendRequest(newTestRequest("late")), ErrPipelineClosed)

	// the surplus connection is closed, the other one is reused
	require.Eventually(t, func() bool {
		closed := 0
		for _, client := range h.dialer.Clients() {
			if isChannelClosed(client.Closed()) {
				closed++
			}
		}
		return closed == 1
	}, time.Second, time.Millisecond)

	newPipeline.StartClients()
	assert.Equal(t, 1, newPipeline.NumClients())
	assert.Len(t, h.dialer.Clients(), 2)

	req := newTestRequest("moved")
	require.NoError(t, newPipeline.SendRequest(req))
	require.Eventually(t, func() bool {
		for _, client := range h.dialer.Clients() {
			for _, sent := range client.Sent() {
				if sent == req {
					return true
				}
			}
		}
		return false
	}, time.Second, time.Millisecond)

	drained := 0
	oldPipeline.Drain(func(drainedReq *QueueRequest) {
		drained++
	})
	assert.Zero(t, drained)
}

func TestPipelineSnapshotIterate(t *testing.T) {
	h := newTestPipelineHarness()
	state := &muxState{
		routeCfg: topology.NewSeedRouteConfig([]string{"a:1", "b:1", "c:1"}, false),
		pipelines: []*Pipeline{
			h.newPipeline("a:1", 0, 0),
			h.newPipeline("b:1", 0, 0),
			h.newPipeline("c:1", 0, 0),
		},
		deadPipeline: NewDeadPipeline(zap.NewNop(), 0),
	}
	snapshot := PipelineSnapshot{state: state}

	assert.Equal(t, 3, snapshot.NumPipelines())
	assert.Equal(t, int64(-1), snapshot.RevID())

	visit := func(offset int) []string {
		var visited []string
		snapshot.Iterate(offset, func(p *Pipeline) bool {
			visited = append(visited, p.Address())
			return false
		})
		return visited
	}

	assert.Equal(t, []string{"a:1", "b:1", "c:1"}, visit(0))
	assert.Equal(t, []string{"b:1", "c:1", "a:1"}, visit(1))
	assert.Equal(t, []string{"c:1", "a:1", "b:1"}, visit(5))

	t.Run("Stop", func(t *testing.T) {
		var visited []string
		snapshot.Iterate(2, func(p *Pipeline) bool {
			visited = append(visited, p.Address())
			return len(visited) == 2
		})
		assert.Equal(t, []string{"c:1", "a:1"}, visited)
	})

	t.Run("Empty", func(t *testing.T) {
		empty := PipelineSnapshot{state: &muxState{
			routeCfg:     state.routeCfg,
			deadPipeline: state.deadPipeline,
		}}
		empty.Iterate(0, func(p *Pipeline) bool {
			t.Fatal("unexpected pipeline")
			return true
		})
	})

	t.Run("GetPipeline", func(t *testing.T) {
		assert.Same(t, state.pipelines[1], state.GetPipeline(1))
		assert.Same(t, state.deadPipeline, state.GetPipeline(3))
		assert.Same(t, state.deadPipeline, state.GetPipeline(-1))
	})
}
