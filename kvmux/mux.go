/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package kvmux

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/kvrouting/contrib/cbconfig"
	"github.com/couchbase/kvrouting/mcbp"
	"github.com/couchbase/kvrouting/routing"
	"github.com/couchbase/kvrouting/topology"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultPoolSize  = 1
	DefaultQueueSize = 2048
)

type MuxOptions struct {
	Logger        *zap.Logger
	ConfigManager *topology.ConfigManager
	Dialer        Dialer

	UseTLS bool

	// PoolSize is the number of connections per node for bucket configs,
	// cluster level configs always use a single connection.
	PoolSize  int
	QueueSize int

	DefaultRetryStrategy RetryStrategy

	// ErrorMap classifies statuses the mux does not handle itself.  It
	// should be shared with the dialer which fetches the maps.
	ErrorMap *ErrorMapManager
}

// Mux routes requests to the pipeline of the node which owns them, and
// rebuilds its pipelines whenever the route config changes.
type Mux struct {
	logger        *zap.Logger
	configManager *topology.ConfigManager
	dialer        Dialer
	useTLS        bool
	poolSize      int
	queueSize     int
	retryStrategy RetryStrategy
	errorMap      *ErrorMapManager

	stateLock sync.Mutex
	state     atomic.Pointer[muxState]
}

var _ topology.RouteConfigWatcher = (*Mux)(nil)

// NewMux builds pipelines for the config manager's current config and
// registers itself for updates.
func NewMux(opts *MuxOptions) *Mux {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	retryStrategy := opts.DefaultRetryStrategy
	if retryStrategy == nil {
		retryStrategy = NewBestEffortRetryStrategy(nil)
	}
	errorMap := opts.ErrorMap
	if errorMap == nil {
		errorMap = NewErrorMapManager(logger)
	}

	m := &Mux{
		logger:        logger.Named("mux"),
		configManager: opts.ConfigManager,
		dialer:        opts.Dialer,
		useTLS:        opts.UseTLS,
		poolSize:      poolSize,
		queueSize:     queueSize,
		retryStrategy: retryStrategy,
		errorMap:      errorMap,
	}

	m.stateLock.Lock()
	state := m.buildState(opts.ConfigManager.CurrentConfig(), nil)
	m.state.Store(state)
	m.stateLock.Unlock()

	for _, pipeline := range state.pipelines {
		pipeline.StartClients()
	}

	opts.ConfigManager.AddConfigWatcher(m)

	return m
}

func (m *Mux) getState() *muxState {
	return m.state.Load()
}

func (m *Mux) poolSizeFor(cfg *topology.RouteConfig) int {
	if cfg.IsGCCCPConfig() {
		return 1
	}
	return m.poolSize
}

// buildState creates the pipelines for cfg, taking over the connections of
// any pipeline in oldState with the same address.
func (m *Mux) buildState(cfg *topology.RouteConfig, oldState *muxState) *muxState {
	serverList := cfg.KvEndpoints().Select(m.useTLS)
	poolSize := m.poolSizeFor(cfg)

	pipelines := make([]*Pipeline, len(serverList))
	for i, endpoint := range serverList {
		pipeline := NewPipeline(&PipelineOptions{
			Logger:         m.logger,
			Address:        endpoint.Address,
			IsSeedNode:     endpoint.IsSeedNode,
			MaxClients:     poolSize,
			MaxItems:       m.queueSize,
			Dialer:         m.dialer,
			PostErrHandler: m.handleOpRoutingResp,
			OnSendFailure:  m.handleSendFailure,
		})

		if oldState != nil {
			if oldPipeline := oldState.pipelineByAddress(endpoint.Address); oldPipeline != nil {
				pipeline.Takeover(oldPipeline)
			}
		}

		pipelines[i] = pipeline
	}

	return &muxState{
		routeCfg:     cfg,
		pipelines:    pipelines,
		deadPipeline: NewDeadPipeline(m.logger, m.queueSize),
		serverList:   serverList,
	}
}

// OnNewRouteConfig swaps in pipelines for a new config.  Requests queued
// on the old pipelines are routed again against the new config.
func (m *Mux) OnNewRouteConfig(cfg *topology.RouteConfig) {
	m.stateLock.Lock()
	oldState := m.getState()
	if oldState == nil {
		m.stateLock.Unlock()
		return
	}

	oldCfg := oldState.routeCfg
	if oldCfg != nil && oldCfg.BucketType() == cfg.BucketType() && !cfg.IsNewerThan(oldCfg) {
		m.stateLock.Unlock()
		m.logger.Debug("ignoring route config which is not newer than the current one",
			zap.Int64("revId", cfg.RevID()),
			zap.Int64("currentRevId", oldCfg.RevID()))
		return
	}

	newState := m.buildState(cfg, oldState)
	m.state.Store(newState)
	m.stateLock.Unlock()

	m.logger.Debug("applied new route config",
		zap.Int64("revId", cfg.RevID()),
		zap.Int("numPipelines", len(newState.pipelines)))

	for _, pipeline := range newState.pipelines {
		pipeline.StartClients()
	}

	oldPipelines := oldState.allPipelines()
	for _, pipeline := range oldPipelines {
		// pipelines which were taken over have already handed off their
		// clients, closing them only closes their queue
		pipeline.Close()
	}
	for _, pipeline := range oldPipelines {
		pipeline.Drain(func(req *QueueRequest) {
			m.RequeueDirect(req, false)
		})
	}
}

func (m *Mux) routeRequest(state *muxState, req *QueueRequest) (*Pipeline, error) {
	routeCfg := state.routeCfg

	switch routeCfg.BucketType() {
	case topology.BucketTypeCouchbase:
		if req.ReplicaIdx < 0 {
			return nil, pkgerrors.Wrapf(routing.ErrInvalidReplica, "replica index %d", req.ReplicaIdx)
		}

		vbMap := routeCfg.VbMap()
		if req.Key != nil {
			req.Vbucket = vbMap.VbucketByKey(req.Key)
		}

		serverIdx, err := vbMap.NodeByVbucket(req.Vbucket, uint32(req.ReplicaIdx))
		if err != nil {
			// an active copy without an owner is mid rebalance, park the
			// request until the next config
			if req.ReplicaIdx == 0 && errors.Is(err, routing.ErrInvalidReplica) {
				return state.deadPipeline, nil
			}
			return nil, err
		}

		return state.GetPipeline(serverIdx), nil
	case topology.BucketTypeMemcached:
		if req.ReplicaIdx != 0 {
			return nil, pkgerrors.Wrap(routing.ErrInvalidReplica, "memcached buckets have no replicas")
		}

		serverIdx, err := routeCfg.KetamaMap().NodeByKey(req.Key)
		if err != nil {
			return nil, err
		}

		return state.GetPipeline(serverIdx), nil
	}

	return state.deadPipeline, nil
}

// syncState waits for an in progress config update to finish and reports
// whether the state is no longer the given one.
func (m *Mux) syncState(state *muxState) bool {
	m.stateLock.Lock()
	m.stateLock.Unlock()
	return m.getState() != state
}

// DispatchDirect routes and queues a request.
func (m *Mux) DispatchDirect(req *QueueRequest) error {
	req.markDispatched()

	for {
		state := m.getState()
		if state == nil {
			return ErrShutdown
		}

		pipeline, err := m.routeRequest(state, req)
		if err != nil {
			return err
		}

		err = pipeline.SendRequest(req)
		if errors.Is(err, ErrPipelineClosed) && m.syncState(state) {
			continue
		}
		return err
	}
}

// RequeueDirect queues a request again after a retry or a config change.
// Failures are delivered through the request's callback.
func (m *Mux) RequeueDirect(req *QueueRequest, isRetry bool) {
	handleError := func(err error) {
		// a cancelled request has already been called back
		if errors.Is(err, ErrRequestCancelled) {
			return
		}

		m.logger.Debug("failed to requeue request",
			zap.String("opaque", req.Identifier()),
			zap.Bool("isRetry", isRetry),
			zap.Error(err))
		req.tryCallback(nil, err)
	}

	for {
		state := m.getState()
		if state == nil {
			handleError(ErrShutdown)
			return
		}

		pipeline, err := m.routeRequest(state, req)
		if err != nil {
			handleError(err)
			return
		}

		err = pipeline.RequeueRequest(req)
		if errors.Is(err, ErrPipelineClosed) && m.syncState(state) {
			continue
		}
		if err != nil {
			handleError(err)
		}
		return
	}
}

// DispatchDirectToAddress queues a request on the pipeline of a specific
// node, bypassing key based routing.
func (m *Mux) DispatchDirectToAddress(req *QueueRequest, address string) error {
	req.markDispatched()

	for {
		state := m.getState()
		if state == nil {
			return ErrShutdown
		}

		pipeline := state.pipelineByAddress(address)
		if pipeline == nil {
			return pkgerrors.Wrapf(routing.ErrInvalidServer, "no pipeline for %s", address)
		}

		err := pipeline.SendRequest(req)
		if errors.Is(err, ErrPipelineClosed) && m.syncState(state) {
			continue
		}
		return err
	}
}

func (m *Mux) PipelineSnapshot() (*PipelineSnapshot, error) {
	state := m.getState()
	if state == nil {
		return nil, ErrShutdown
	}
	return &PipelineSnapshot{state: state}, nil
}

func (m *Mux) NumPipelines() int {
	state := m.getState()
	if state == nil {
		return 0
	}
	return len(state.pipelines)
}

// RouteConfig returns the config the current pipelines were built from.
func (m *Mux) RouteConfig() *topology.RouteConfig {
	state := m.getState()
	if state == nil {
		return nil
	}
	return state.routeCfg
}

func (m *Mux) HasBucketCapability(capability topology.BucketCapability) bool {
	state := m.getState()
	if state == nil {
		return false
	}
	return state.routeCfg.HasBucketCapability(capability)
}

func (m *Mux) DebugString() string {
	state := m.getState()
	if state == nil {
		return "closed"
	}
	return state.DebugString()
}

// Close shuts every pipeline down.  Requests still queued are failed with
// ErrShutdown.
func (m *Mux) Close() error {
	m.configManager.RemoveConfigWatcher(m)

	m.stateLock.Lock()
	oldState := m.state.Swap(nil)
	m.stateLock.Unlock()

	if oldState == nil {
		return nil
	}

	pipelines := oldState.allPipelines()
	for _, pipeline := range pipelines {
		pipeline.Close()
	}
	for _, pipeline := range pipelines {
		pipeline.Drain(func(req *QueueRequest) {
			req.tryCallback(nil, ErrShutdown)
		})
	}

	return nil
}

// waitAndRetry schedules a request to be routed again.  Returns false when
// the request must not be retried.
func (m *Mux) waitAndRetry(req *QueueRequest, reason RetryReason) bool {
	var wait time.Duration
	if reason.AlwaysRetry() {
		wait = ControlledBackoff(req.RetryAttempts())
	} else {
		if !req.Idempotent() && !reason.AllowsNonIdempotentRetry() {
			return false
		}

		strategy := req.RetryStrategy
		if strategy == nil {
			strategy = m.retryStrategy
		}

		var shouldRetry bool
		wait, shouldRetry = strategy.RetryAfter(req, reason)
		if !shouldRetry {
			return false
		}
	}

	req.recordRetryAttempt(reason)

	m.logger.Debug("retrying request",
		zap.String("opaque", req.Identifier()),
		zap.Stringer("reason", reason),
		zap.Duration("wait", wait))

	time.AfterFunc(wait, func() {
		m.RequeueDirect(req, true)
	})

	return true
}

func (m *Mux) handleSendFailure(req *QueueRequest, reason RetryReason, err error) {
	// the request never reached the socket, it can go straight back
	if errors.Is(err, ErrSocketClosed) {
		m.RequeueDirect(req, false)
		return
	}

	if !m.waitAndRetry(req, reason) {
		req.tryCallback(nil, err)
	}
}

func (m *Mux) handleNotMyVbucket(resp *mcbp.Packet, req *QueueRequest) {
	if len(resp.Value) == 0 {
		return
	}

	sourceHost, _, err := net.SplitHostPort(req.ConnectionInfo().DispatchedTo)
	if err != nil {
		m.logger.Debug("failed to split dispatch address", zap.Error(err))
		return
	}

	cfg, err := cbconfig.ParseConfigValue(resp.Value, sourceHost)
	if err != nil {
		m.logger.Debug("failed to parse config from not my vbucket response", zap.Error(err))
		return
	}

	m.configManager.OnNewConfig(cfg)
}

// handleOpRoutingResp decides whether a failed response should be retried
// rather than returned to the caller.
func (m *Mux) handleOpRoutingResp(resp *mcbp.Packet, req *QueueRequest, err error) (bool, error) {
	if errors.Is(err, ErrSocketClosed) {
		if m.waitAndRetry(req, RetryReasonSocketCloseInFlight) {
			return true, nil
		}
		return false, err
	}

	if resp == nil {
		return false, err
	}

	var reason RetryReason
	switch resp.Status {
	case memd.StatusNotMyVBucket:
		m.handleNotMyVbucket(resp, req)
		reason = RetryReasonKVNotMyVbucket
	case memd.StatusTmpFail:
		reason = RetryReasonKVTemporaryFailure
	case memd.StatusLocked:
		reason = RetryReasonKVLocked
	case memd.StatusSyncWriteInProgress:
		reason = RetryReasonKVSyncWriteInProgress
	case memd.StatusSyncWriteReCommitInProgress:
		reason = RetryReasonKVSyncWriteRecommitInProgress
	default:
		if !m.errorMap.ShouldRetry(resp.Status) {
			return false, m.errorMap.EnhanceKvError(err, resp)
		}
		reason = RetryReasonKVErrorMapRetry
	}

	if m.waitAndRetry(req, reason) {
		return true, nil
	}
	return false, m.errorMap.EnhanceKvError(err, resp)
}
