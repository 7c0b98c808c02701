/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/kvrouting/circuitbreaker"
	"github.com/couchbase/kvrouting/kvmux"
	"github.com/couchbase/kvrouting/mcbp"
	"github.com/couchbase/kvrouting/topology"
	"go.uber.org/zap"
)

var ErrNoSeedAddresses = errors.New("no seed addresses")

type AgentOptions struct {
	Logger *zap.Logger

	// ConnStr takes precedence over the explicit address lists.
	ConnStr       string
	SeedAddresses []string
	HttpAddresses []string

	BucketName  string
	Username    string
	Password    string
	UseTLS      bool
	TLSConfig   *tls.Config
	NetworkType string

	// NoTLSSeedNode keeps the plain text port for the seed node even when
	// TLS is in use.
	NoTLSSeedNode bool

	ClientName           string
	ConnectTimeout       time.Duration
	HelloFeatures        []mcbp.HelloFeature
	PoolSize             int
	QueueSize            int
	CircuitBreakerConfig circuitbreaker.Config
	DisableCompression   bool
	RetryStrategy        kvmux.RetryStrategy

	CCCPPollPeriod   time.Duration
	CCCPFetchTimeout time.Duration
	HttpPollPeriod   time.Duration
	HttpClient       *http.Client
}

// Agent bootstraps a ConfigManager, Mux and config pollers against a
// cluster and dispatches key-value requests through them.
type Agent struct {
	logger        *zap.Logger
	bucketName    string
	configManager *topology.ConfigManager
	mux           *kvmux.Mux
	cccp          *kvmux.CCCPController
	httpPoller    *httpPoller

	closeOnce     sync.Once
	pollersDoneCh chan struct{}
}

func New(opts *AgentOptions) (*Agent, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	seedAddresses := opts.SeedAddresses
	httpAddresses := opts.HttpAddresses
	bucketName := opts.BucketName
	useTLS := opts.UseTLS
	networkType := opts.NetworkType

	if opts.ConnStr != "" {
		spec, err := ParseConnStr(opts.ConnStr)
		if err != nil {
			return nil, err
		}

		seedAddresses = spec.KvAddresses
		httpAddresses = spec.HttpAddresses
		useTLS = useTLS || spec.UseTLS
		if bucketName == "" {
			bucketName = spec.BucketName
		}
		if networkType == "" {
			networkType = spec.NetworkType
		}
	}

	if len(seedAddresses) == 0 {
		return nil, ErrNoSeedAddresses
	}

	var tlsConfig *tls.Config
	if useTLS {
		tlsConfig = opts.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}

	logger = logger.Named("agent")
	logger.Debug("creating agent",
		zap.Strings("seedAddresses", seedAddresses),
		zap.Strings("httpAddresses", httpAddresses),
		zap.String("bucketName", bucketName),
		zap.Bool("useTLS", useTLS),
		zap.String("networkType", networkType))

	configManager := topology.NewConfigManager(&topology.ConfigManagerOptions{
		Logger:        logger,
		SeedAddresses: seedAddresses,
		UseTLS:        useTLS,
		NetworkType:   networkType,
		NoTLSSeedNode: opts.NoTLSSeedNode,
	})

	errorMap := kvmux.NewErrorMapManager(logger)

	dialer := kvmux.NewNetDialer(&kvmux.NetDialerOptions{
		Logger:               logger,
		ConnectTimeout:       opts.ConnectTimeout,
		TLSConfig:            tlsConfig,
		ClientName:           opts.ClientName,
		HelloFeatures:        opts.HelloFeatures,
		BucketName:           bucketName,
		ErrorMap:             errorMap,
		CircuitBreakerConfig: opts.CircuitBreakerConfig,
		DisableCompression:   opts.DisableCompression,
	})

	mux := kvmux.NewMux(&kvmux.MuxOptions{
		Logger:               logger,
		ConfigManager:        configManager,
		Dialer:               dialer,
		UseTLS:               useTLS,
		PoolSize:             opts.PoolSize,
		QueueSize:            opts.QueueSize,
		DefaultRetryStrategy: opts.RetryStrategy,
		ErrorMap:             errorMap,
	})

	a := &Agent{
		logger:        logger,
		bucketName:    bucketName,
		configManager: configManager,
		mux:           mux,
		cccp: kvmux.NewCCCPController(&kvmux.CCCPControllerOptions{
			Logger:        logger,
			Snapshots:     mux,
			ConfigHandler: configManager,
			PollPeriod:    opts.CCCPPollPeriod,
			FetchTimeout:  opts.CCCPFetchTimeout,
		}),
		httpPoller: newHttpPoller(&httpPollerOptions{
			Logger:        logger,
			HttpClient:    opts.HttpClient,
			Hosts:         httpAddresses,
			Username:      opts.Username,
			Password:      opts.Password,
			BucketName:    bucketName,
			PollPeriod:    opts.HttpPollPeriod,
			FetchTimeout:  opts.CCCPFetchTimeout,
			ConfigHandler: configManager,
		}),
		pollersDoneCh: make(chan struct{}),
	}

	go a.runPollers()

	return a, nil
}

// runPollers polls over memcached for as long as the cluster supports it
// and falls back to the REST API otherwise.
func (a *Agent) runPollers() {
	defer close(a.pollersDoneCh)

	err := a.cccp.Run()
	if err == nil {
		// stopped
		return
	}

	a.logger.Info("falling back to http config polling", zap.Error(err))
	a.httpPoller.Run()
}

func (a *Agent) BucketName() string {
	return a.bucketName
}

func (a *Agent) ConfigManager() *topology.ConfigManager {
	return a.configManager
}

func (a *Agent) Mux() *kvmux.Mux {
	return a.mux
}

// SetPollPeriod changes how often configs are polled, for whichever
// poller is active.
func (a *Agent) SetPollPeriod(period time.Duration) {
	a.cccp.SetPollPeriod(period)
	a.httpPoller.SetPollPeriod(period)
}

// RouteConfig returns the config requests are currently routed with.
func (a *Agent) RouteConfig() *topology.RouteConfig {
	return a.mux.RouteConfig()
}

// WaitUntilReady blocks until a config which can route keys has been
// applied.
func (a *Agent) WaitUntilReady(ctx context.Context) (*topology.RouteConfig, error) {
	watcher := topology.NewChannelWatcher()
	a.configManager.AddConfigWatcher(watcher)
	defer a.configManager.RemoveConfigWatcher(watcher)

	isReady := func(cfg *topology.RouteConfig) bool {
		if cfg == nil {
			return false
		}
		if a.bucketName == "" {
			return cfg.RevID() >= 0
		}
		return cfg.BucketType() == topology.BucketTypeCouchbase ||
			cfg.BucketType() == topology.BucketTypeMemcached
	}

	// the config may have arrived before the watcher was registered
	if cfg := a.RouteConfig(); isReady(cfg) {
		return cfg, nil
	}

	for {
		select {
		case cfg := <-watcher.C():
			if isReady(cfg) {
				return cfg, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Dispatch routes a request to its node.  The result is delivered through
// the request's callback.
func (a *Agent) Dispatch(req *kvmux.QueueRequest) error {
	return a.mux.DispatchDirect(req)
}

// Execute dispatches a packet and waits for its response.  A response
// with a non-success status is returned as a *kvmux.KeyValueError.
func (a *Agent) Execute(ctx context.Context, pak mcbp.Packet) (*mcbp.Packet, error) {
	return a.execute(ctx, pak, 0)
}

// ExecuteReplica is Execute against the given replica of the key's
// vbucket.
func (a *Agent) ExecuteReplica(ctx context.Context, pak mcbp.Packet, replicaIdx int) (*mcbp.Packet, error) {
	return a.execute(ctx, pak, replicaIdx)
}

func (a *Agent) execute(ctx context.Context, pak mcbp.Packet, replicaIdx int) (*mcbp.Packet, error) {
	type execResult struct {
		resp *mcbp.Packet
		err  error
	}
	resultCh := make(chan execResult, 1)

	pak.Magic = memd.CmdMagicReq
	req := &kvmux.QueueRequest{
		Packet:     pak,
		ReplicaIdx: replicaIdx,
		Callback: func(resp *mcbp.Packet, req *kvmux.QueueRequest, err error) {
			resultCh <- execResult{resp, err}
		},
	}

	err := a.Dispatch(req)
	if err != nil {
		return nil, err
	}

	select {
	case result := <-resultCh:
		return result.resp, result.err
	case <-ctx.Done():
		cancelErr := kvmux.ErrRequestCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			cancelErr = kvmux.ErrTimeout
		}
		req.Cancel(cancelErr)
	}

	// either our cancellation or a response which raced it
	result := <-resultCh
	return result.resp, result.err
}

// Close stops the pollers and shuts down every connection.  Requests still
// queued fail with kvmux.ErrShutdown.
func (a *Agent) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.cccp.Stop()
		a.httpPoller.signalStop()
		<-a.pollersDoneCh

		err = a.mux.Close()
	})
	return err
}
