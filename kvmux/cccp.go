package kvmux

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/kvrouting/contrib/cbconfig"
	"github.com/couchbase/kvrouting/mcbp"
	"go.uber.org/zap"
)

const (
	DefaultCCCPPollPeriod   = 2500 * time.Millisecond
	DefaultCCCPFetchTimeout = 2500 * time.Millisecond
)

// PipelineSnapshotProvider is implemented by Mux.
type PipelineSnapshotProvider interface {
	PipelineSnapshot() (*PipelineSnapshot, error)
}

// ConfigHandler receives every config fetched by the poller.
type ConfigHandler interface {
	OnNewConfig(input *cbconfig.ConfigValue)
}

type CCCPControllerOptions struct {
	Logger        *zap.Logger
	Snapshots     PipelineSnapshotProvider
	ConfigHandler ConfigHandler

	PollPeriod   time.Duration
	FetchTimeout time.Duration

	// IsFallbackError reports errors which mean the node can never serve
	// configs over memcached, which stops the poller.
	IsFallbackError func(err error) bool
}

// CCCPController polls the nodes of the current pipeline snapshot for
// cluster configs using GetClusterConfig.
type CCCPController struct {
	logger          *zap.Logger
	snapshots       PipelineSnapshotProvider
	configHandler   ConfigHandler
	pollPeriod      atomic.Int64
	fetchTimeout    time.Duration
	isFallbackError func(err error) bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	errLock  sync.Mutex
	fetchErr error
}

// IsCCCPUnsupportedError matches the statuses a memcached bucket answers a
// GetClusterConfig with.
func IsCCCPUnsupportedError(err error) bool {
	var kvErr *KeyValueError
	if !errors.As(err, &kvErr) {
		return false
	}
	return kvErr.StatusCode == memd.StatusNotSupported || kvErr.StatusCode == memd.StatusUnknownCommand
}

func NewCCCPController(opts *CCCPControllerOptions) *CCCPController {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pollPeriod := opts.PollPeriod
	if pollPeriod <= 0 {
		pollPeriod = DefaultCCCPPollPeriod
	}
	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultCCCPFetchTimeout
	}
	isFallbackError := opts.IsFallbackError
	if isFallbackError == nil {
		isFallbackError = IsCCCPUnsupportedError
	}

	c := &CCCPController{
		logger:          logger.Named("cccp"),
		snapshots:       opts.Snapshots,
		configHandler:   opts.ConfigHandler,
		fetchTimeout:    fetchTimeout,
		isFallbackError: isFallbackError,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
	c.pollPeriod.Store(int64(pollPeriod))

	return c
}

func (c *CCCPController) PollPeriod() time.Duration {
	return time.Duration(c.pollPeriod.Load())
}

// SetPollPeriod changes the period between polls, taking effect after the
// current wait.
func (c *CCCPController) SetPollPeriod(period time.Duration) {
	if period <= 0 {
		period = DefaultCCCPPollPeriod
	}
	c.pollPeriod.Store(int64(period))
}

// Error returns the error of the most recent fetch, or nil if it succeeded.
func (c *CCCPController) Error() error {
	c.errLock.Lock()
	defer c.errLock.Unlock()
	return c.fetchErr
}

func (c *CCCPController) setError(err error) {
	c.errLock.Lock()
	c.fetchErr = err
	c.errLock.Unlock()
}

// Stop stops the poller and waits for Run to return.  It must only be
// called after Run has been started.
func (c *CCCPController) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	<-c.doneCh
}

// Done is closed once Run has returned.
func (c *CCCPController) Done() <-chan struct{} {
	return c.doneCh
}

func (c *CCCPController) getClusterConfig(pipeline *Pipeline) ([]byte, error) {
	type fetchResult struct {
		value []byte
		err   error
	}
	resultCh := make(chan fetchResult, 1)

	req := &QueueRequest{
		Packet: mcbp.Packet{
			Magic:   memd.CmdMagicReq,
			Command: memd.CmdGetClusterConfig,
		},
		RetryStrategy: NewFailFastRetryStrategy(),
		Callback: func(resp *mcbp.Packet, req *QueueRequest, err error) {
			if err != nil {
				resultCh <- fetchResult{err: err}
				return
			}
			resultCh <- fetchResult{value: resp.Value}
		},
	}

	err := pipeline.SendRequest(req)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.fetchTimeout)
	defer timer.Stop()

	select {
	case result := <-resultCh:
		return result.value, result.err
	case <-timer.C:
		req.Cancel(ErrTimeout)
	case <-c.stopCh:
		req.Cancel(ErrRequestCancelled)
	}

	// the callback has run by now, either with our cancellation error or
	// with a response which raced it
	result := <-resultCh
	return result.value, result.err
}

// Run polls until Stop is called.  It returns ErrNoCCCPHosts when there is
// nothing to poll, or the fallback error when the nodes do not support
// CCCP.
func (c *CCCPController) Run() error {
	defer close(c.doneCh)

	c.logger.Debug("cccp poller starting")

	errBackoff := backoff.NewExponentialBackOff()
	errBackoff.InitialInterval = 100 * time.Millisecond
	errBackoff.MaxInterval = c.PollPeriod()
	errBackoff.MaxElapsedTime = 0

	nodeIdx := -1
	var wait time.Duration

	for {
		// the first fetch happens straight away so that we bootstrap quickly
		if wait > 0 {
			select {
			case <-c.stopCh:
				return nil
			case <-time.After(wait):
			}
		}

		snapshot, err := c.snapshots.PipelineSnapshot()
		if err != nil {
			// the multiplexer has been shut down
			return nil
		}

		numNodes := snapshot.NumPipelines()
		if numNodes == 0 {
			c.logger.Debug("no nodes available to poll, returning upstream")
			return ErrNoCCCPHosts
		}

		if nodeIdx < 0 {
			nodeIdx = rand.Intn(numNodes)
		}

		var foundConfig *cbconfig.ConfigValue
		var foundErr error
		snapshot.Iterate(nodeIdx, func(pipeline *Pipeline) bool {
			nodeIdx = (nodeIdx + 1) % numNodes

			cccpBytes, err := c.getClusterConfig(pipeline)
			if err != nil {
				if c.isFallbackError(err) {
					c.logger.Warn("cccp not supported, returning error upstream", zap.Error(err))
					foundErr = err
					return true
				}

				c.setError(err)
				if errors.Is(err, ErrRequestCancelled) || errors.Is(err, ErrShutdown) {
					c.logger.Debug("cccp request was cancelled", zap.Error(err))
					return true
				}

				c.logger.Warn("failed to retrieve cccp config",
					zap.String("address", pipeline.Address()),
					zap.Error(err))
				return false
			}

			c.setError(nil)

			config, err := cbconfig.ParseConfigValue(cccpBytes, pipeline.Host())
			if err != nil {
				c.logger.Warn("failed to parse cccp config", zap.Error(err))
				return false
			}

			foundConfig = config
			return true
		})

		if foundErr != nil {
			return foundErr
		}

		if foundConfig == nil {
			fetchErr := c.Error()
			if errors.Is(fetchErr, ErrRequestCancelled) || errors.Is(fetchErr, ErrShutdown) {
				c.logger.Debug("cccp request was cancelled", zap.Error(fetchErr))
			} else {
				c.logger.Warn("failed to retrieve config from any node", zap.Error(fetchErr))
			}

			wait = errBackoff.NextBackOff()
			continue
		}

		errBackoff.Reset()
		wait = c.PollPeriod()

		c.logger.Debug("received cccp config", zap.Int64("revId", foundConfig.Config.Rev))
		c.configHandler.OnNewConfig(foundConfig)
	}
}
