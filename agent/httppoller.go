package agent

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/kvrouting/contrib/cbconfig"
	"github.com/couchbase/kvrouting/kvmux"
	"go.uber.org/zap"
)

const DefaultHttpPollPeriod = 2500 * time.Millisecond

type httpPollerOptions struct {
	Logger        *zap.Logger
	HttpClient    *http.Client
	Hosts         []string
	Username      string
	Password      string
	BucketName    string
	PollPeriod    time.Duration
	FetchTimeout  time.Duration
	ConfigHandler kvmux.ConfigHandler
}

// httpPoller fetches configs from the management REST API.  It is only
// used for buckets which cannot serve configs over memcached.
type httpPoller struct {
	logger        *zap.Logger
	fetchers      []*cbconfig.Fetcher
	bucketName    string
	pollPeriod    atomic.Int64
	fetchTimeout  time.Duration
	configHandler kvmux.ConfigHandler

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newHttpPoller(opts *httpPollerOptions) *httpPoller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pollPeriod := opts.PollPeriod
	if pollPeriod <= 0 {
		pollPeriod = DefaultHttpPollPeriod
	}
	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = kvmux.DefaultCCCPFetchTimeout
	}

	fetchers := make([]*cbconfig.Fetcher, len(opts.Hosts))
	for i, host := range opts.Hosts {
		fetchers[i] = cbconfig.NewFetcher(cbconfig.FetcherOptions{
			HttpClient: opts.HttpClient,
			Host:       host,
			Username:   opts.Username,
			Password:   opts.Password,
			Logger:     logger,
		})
	}

	p := &httpPoller{
		logger:        logger.Named("http-poller"),
		fetchers:      fetchers,
		bucketName:    opts.BucketName,
		fetchTimeout:  fetchTimeout,
		configHandler: opts.ConfigHandler,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	p.pollPeriod.Store(int64(pollPeriod))

	return p
}

func (p *httpPoller) SetPollPeriod(period time.Duration) {
	if period <= 0 {
		period = DefaultHttpPollPeriod
	}
	p.pollPeriod.Store(int64(period))
}

func (p *httpPoller) fetch(fetcher *cbconfig.Fetcher) (*cbconfig.ConfigValue, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.fetchTimeout)
	defer cancel()

	// cancel the fetch if we are stopped half way through
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if p.bucketName == "" {
		return fetcher.FetchNodeServices(ctx)
	}
	return fetcher.FetchTerseBucket(ctx, p.bucketName)
}

// Run polls the hosts in turn until Stop is called.
func (p *httpPoller) Run() {
	defer close(p.doneCh)

	if len(p.fetchers) == 0 {
		p.logger.Warn("no http hosts available, configs will not be refreshed")
		<-p.stopCh
		return
	}

	for hostIdx := 0; ; hostIdx = (hostIdx + 1) % len(p.fetchers) {
		config, err := p.fetch(p.fetchers[hostIdx])
		if err != nil {
			p.logger.Debug("failed to fetch config", zap.Error(err))
		} else {
			p.configHandler.OnNewConfig(config)
		}

		select {
		case <-p.stopCh:
			return
		case <-time.After(time.Duration(p.pollPeriod.Load())):
		}
	}
}

func (p *httpPoller) signalStop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
}

// Stop must only be called once Run has been started.
func (p *httpPoller) Stop() {
	p.signalStop()
	<-p.doneCh
}
