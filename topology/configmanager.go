package topology

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/couchbase/kvrouting/contrib/cbconfig"
	"github.com/couchbase/kvrouting/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

type ConfigManagerOptions struct {
	Logger *zap.Logger

	// SeedAddresses are the kv addresses the client was bootstrapped
	// with, used to pick a network type for the first config.
	SeedAddresses []string
	UseTLS        bool
	NetworkType   string
	NoTLSSeedNode bool
}

// ConfigManager holds the current RouteConfig, decides whether new configs
// should replace it and fans accepted configs out to watchers.
type ConfigManager struct {
	logger        *zap.Logger
	metrics       *metrics.KvrMetrics
	seedAddresses []string
	useTLS        bool
	noTLSSeedNode bool

	updateLock  sync.Mutex
	networkType string
	seenConfig  bool

	currentConfig atomic.Pointer[RouteConfig]

	watchersLock sync.Mutex
	watchers     []RouteConfigWatcher
}

func NewConfigManager(opts *ConfigManagerOptions) *ConfigManager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &ConfigManager{
		logger:        logger,
		metrics:       metrics.GetKvrMetrics(),
		seedAddresses: opts.SeedAddresses,
		useTLS:        opts.UseTLS,
		noTLSSeedNode: opts.NoTLSSeedNode,
		networkType:   opts.NetworkType,
	}
	m.currentConfig.Store(NewSeedRouteConfig(opts.SeedAddresses, opts.UseTLS))

	return m
}

// CurrentConfig returns the current snapshot.  Before the first config is
// accepted this is the seed config.
func (m *ConfigManager) CurrentConfig() *RouteConfig {
	return m.currentConfig.Load()
}

// NetworkType returns the network type in use, which is only resolved
// once the first config has been seen.
func (m *ConfigManager) NetworkType() string {
	m.updateLock.Lock()
	defer m.updateLock.Unlock()
	return m.networkType
}

func (m *ConfigManager) UseTLS() bool {
	return m.useTLS
}

func (m *ConfigManager) AddConfigWatcher(watcher RouteConfigWatcher) {
	m.watchersLock.Lock()
	m.watchers = append(m.watchers, watcher)
	m.watchersLock.Unlock()
}

func (m *ConfigManager) RemoveConfigWatcher(watcher RouteConfigWatcher) {
	m.watchersLock.Lock()
	defer m.watchersLock.Unlock()

	idx := slices.Index(m.watchers, watcher)
	if idx < 0 {
		return
	}

	// copy on write, notifications may be iterating the old slice
	watchers := make([]RouteConfigWatcher, 0, len(m.watchers)-1)
	watchers = append(watchers, m.watchers[:idx]...)
	watchers = append(watchers, m.watchers[idx+1:]...)
	m.watchers = watchers
}

func (m *ConfigManager) buildOptions(networkType string, firstConnect bool) BuildOptions {
	return BuildOptions{
		UseTLS:            m.useTLS,
		NetworkType:       networkType,
		FirstConnect:      firstConnect,
		OverwriteSeedNode: m.noTLSSeedNode,
		Logger:            m.logger,
	}
}

func (m *ConfigManager) seedInEndpoints(endpoints []RouteEndpoint) bool {
	for _, endpoint := range endpoints {
		if slices.Contains(m.seedAddresses, trimSchemePrefix(endpoint.Address)) {
			return true
		}
	}
	return false
}

// buildFirstRouteConfig picks the network type to use for the lifetime of
// this manager.  Must be called with updateLock held.
func (m *ConfigManager) buildFirstRouteConfig(input *cbconfig.ConfigValue) *RouteConfig {
	if m.networkType != "" && m.networkType != NetworkTypeAuto {
		return BuildRouteConfig(input, m.buildOptions(m.networkType, true))
	}

	defaultConfig := BuildRouteConfig(input, m.buildOptions(NetworkTypeDefault, true))
	if defaultConfig == nil {
		return nil
	}

	if m.seedInEndpoints(defaultConfig.kvEndpoints.Select(m.useTLS)) ||
		m.seedInEndpoints(defaultConfig.mgmtEndpoints.Select(m.useTLS)) {
		m.networkType = NetworkTypeDefault
		return defaultConfig
	}

	externalConfig := BuildRouteConfig(input, m.buildOptions(NetworkTypeExternal, true))
	if externalConfig != nil && externalConfig.IsValid() {
		m.networkType = NetworkTypeExternal
		return externalConfig
	}

	m.networkType = NetworkTypeDefault
	return defaultConfig
}

// shouldReplace must be called with updateLock held.
func (m *ConfigManager) shouldReplace(newConfig, oldConfig *RouteConfig) bool {
	if oldConfig.revID > -1 {
		if newConfig.HasVbucketMap() != oldConfig.HasVbucketMap() ||
			(newConfig.HasVbucketMap() && newConfig.vbMap.NumVbuckets() != oldConfig.vbMap.NumVbuckets()) {
			m.logger.Warn("received a config with a different number of vbuckets, ignoring",
				zap.Stringer("revision", newConfig.Revision()))
			return false
		}
	}

	// a select bucket on an existing connection can produce a config with
	// the same revision, it still needs to be applied.
	if newConfig.bucketType != oldConfig.bucketType {
		m.logger.Debug("config changed bucket type, switching",
			zap.Stringer("from", oldConfig.bucketType),
			zap.Stringer("to", newConfig.bucketType))
		return true
	}

	return newConfig.IsNewerThan(oldConfig)
}

// OnNewConfig ingests a freshly fetched config.  Invalid or stale configs
// are logged and dropped.  Accepted configs are sent to every watcher
// after all locks have been released.
func (m *ConfigManager) OnNewConfig(input *cbconfig.ConfigValue) {
	ctx := context.Background()

	m.updateLock.Lock()

	var routeCfg *RouteConfig
	if m.seenConfig {
		routeCfg = BuildRouteConfig(input, m.buildOptions(m.networkType, false))
	} else {
		routeCfg = m.buildFirstRouteConfig(input)
		m.logger.Debug("selected network type", zap.String("networkType", m.networkType))
	}

	if routeCfg == nil || !routeCfg.IsValid() {
		m.updateLock.Unlock()

		if routeCfg != nil {
			m.logger.Debug("routing data is not valid, skipping update",
				zap.String("config", routeCfg.DebugString()))
		} else {
			m.logger.Debug("routing data could not be built, skipping update")
		}
		m.metrics.ConfigRejected.Add(ctx, 1)
		return
	}

	if !m.shouldReplace(routeCfg, m.currentConfig.Load()) {
		m.updateLock.Unlock()
		m.metrics.ConfigRejected.Add(ctx, 1)
		return
	}

	m.currentConfig.Store(routeCfg)
	m.seenConfig = true
	m.updateLock.Unlock()

	m.metrics.ConfigUpdates.Add(ctx, 1)
	m.logger.Debug("sending out new routing data",
		zap.Stringer("revision", routeCfg.Revision()),
		zap.Stringer("bucketType", routeCfg.bucketType))

	m.watchersLock.Lock()
	watchers := m.watchers
	m.watchersLock.Unlock()

	for _, watcher := range watchers {
		watcher.OnNewRouteConfig(routeCfg)
	}
}
