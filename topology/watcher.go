package topology

import "sync"

// RouteConfigWatcher is notified of every route config accepted by the
// ConfigManager.
type RouteConfigWatcher interface {
	OnNewRouteConfig(cfg *RouteConfig)
}

// ChannelWatcher delivers route configs over a channel.  Only the latest
// config is held, a slow reader never blocks the ConfigManager and skips
// straight to the newest config.
type ChannelWatcher struct {
	lock sync.Mutex
	ch   chan *RouteConfig
}

func NewChannelWatcher() *ChannelWatcher {
	return &ChannelWatcher{
		ch: make(chan *RouteConfig, 1),
	}
}

func (w *ChannelWatcher) OnNewRouteConfig(cfg *RouteConfig) {
	w.lock.Lock()
	defer w.lock.Unlock()

	// drop any config the reader has not picked up yet
	select {
	case <-w.ch:
	default:
	}

	w.ch <- cfg
}

// C returns the channel configs are delivered on.
func (w *ChannelWatcher) C() <-chan *RouteConfig {
	return w.ch
}
