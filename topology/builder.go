package topology

import (
	"fmt"
	"net"
	"strings"

	"github.com/couchbase/kvrouting/contrib/cbconfig"
	"github.com/couchbase/kvrouting/routing"
	"go.uber.org/zap"
)

const (
	NetworkTypeAuto     = "auto"
	NetworkTypeDefault  = "default"
	NetworkTypeExternal = "external"
)

// BuildOptions controls how a terse config is turned into a RouteConfig.
type BuildOptions struct {
	UseTLS      bool
	NetworkType string

	// FirstConnect suppresses logging of nodes which lack the requested
	// alternate address block, since we are still probing network types.
	FirstConnect bool

	// OverwriteSeedNode replaces the hostname of the node we fetched the
	// config from with the host we actually connected to.
	OverwriteSeedNode bool

	Logger *zap.Logger
}

type serverEndpoints struct {
	kvSSL, kv               string
	viewsSSL, views         string
	mgmtSSL, mgmt           string
	querySSL, query         string
	searchSSL, search       string
	analyticsSSL, analytics string
	eventingSSL, eventing   string
}

func formatKvAddress(hostname string, port uint16) string {
	if port == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", hostname, port)
}

func formatHttpAddress(scheme, hostname string, port uint16) string {
	if port == 0 {
		return ""
	}
	return fmt.Sprintf("%s://%s:%d", scheme, hostname, port)
}

func endpointsFromPorts(ports *cbconfig.TerseExtNodePortsJson, hostname string) serverEndpoints {
	if ports == nil {
		return serverEndpoints{}
	}

	return serverEndpoints{
		kvSSL:        formatKvAddress(hostname, ports.KvSsl),
		kv:           formatKvAddress(hostname, ports.Kv),
		viewsSSL:     formatHttpAddress("https", hostname, ports.CapiSsl),
		views:        formatHttpAddress("http", hostname, ports.Capi),
		mgmtSSL:      formatHttpAddress("https", hostname, ports.MgmtSsl),
		mgmt:         formatHttpAddress("http", hostname, ports.Mgmt),
		querySSL:     formatHttpAddress("https", hostname, ports.N1qlSsl),
		query:        formatHttpAddress("http", hostname, ports.N1ql),
		searchSSL:    formatHttpAddress("https", hostname, ports.FtsSsl),
		search:       formatHttpAddress("http", hostname, ports.Fts),
		analyticsSSL: formatHttpAddress("https", hostname, ports.CbasSsl),
		analytics:    formatHttpAddress("http", hostname, ports.Cbas),
		eventingSSL:  formatHttpAddress("https", hostname, ports.EventingSsl),
		eventing:     formatHttpAddress("http", hostname, ports.Eventing),
	}
}

// getHostname resolves the hostname of a node, an empty hostname means the
// node we fetched the config from.  IPv6 addresses are wrapped in brackets.
func getHostname(hostname, sourceHost string) string {
	if hostname == "" {
		return sourceHost
	}

	if strings.Contains(hostname, ":") && !strings.HasPrefix(hostname, "[") {
		return "[" + hostname + "]"
	}

	return hostname
}

func trimSchemePrefix(address string) string {
	idx := strings.Index(address, "://")
	if idx < 0 {
		return address
	}
	return address[idx+3:]
}

func hostFromHostPort(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}

func appendEndpoint(endpoints []RouteEndpoint, address string, isSeedNode bool) []RouteEndpoint {
	if address == "" {
		return endpoints
	}
	return append(endpoints, RouteEndpoint{
		Address:    address,
		IsSeedNode: isSeedNode,
	})
}

func parseBucketType(config *cbconfig.TerseConfigJson) BucketType {
	switch config.NodeLocator {
	case "ketama":
		return BucketTypeMemcached
	case "vbucket":
		return BucketTypeCouchbase
	}

	if config.UUID == "" {
		return BucketTypeNone
	}

	return BucketTypeInvalid
}

// BuildRouteConfig converts a parsed config into a RouteConfig.  nil is
// returned when no config can be built at all, callers must still check
// IsValid on a non-nil result.
func BuildRouteConfig(input *cbconfig.ConfigValue, opts BuildOptions) *RouteConfig {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	networkType := opts.NetworkType
	if networkType == "" {
		networkType = NetworkTypeDefault
	}

	config := input.Config
	bucketType := parseBucketType(config)
	if bucketType == BucketTypeInvalid {
		logger.Debug("invalid nodeLocator", zap.String("nodeLocator", config.NodeLocator))
	}

	routeCfg := &RouteConfig{
		bucketType: bucketType,
		revID:      config.Rev,
		revEpoch:   config.RevEpoch,
		uuid:       config.UUID,
		name:       config.Name,

		clusterCapabilities: parseClusterCapabilities(config.ClusterCapabilitiesVer, config.ClusterCapabilities),
		bucketCapabilities:  parseBucketCapabilities(config.BucketCapabilities),
	}

	if len(config.NodesExt) > 0 {
		buildFromNodesExt(routeCfg, input, networkType, opts, logger)
	} else {
		if opts.UseTLS {
			logger.Error("received config without nodesExt while TLS is enabled")
			return nil
		}

		buildFromLegacyNodes(routeCfg, config)
	}

	switch bucketType {
	case BucketTypeCouchbase:
		if config.VBucketServerMap != nil && config.VBucketServerMap.VBucketMap != nil {
			routeCfg.vbMap = routing.NewVbucketMap(
				config.VBucketServerMap.VBucketMap,
				config.VBucketServerMap.NumReplicas)
		}
	case BucketTypeMemcached:
		routeCfg.ketamaMap = routing.NewKetamaContinuum(routeCfg.kvEndpoints.Addresses(opts.UseTLS))
	}

	return routeCfg
}

func buildFromNodesExt(
	routeCfg *RouteConfig,
	input *cbconfig.ConfigValue,
	networkType string,
	opts BuildOptions,
	logger *zap.Logger,
) {
	config := input.Config
	isBucketConfig := routeCfg.bucketType == BucketTypeCouchbase || routeCfg.bucketType == BucketTypeMemcached

	for nodeIdx, node := range config.NodesExt {
		hostname := node.Hostname
		ports := node.Services

		if networkType != NetworkTypeDefault {
			altAddr, ok := node.AltAddresses[networkType]
			if !ok {
				if !opts.FirstConnect {
					logger.Debug("node is missing the configured network type",
						zap.String("networkType", networkType),
						zap.String("hostname", node.Hostname))
				}
				continue
			}

			if altAddr.Hostname != "" {
				hostname = altAddr.Hostname
			}
			if altAddr.Ports != nil {
				ports = altAddr.Ports
			}
		}

		isSeedNode := node.ThisNode || hostname == ""
		if isSeedNode && opts.OverwriteSeedNode {
			hostname = input.SourceHost
		} else {
			hostname = getHostname(hostname, input.SourceHost)
		}

		endpoints := endpointsFromPorts(ports, hostname)

		// nodes which are not yet part of the bucket are listed in nodesExt
		// after all the nodes that are, and cannot serve kv requests yet.
		kvNotInBucket := isBucketConfig && nodeIdx >= len(config.Nodes)
		if kvNotInBucket && (endpoints.kv != "" || endpoints.kvSSL != "") {
			logger.Debug("kv node present in nodesExt but not in nodes",
				zap.String("hostname", hostname))
		} else {
			routeCfg.kvEndpoints.NonSSL = appendEndpoint(routeCfg.kvEndpoints.NonSSL, endpoints.kv, isSeedNode)
			routeCfg.kvEndpoints.SSL = appendEndpoint(routeCfg.kvEndpoints.SSL, endpoints.kvSSL, isSeedNode)
		}

		routeCfg.viewsEndpoints.NonSSL = appendEndpoint(routeCfg.viewsEndpoints.NonSSL, endpoints.views, isSeedNode)
		routeCfg.viewsEndpoints.SSL = appendEndpoint(routeCfg.viewsEndpoints.SSL, endpoints.viewsSSL, isSeedNode)
		routeCfg.mgmtEndpoints.NonSSL = appendEndpoint(routeCfg.mgmtEndpoints.NonSSL, endpoints.mgmt, isSeedNode)
		routeCfg.mgmtEndpoints.SSL = appendEndpoint(routeCfg.mgmtEndpoints.SSL, endpoints.mgmtSSL, isSeedNode)
		routeCfg.queryEndpoints.NonSSL = appendEndpoint(routeCfg.queryEndpoints.NonSSL, endpoints.query, isSeedNode)
		routeCfg.queryEndpoints.SSL = appendEndpoint(routeCfg.queryEndpoints.SSL, endpoints.querySSL, isSeedNode)
		routeCfg.searchEndpoints.NonSSL = appendEndpoint(routeCfg.searchEndpoints.NonSSL, endpoints.search, isSeedNode)
		routeCfg.searchEndpoints.SSL = appendEndpoint(routeCfg.searchEndpoints.SSL, endpoints.searchSSL, isSeedNode)
		routeCfg.analyticsEndpoints.NonSSL = appendEndpoint(routeCfg.analyticsEndpoints.NonSSL, endpoints.analytics, isSeedNode)
		routeCfg.analyticsEndpoints.SSL = appendEndpoint(routeCfg.analyticsEndpoints.SSL, endpoints.analyticsSSL, isSeedNode)
		routeCfg.eventingEndpoints.NonSSL = appendEndpoint(routeCfg.eventingEndpoints.NonSSL, endpoints.eventing, isSeedNode)
		routeCfg.eventingEndpoints.SSL = appendEndpoint(routeCfg.eventingEndpoints.SSL, endpoints.eventingSSL, isSeedNode)
	}
}

func buildFromLegacyNodes(routeCfg *RouteConfig, config *cbconfig.TerseConfigJson) {
	if routeCfg.bucketType == BucketTypeCouchbase && config.VBucketServerMap != nil {
		for _, server := range config.VBucketServerMap.ServerList {
			routeCfg.kvEndpoints.NonSSL = appendEndpoint(routeCfg.kvEndpoints.NonSSL, server, false)
		}
	}

	for _, node := range config.Nodes {
		if node.CouchApiBase != "" {
			// strip the bucket uuid from the url
			capiEndpoint := node.CouchApiBase
			if idx := strings.Index(capiEndpoint, "%2B"); idx >= 0 {
				capiEndpoint = capiEndpoint[:idx]
			}
			routeCfg.viewsEndpoints.NonSSL = appendEndpoint(routeCfg.viewsEndpoints.NonSSL, capiEndpoint, false)
		}

		if node.Hostname == "" {
			continue
		}

		routeCfg.mgmtEndpoints.NonSSL = appendEndpoint(routeCfg.mgmtEndpoints.NonSSL, "http://"+node.Hostname, false)

		if routeCfg.bucketType == BucketTypeMemcached && node.Ports != nil && node.Ports.Direct > 0 {
			address := net.JoinHostPort(hostFromHostPort(node.Hostname), fmt.Sprintf("%d", node.Ports.Direct))
			routeCfg.kvEndpoints.NonSSL = appendEndpoint(routeCfg.kvEndpoints.NonSSL, address, false)
		}
	}
}
