package topology

import (
	"fmt"
	"strings"

	"github.com/couchbase/kvrouting/routing"
)

type BucketType int

const (
	BucketTypeNone BucketType = iota
	BucketTypeCouchbase
	BucketTypeMemcached
	BucketTypeInvalid
)

func (t BucketType) String() string {
	switch t {
	case BucketTypeNone:
		return "none"
	case BucketTypeCouchbase:
		return "couchbase"
	case BucketTypeMemcached:
		return "memcached"
	case BucketTypeInvalid:
		return "invalid"
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// RouteEndpoint is a single service endpoint of a node.  Key value
// endpoints are plain host:port addresses, all other services carry a
// http or https scheme.
type RouteEndpoint struct {
	Address    string
	IsSeedNode bool
}

type RouteEndpoints struct {
	SSL    []RouteEndpoint
	NonSSL []RouteEndpoint
}

// Select returns the TLS or the non-TLS list.
func (e RouteEndpoints) Select(useTLS bool) []RouteEndpoint {
	if useTLS {
		return e.SSL
	}
	return e.NonSSL
}

// Addresses returns just the addresses of the TLS or non-TLS list.
func (e RouteEndpoints) Addresses(useTLS bool) []string {
	endpoints := e.Select(useTLS)
	out := make([]string, len(endpoints))
	for i, endpoint := range endpoints {
		out[i] = endpoint.Address
	}
	return out
}

// Revision is the two part version of a config.
type Revision struct {
	Epoch int64
	ID    int64
}

// Compare returns -1, 0 or +1 ordering by epoch first and id second.
func (r Revision) Compare(o Revision) int {
	if r.Epoch < o.Epoch {
		return -1
	} else if r.Epoch > o.Epoch {
		return +1
	}

	if r.ID < o.ID {
		return -1
	} else if r.ID > o.ID {
		return +1
	}

	return 0
}

func (r Revision) String() string {
	return fmt.Sprintf("%d:%d", r.Epoch, r.ID)
}

// RouteConfig is an immutable snapshot of the cluster topology.
type RouteConfig struct {
	bucketType BucketType
	revID      int64
	revEpoch   int64
	uuid       string
	name       string

	kvEndpoints        RouteEndpoints
	viewsEndpoints     RouteEndpoints
	mgmtEndpoints      RouteEndpoints
	queryEndpoints     RouteEndpoints
	searchEndpoints    RouteEndpoints
	analyticsEndpoints RouteEndpoints
	eventingEndpoints  RouteEndpoints

	clusterCapabilities ClusterCapabilities
	bucketCapabilities  BucketCapabilities

	vbMap     *routing.VbucketMap
	ketamaMap *routing.KetamaContinuum
}

// NewSeedRouteConfig creates the placeholder config used before the first
// real config is received, routing everything across the seed addresses.
func NewSeedRouteConfig(kvAddresses []string, useTLS bool) *RouteConfig {
	endpoints := make([]RouteEndpoint, len(kvAddresses))
	for i, address := range kvAddresses {
		endpoints[i] = RouteEndpoint{
			Address:    address,
			IsSeedNode: true,
		}
	}

	config := &RouteConfig{
		bucketType: BucketTypeNone,
		revID:      -1,
	}
	if useTLS {
		config.kvEndpoints.SSL = endpoints
	} else {
		config.kvEndpoints.NonSSL = endpoints
	}

	return config
}

func (c *RouteConfig) BucketType() BucketType { return c.bucketType }
func (c *RouteConfig) RevID() int64 { return c.revID }
func (c *RouteConfig) RevEpoch() int64 { return c.revEpoch }
func (c *RouteConfig) UUID() string { return c.uuid }
func (c *RouteConfig) Name() string { return c.name }

func (c *RouteConfig) Revision() Revision {
	return Revision{Epoch: c.revEpoch, ID: c.revID}
}

func (c *RouteConfig) KvEndpoints() RouteEndpoints { return c.kvEndpoints }
func (c *RouteConfig) ViewsEndpoints() RouteEndpoints { return c.viewsEndpoints }
func (c *RouteConfig) MgmtEndpoints() RouteEndpoints { return c.mgmtEndpoints }
func (c *RouteConfig) QueryEndpoints() RouteEndpoints { return c.queryEndpoints }
func (c *RouteConfig) SearchEndpoints() RouteEndpoints { return c.searchEndpoints }
func (c *RouteConfig) AnalyticsEndpoints() RouteEndpoints { return c.analyticsEndpoints }
func (c *RouteConfig) EventingEndpoints() RouteEndpoints { return c.eventingEndpoints }

func (c *RouteConfig) ClusterCapabilities() ClusterCapabilities { return c.clusterCapabilities }
func (c *RouteConfig) BucketCapabilities() BucketCapabilities { return c.bucketCapabilities }

func (c *RouteConfig) HasClusterCapability(capability ClusterCapability) bool {
	return c.clusterCapabilities.Supports(capability)
}

func (c *RouteConfig) HasBucketCapability(capability BucketCapability) bool {
	return c.bucketCapabilities.Supports(capability)
}

// VbMap returns the vbucket map, or nil for non-couchbase buckets.
func (c *RouteConfig) VbMap() *routing.VbucketMap {
	return c.vbMap
}

// KetamaMap returns the continuum, or nil for non-memcached buckets.
func (c *RouteConfig) KetamaMap() *routing.KetamaContinuum {
	return c.ketamaMap
}

func (c *RouteConfig) HasVbucketMap() bool {
	return c.vbMap != nil
}

// IsValid returns whether the config can be used for routing.  A config
// needs at least one key value endpoint, and couchbase or memcached
// buckets need a usable vbucket map or continuum respectively.
func (c *RouteConfig) IsValid() bool {
	if len(c.kvEndpoints.SSL) == 0 && len(c.kvEndpoints.NonSSL) == 0 {
		return false
	}

	switch c.bucketType {
	case BucketTypeNone:
		return true
	case BucketTypeCouchbase:
		return c.vbMap.IsValid()
	case BucketTypeMemcached:
		return c.ketamaMap.IsValid()
	}

	return false
}

// IsGCCCPConfig returns whether this is a cluster level config rather
// than a bucket config.
func (c *RouteConfig) IsGCCCPConfig() bool {
	return c.bucketType == BucketTypeNone
}

// IsNewerThan returns whether this config should replace other.  A lower
// epoch always loses, and at equal epochs a revision of 0 always wins since
// it marks an unversioned config.
func (c *RouteConfig) IsNewerThan(other *RouteConfig) bool {
	if c.revEpoch < other.revEpoch {
		return false
	}

	if c.revEpoch == other.revEpoch {
		if c.revID == 0 {
			return true
		}
		if c.revID <= other.revID {
			return false
		}
	}

	return true
}

func writeEndpoints(out *strings.Builder, title string, endpoints RouteEndpoints) {
	fmt.Fprintf(out, "%s endpoints:\n", title)
	out.WriteString("  TLS:\n")
	for _, ep := range endpoints.SSL {
		fmt.Fprintf(out, "  - %s seed: %t\n", ep.Address, ep.IsSeedNode)
	}
	out.WriteString("  non-TLS:\n")
	for _, ep := range endpoints.NonSSL {
		fmt.Fprintf(out, "  - %s seed: %t\n", ep.Address, ep.IsSeedNode)
	}
}

// DebugString renders the full config for logging.
func (c *RouteConfig) DebugString() string {
	var out strings.Builder

	fmt.Fprintf(&out, "revision ID: %d, revision epoch: %d, type: %s", c.revID, c.revEpoch, c.bucketType)
	if c.name != "" {
		fmt.Fprintf(&out, ", bucket: %q", c.name)
	}
	out.WriteByte('\n')

	writeEndpoints(&out, "key value", c.kvEndpoints)
	writeEndpoints(&out, "views", c.viewsEndpoints)
	writeEndpoints(&out, "management", c.mgmtEndpoints)
	writeEndpoints(&out, "query", c.queryEndpoints)
	writeEndpoints(&out, "search", c.searchEndpoints)
	writeEndpoints(&out, "analytics", c.analyticsEndpoints)
	writeEndpoints(&out, "eventing", c.eventingEndpoints)

	if c.vbMap != nil {
		out.WriteString(c.vbMap.DebugString())
	} else {
		out.WriteString("vbucket map: not-used")
	}
	out.WriteByte('\n')

	if c.ketamaMap != nil {
		out.WriteString(c.ketamaMap.DebugString())
	} else {
		out.WriteString("ketama map: not-used")
	}

	return out.String()
}

// RouteConfigSummary is a serializable view of a RouteConfig.
type RouteConfigSummary struct {
	BucketType          string   `json:"bucketType" yaml:"bucketType"`
	Name                string   `json:"name,omitempty" yaml:"name,omitempty"`
	UUID                string   `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	RevEpoch            int64    `json:"revEpoch" yaml:"revEpoch"`
	RevID               int64    `json:"revId" yaml:"revId"`
	KvEndpoints         []string `json:"kvEndpoints" yaml:"kvEndpoints"`
	MgmtEndpoints       []string `json:"mgmtEndpoints,omitempty" yaml:"mgmtEndpoints,omitempty"`
	QueryEndpoints      []string `json:"queryEndpoints,omitempty" yaml:"queryEndpoints,omitempty"`
	NumVbuckets         int      `json:"numVbuckets,omitempty" yaml:"numVbuckets,omitempty"`
	NumReplicas         int      `json:"numReplicas,omitempty" yaml:"numReplicas,omitempty"`
	BucketCapabilities  []string `json:"bucketCapabilities,omitempty" yaml:"bucketCapabilities,omitempty"`
	ClusterCapabilities []string `json:"clusterCapabilities,omitempty" yaml:"clusterCapabilities,omitempty"`
}

// Summary builds a serializable view of the config for the given
// connection security.
func (c *RouteConfig) Summary(useTLS bool) *RouteConfigSummary {
	summary := &RouteConfigSummary{
		BucketType:     c.bucketType.String(),
		Name:           c.name,
		UUID:           c.uuid,
		RevEpoch:       c.revEpoch,
		RevID:          c.revID,
		KvEndpoints:    c.kvEndpoints.Addresses(useTLS),
		MgmtEndpoints:  c.mgmtEndpoints.Addresses(useTLS),
		QueryEndpoints: c.queryEndpoints.Addresses(useTLS),
	}

	if c.vbMap != nil {
		summary.NumVbuckets = c.vbMap.NumVbuckets()
		summary.NumReplicas = c.vbMap.NumReplicas()
	}

	for _, capability := range c.bucketCapabilities.List() {
		summary.BucketCapabilities = append(summary.BucketCapabilities, string(capability))
	}
	for _, capability := range c.clusterCapabilities.List() {
		summary.ClusterCapabilities = append(summary.ClusterCapabilities, string(capability))
	}

	return summary
}
