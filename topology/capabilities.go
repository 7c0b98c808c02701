package topology

import "golang.org/x/exp/slices"

type ClusterCapability string

const (
	ClusterCapabilityN1qlCostBasedOptimizer         = ClusterCapability("n1ql.costBasedOptimizer")
	ClusterCapabilityN1qlIndexAdvisor               = ClusterCapability("n1ql.indexAdvisor")
	ClusterCapabilityN1qlJavaScriptFunctions        = ClusterCapability("n1ql.javaScriptFunctions")
	ClusterCapabilityN1qlInlineFunctions            = ClusterCapability("n1ql.inlineFunctions")
	ClusterCapabilityN1qlEnhancedPreparedStatements = ClusterCapability("n1ql.enhancedPreparedStatements")
)

var n1qlCapabilityNames = map[string]ClusterCapability{
	"costBasedOptimizer":         ClusterCapabilityN1qlCostBasedOptimizer,
	"indexAdvisor":               ClusterCapabilityN1qlIndexAdvisor,
	"javaScriptFunctions":        ClusterCapabilityN1qlJavaScriptFunctions,
	"inlineFunctions":            ClusterCapabilityN1qlInlineFunctions,
	"enhancedPreparedStatements": ClusterCapabilityN1qlEnhancedPreparedStatements,
}

type BucketCapability string

const (
	BucketCapabilityCbHello                    = BucketCapability("cbhello")
	BucketCapabilityCccp                       = BucketCapability("cccp")
	BucketCapabilityCollections                = BucketCapability("collections")
	BucketCapabilityCouchapi                   = BucketCapability("couchapi")
	BucketCapabilityDcp                        = BucketCapability("dcp")
	BucketCapabilityDurableWrite               = BucketCapability("durableWrite")
	BucketCapabilityNodesExt                   = BucketCapability("nodesExt")
	BucketCapabilityPreserveExpiry             = BucketCapability("preserveExpiry")
	BucketCapabilityRangeScan                  = BucketCapability("rangeScan")
	BucketCapabilitySubdocDocumentMacroSupport = BucketCapability("subdoc.DocumentMacroSupport")
	BucketCapabilitySubdocReplaceBodyWithXattr = BucketCapability("subdoc.ReplaceBodyWithXattr")
	BucketCapabilitySubdocReviveDocument       = BucketCapability("subdoc.ReviveDocument")
	BucketCapabilityTombstonedUserXattrs       = BucketCapability("tombstonedUserXAttrs")
	BucketCapabilityTouch                      = BucketCapability("touch")
	BucketCapabilityXattr                      = BucketCapability("xattr")
	BucketCapabilityXdcrCheckpointing          = BucketCapability("xdcrCheckpointing")
)

var knownBucketCapabilities = []BucketCapability{
	BucketCapabilityCbHello,
	BucketCapabilityCccp,
	BucketCapabilityCollections,
	BucketCapabilityCouchapi,
	BucketCapabilityDcp,
	BucketCapabilityDurableWrite,
	BucketCapabilityNodesExt,
	BucketCapabilityPreserveExpiry,
	BucketCapabilityRangeScan,
	BucketCapabilitySubdocDocumentMacroSupport,
	BucketCapabilitySubdocReplaceBodyWithXattr,
	BucketCapabilitySubdocReviveDocument,
	BucketCapabilityTombstonedUserXattrs,
	BucketCapabilityTouch,
	BucketCapabilityXattr,
	BucketCapabilityXdcrCheckpointing,
}

// ClusterCapabilities is the set of cluster capabilities along with the
// capability version the cluster reported.
type ClusterCapabilities struct {
	Version      []int
	capabilities map[ClusterCapability]struct{}
}

func (c ClusterCapabilities) Supports(capability ClusterCapability) bool {
	_, ok := c.capabilities[capability]
	return ok
}

// List returns the supported capabilities in sorted order.
func (c ClusterCapabilities) List() []ClusterCapability {
	out := make([]ClusterCapability, 0, len(c.capabilities))
	for capability := range c.capabilities {
		out = append(out, capability)
	}
	slices.Sort(out)
	return out
}

type BucketCapabilities struct {
	capabilities map[BucketCapability]struct{}
}

func (c BucketCapabilities) Supports(capability BucketCapability) bool {
	_, ok := c.capabilities[capability]
	return ok
}

func (c BucketCapabilities) List() []BucketCapability {
	out := make([]BucketCapability, 0, len(c.capabilities))
	for capability := range c.capabilities {
		out = append(out, capability)
	}
	slices.Sort(out)
	return out
}

// parseClusterCapabilities only understands version 1 of the capabilities
// block, for any other version only the version is kept.
func parseClusterCapabilities(versions []int, caps map[string][]string) ClusterCapabilities {
	out := ClusterCapabilities{
		Version: versions,
	}
	if len(versions) == 0 || versions[0] != 1 {
		return out
	}

	out.capabilities = make(map[ClusterCapability]struct{})
	for _, name := range caps["n1ql"] {
		if capability, ok := n1qlCapabilityNames[name]; ok {
			out.capabilities[capability] = struct{}{}
		}
	}

	return out
}

func parseBucketCapabilities(names []string) BucketCapabilities {
	out := BucketCapabilities{
		capabilities: make(map[BucketCapability]struct{}),
	}
	for _, name := range names {
		capability := BucketCapability(name)
		if slices.Contains(knownBucketCapabilities, capability) {
			out.capabilities[capability] = struct{}{}
		}
	}
	return out
}
