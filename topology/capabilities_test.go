package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseClusterCapabilities(t *testing.T) {
	caps := map[string][]string{
		"n1ql":   {"costBasedOptimizer", "indexAdvisor", "whatIsThis"},
		"search": {"vectorSearch"},
	}

	t.Run("version 1", func(t *testing.T) {
		parsed := parseClusterCapabilities([]int{1, 0}, caps)
		assert.Equal(t, []ClusterCapability{
			ClusterCapabilityN1qlCostBasedOptimizer,
			ClusterCapabilityN1qlIndexAdvisor,
		}, parsed.List())
		assert.True(t, parsed.Supports(ClusterCapabilityN1qlIndexAdvisor))
		assert.False(t, parsed.Supports(ClusterCapabilityN1qlInlineFunctions))
	})

	t.Run("unknown version", func(t *testing.T) {
		parsed := parseClusterCapabilities([]int{2, 0}, caps)
		assert.Equal(t, []int{2, 0}, parsed.Version)
		assert.Empty(t, parsed.List())
		assert.False(t, parsed.Supports(ClusterCapabilityN1qlIndexAdvisor))
	})

	t.Run("missing version", func(t *testing.T) {
		parsed := parseClusterCapabilities(nil, caps)
		assert.Empty(t, parsed.List())
	})
}

func TestParseBucketCapabilities(t *testing.T) {
	parsed := parseBucketCapabilities([]string{
		"xattr", "dcp", "cbhello", "touch", "subdoc.ReviveDocument", "bogus", "",
	})

	assert.Equal(t, []BucketCapability{
		BucketCapabilityCbHello,
		BucketCapabilityDcp,
		BucketCapabilitySubdocReviveDocument,
		BucketCapabilityTouch,
		BucketCapabilityXattr,
	}, parsed.List())
	assert.False(t, parsed.Supports(BucketCapabilityRangeScan))
}
