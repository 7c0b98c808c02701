package mocknode

import (
	"encoding/binary"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/kvrouting/mcbp"
	"go.uber.org/zap"
)

type validateFlags int

const (
	validateFlagAllowKey validateFlags = 1 << iota
	validateFlagAllowValue
	validateFlagAllowExtras
)

func (c *nodeClient) validatePacket(pak *mcbp.Packet, flags validateFlags) bool {
	markInvalid := func(reason string) bool {
		c.sendInvalidArgs(pak, reason)
		return false
	}

	if flags&validateFlagAllowKey == 0 && len(pak.Key) != 0 {
		return markInvalid("key should be empty")
	}
	if flags&validateFlagAllowValue == 0 && len(pak.Value) != 0 {
		return markInvalid("value should be empty")
	}
	if flags&validateFlagAllowExtras == 0 && len(pak.Extras) != 0 {
		return markInvalid("extras should be empty")
	}

	return true
}

var supportedFeatures = map[mcbp.HelloFeature]bool{
	memd.FeatureDatatype:        true,
	memd.FeatureXattr:           true,
	memd.FeatureXerror:          true,
	memd.FeatureSelectBucket:    true,
	memd.FeatureSnappy:          true,
	memd.FeatureJSON:            true,
	memd.FeatureUnorderedExec:   true,
	memd.FeatureDurations:       true,
	memd.FeatureAltRequests:     true,
	memd.FeatureSyncReplication: true,
	memd.FeatureCollections:     true,
	memd.FeaturePreserveExpiry:  true,
}

func (c *nodeClient) handleCmdHelloReq(pak *mcbp.Packet) {
	if !c.validatePacket(pak, validateFlagAllowKey|validateFlagAllowValue) {
		return
	}

	if len(pak.Value)%2 != 0 {
		c.sendInvalidArgs(pak, "value length not divisible by 2")
		return
	}

	c.helloName = string(pak.Key)

	var enabledFeatures []mcbp.HelloFeature
	for i := 0; i < len(pak.Value); i += 2 {
		feature := mcbp.HelloFeature(binary.BigEndian.Uint16(pak.Value[i:]))
		if supportedFeatures[feature] {
			enabledFeatures = append(enabledFeatures, feature)
		}
	}

	enabledFeatureBytes := make([]byte, 0, len(enabledFeatures)*2)
	enabledFeatureCodes := make([]uint16, 0, len(enabledFeatures))
	for _, feature := range enabledFeatures {
		enabledFeatureBytes = binary.BigEndian.AppendUint16(enabledFeatureBytes, uint16(feature))
		enabledFeatureCodes = append(enabledFeatureCodes, uint16(feature))
	}

	c.sendSuccessReply(pak, nil, enabledFeatureBytes, nil)

	// the reply is encoded without the new features, as the client only
	// enables them once it has read it
	for _, feature := range enabledFeatures {
		c.memdConn.EnableFeature(feature)
	}

	c.logger.Debug("client hello completed",
		zap.String("name", c.helloName),
		zap.Uint16s("features", enabledFeatureCodes))
}

func (c *nodeClient) handleCmdSelectBucketReq(pak *mcbp.Packet) {
	if !c.validatePacket(pak, validateFlagAllowKey) {
		return
	}

	if string(pak.Key) != c.node.cluster.BucketName() {
		c.sendBasicReply(pak, memd.StatusKeyNotFound, nil, nil, nil)
		return
	}

	c.selectedBucket = string(pak.Key)
	c.sendSuccessReply(pak, nil, nil, nil)
}

func (c *nodeClient) handleCmdGetClusterConfigReq(pak *mcbp.Packet) {
	if !c.validatePacket(pak, 0) {
		return
	}

	// memcached buckets only serve configs over http
	if c.selectedBucket != "" && c.node.cluster.BucketType() == BucketTypeMemcached {
		c.sendBasicReply(pak, memd.StatusNotSupported, nil, nil, nil)
		return
	}

	configBytes := c.node.cluster.terseConfigBytes(c.node.index, c.selectedBucket != "")
	c.sendSuccessReply(pak, nil, configBytes, nil)
}

func (c *nodeClient) handleCmdNoopReq(pak *mcbp.Packet) {
	if !c.validatePacket(pak, 0) {
		return
	}

	c.sendSuccessReply(pak, nil, nil, nil)
}
