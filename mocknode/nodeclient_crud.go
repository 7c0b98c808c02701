package mocknode

import (
	"encoding/binary"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/kvrouting/mcbp"
)

// checkKeyRouting replies to requests this node cannot serve.  Returns
// false when a reply has already been sent.
func (c *nodeClient) checkKeyRouting(pak *mcbp.Packet) bool {
	if c.selectedBucket == "" {
		c.sendBasicReply(pak, memd.StatusNoBucket, nil, nil, nil)
		return false
	}

	if len(pak.Key) == 0 {
		c.sendInvalidArgs(pak, "key is required")
		return false
	}

	if c.node.cluster.BucketType() != BucketTypeCouchbase {
		return true
	}

	if c.node.cluster.vbucketOwner(pak.Vbucket) != c.node.index {
		// the current config goes along with the rejection
		configBytes := c.node.cluster.terseConfigBytes(c.node.index, true)
		c.sendBasicReply(pak, memd.StatusNotMyVBucket, nil, configBytes, nil)
		return false
	}

	return true
}

func (c *nodeClient) handleCmdGetReq(pak *mcbp.Packet) {
	if !c.validatePacket(pak, validateFlagAllowKey) || !c.checkKeyRouting(pak) {
		return
	}

	doc := c.node.cluster.getDocument(pak.CollectionID, pak.Key)
	if doc == nil {
		c.sendBasicReply(pak, memd.StatusKeyNotFound, nil, nil, nil)
		return
	}

	extras := binary.BigEndian.AppendUint32(nil, doc.flags)

	value, datatype := doc.value, doc.datatype
	if c.memdConn.IsFeatureEnabled(memd.FeatureSnappy) {
		value, datatype = c.compressor.CompressContent(value, datatype)
	}

	c.writePacket(&mcbp.Packet{
		Magic:    memd.CmdMagicRes,
		Command:  pak.Command,
		Datatype: datatype,
		Status:   memd.StatusSuccess,
		Vbucket:  pak.Vbucket,
		Opaque:   pak.Opaque,
		Cas:      doc.cas,
		Extras:   extras,
		Value:    value,
	})
}

func (c *nodeClient) handleCmdSetReq(pak *mcbp.Packet) {
	if !c.validatePacket(pak, validateFlagAllowKey|validateFlagAllowValue|validateFlagAllowExtras) ||
		!c.checkKeyRouting(pak) {
		return
	}

	if len(pak.Extras) != 8 {
		c.sendInvalidArgs(pak, "set requires 8 bytes of extras")
		return
	}

	value, datatype, err := c.compressor.UncompressContent(pak.Value, pak.Datatype)
	if err != nil {
		c.sendInvalidArgs(pak, "value could not be decompressed")
		return
	}

	if pak.Cas != 0 {
		existing := c.node.cluster.getDocument(pak.CollectionID, pak.Key)
		if existing == nil {
			c.sendBasicReply(pak, memd.StatusKeyNotFound, nil, nil, nil)
			return
		}
		if existing.cas != pak.Cas {
			c.sendBasicReply(pak, memd.StatusKeyExists, nil, nil, nil)
			return
		}
	}

	cas := c.node.cluster.storeDocument(pak.CollectionID, pak.Key, &document{
		value:    append([]byte(nil), value...),
		flags:    binary.BigEndian.Uint32(pak.Extras[0:]),
		datatype: datatype,
	})

	c.writePacket(&mcbp.Packet{
		Magic:   memd.CmdMagicRes,
		Command: pak.Command,
		Status:  memd.StatusSuccess,
		Vbucket: pak.Vbucket,
		Opaque:  pak.Opaque,
		Cas:     cas,
	})
}

func (c *nodeClient) handleCmdDeleteReq(pak *mcbp.Packet) {
	if !c.validatePacket(pak, validateFlagAllowKey) || !c.checkKeyRouting(pak) {
		return
	}

	cas, ok := c.node.cluster.deleteDocument(pak.CollectionID, pak.Key)
	if !ok {
		c.sendBasicReply(pak, memd.StatusKeyNotFound, nil, nil, nil)
		return
	}

	c.writePacket(&mcbp.Packet{
		Magic:   memd.CmdMagicRes,
		Command: pak.Command,
		Status:  memd.StatusSuccess,
		Vbucket: pak.Vbucket,
		Opaque:  pak.Opaque,
		Cas:     cas,
	})
}
