package mcbp

import (
	"bytes"
	"testing"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInteropEncodeForMemd(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf)
	memdConn := memd.NewConn(&buf)

	err := conn.WritePacket(&Packet{
		Magic:    memd.CmdMagicReq,
		Command:  memd.CmdSet,
		Datatype: uint8(memd.DatatypeFlagJSON),
		Vbucket:  77,
		Opaque:   0x1234,
		Cas:      0xabcdef,
		Key:      []byte("doc-1"),
		Extras:   []byte{0, 0, 0, 1, 0, 0, 0, 2},
		Value:    []byte(`{"x":true}`),
	})
	require.NoError(t, err)

	pak, _, err := memdConn.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, memd.CmdMagicReq, pak.Magic)
	assert.Equal(t, memd.CmdSet, pak.Command)
	assert.Equal(t, uint8(memd.DatatypeFlagJSON), pak.Datatype)
	assert.Equal(t, uint16(77), pak.Vbucket)
	assert.Equal(t, uint32(0x1234), pak.Opaque)
	assert.Equal(t, uint64(0xabcdef), pak.Cas)
	assert.Equal(t, []byte("doc-1"), pak.Key)
	assert.Equal(t, []byte{0, 0, 0, 1, 0, 0, 0, 2}, pak.Extras)
	assert.Equal(t, []byte(`{"x":true}`), pak.Value)
}

func TestInteropDecodeFromMemd(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf)
	memdConn := memd.NewConn(&buf)

	err := memdConn.WritePacket(&memd.Packet{
		Magic:   memd.CmdMagicRes,
		Command: memd.CmdGet,
		Status:  memd.StatusKeyNotFound,
		Opaque:  5,
		Value:   []byte("not found"),
	})
	require.NoError(t, err)

	pak, _, err := conn.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, memd.CmdMagicRes, pak.Magic)
	assert.Equal(t, memd.CmdGet, pak.Command)
	assert.Equal(t, memd.StatusKeyNotFound, pak.Status)
	assert.Equal(t, uint32(5), pak.Opaque)
	assert.Equal(t, []byte("not found"), pak.Value)
}

func TestInteropCollections(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf)
	conn.EnableFeature(memd.FeatureCollections)
	memdConn := memd.NewConn(&buf)
	memdConn.EnableFeature(memd.FeatureCollections)

	err := memdConn.WritePacket(&memd.Packet{
		Magic:        memd.CmdMagicReq,
		Command:      memd.CmdGet,
		CollectionID: 300,
		Key:          []byte("scoped"),
	})
	require.NoError(t, err)

	pak, _, err := conn.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, uint32(300), pak.CollectionID)
	assert.Equal(t, []byte("scoped"), pak.Key)

	err = conn.WritePacket(&Packet{
		Magic:        memd.CmdMagicReq,
		Command:      memd.CmdDelete,
		CollectionID: 9,
		Key:          []byte("other"),
	})
	require.NoError(t, err)

	memdPak, _, err := memdConn.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, uint32(9), memdPak.CollectionID)
	assert.Equal(t, []byte("other"), memdPak.Key)
}

func TestInteropFrames(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf)
	conn.EnableFeature(memd.FeatureAltRequests)
	memdConn := memd.NewConn(&buf)
	memdConn.EnableFeature(memd.FeatureAltRequests)

	err := conn.WritePacket(&Packet{
		Magic:         memd.CmdMagicReq,
		Command:       memd.CmdGet,
		Key:           []byte("framed"),
		BarrierFrame:  &BarrierFrame{},
		StreamIDFrame: &StreamIDFrame{StreamID: 0x0102},
	})
	require.NoError(t, err)

	memdPak, _, err := memdConn.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, []byte("framed"), memdPak.Key)
	assert.NotNil(t, memdPak.BarrierFrame)
	require.NotNil(t, memdPak.StreamIDFrame)
	assert.Equal(t, uint16(0x0102), memdPak.StreamIDFrame.StreamID)
}
