package mcbp

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allFeaturesCodec() *Codec {
	return NewCodec(
		memd.FeatureAltRequests,
		memd.FeatureSyncReplication,
		memd.FeatureOpenTracing,
		memd.FeaturePreserveExpiry,
	)
}

func roundTrip(t *testing.T, codec *Codec, pak *Packet) *Packet {
	buf, err := codec.EncodePacket(pak)
	require.NoError(t, err)

	decoded, n, err := codec.DecodePacket(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)

	return decoded
}

func TestCodecHeaderLayout(t *testing.T) {
	codec := NewCodec()

	t.Run("Request", func(t *testing.T) {
		buf, err := codec.EncodePacket(&Packet{
			Magic:    memd.CmdMagicReq,
			Command:  memd.CmdSet,
			Datatype: uint8(memd.DatatypeFlagJSON),
			Vbucket:  513,
			Opaque:   0x01020304,
			Cas:      0x1122334455667788,
			Key:      []byte("key"),
			Extras:   []byte{1, 2, 3, 4, 5, 6, 7, 8},
			Value:    []byte("{}"),
		})
		require.NoError(t, err)
		require.Len(t, buf, HeaderLen+8+3+2)

		assert.Equal(t, uint8(0x80), buf[0])
		assert.Equal(t, uint8(memd.CmdSet), buf[1])
		assert.Equal(t, uint16(3), binary.BigEndian.Uint16(buf[2:]))
		assert.Equal(t, uint8(8), buf[4])
		assert.Equal(t, uint8(memd.DatatypeFlagJSON), buf[5])
		assert.Equal(t, uint16(513), binary.BigEndian.Uint16(buf[6:]))
		assert.Equal(t, uint32(13), binary.BigEndian.Uint32(buf[8:]))
		assert.Equal(t, uint32(0x01020304), binary.BigEndian.Uint32(buf[12:]))
		assert.Equal(t, uint64(0x1122334455667788), binary.BigEndian.Uint64(buf[16:]))
		assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, buf[24:32])
		assert.Equal(t, []byte("key"), buf[32:35])
		assert.Equal(t, []byte("{}"), buf[35:])
	})

	t.Run("Response", func(t *testing.T) {
		buf, err := codec.EncodePacket(&Packet{
			Magic:   memd.CmdMagicRes,
			Command: memd.CmdGet,
			Status:  memd.StatusKeyNotFound,
			Opaque:  9,
		})
		require.NoError(t, err)
		require.Len(t, buf, HeaderLen)

		assert.Equal(t, uint8(0x81), buf[0])
		assert.Equal(t, uint16(memd.StatusKeyNotFound), binary.BigEndian.Uint16(buf[6:]))
	})

	t.Run("ExtendedRequest", func(t *testing.T) {
		buf, err := allFeaturesCodec().EncodePacket(&Packet{
			Magic:        memd.CmdMagicReq,
			Command:      memd.CmdGet,
			Key:          []byte("hello"),
			BarrierFrame: &BarrierFrame{},
		})
		require.NoError(t, err)

		assert.Equal(t, uint8(0x08), buf[0])
		assert.Equal(t, uint8(1), buf[2])
		assert.Equal(t, uint8(5), buf[3])
		assert.Equal(t, uint8(0), buf[4])
		assert.Equal(t, uint32(6), binary.BigEndian.Uint32(buf[8:]))
		assert.Equal(t, uint8(0x00), buf[24])
	})

	t.Run("ExtendedResponse", func(t *testing.T) {
		buf, err := codec.EncodePacket(&Packet{
			Magic:          memd.CmdMagicRes,
			Command:        memd.CmdGet,
			ReadUnitsFrame: &ReadUnitsFrame{ReadUnits: 7},
		})
		require.NoError(t, err)

		assert.Equal(t, uint8(0x18), buf[0])
		assert.Equal(t, uint8(3), buf[2])
		assert.Equal(t, []byte{0x12, 0x00, 0x07}, buf[24:])
	})
}

func TestCodecRoundTrip(t *testing.T) {
	codec := allFeaturesCodec()

	t.Run("Plain", func(t *testing.T) {
		pak := &Packet{
			Magic:    memd.CmdMagicReq,
			Command:  memd.CmdSet,
			Datatype: uint8(memd.DatatypeFlagJSON),
			Vbucket:  12,
			Opaque:   44,
			Cas:      1234,
			Key:      []byte("some-key"),
			Extras:   []byte{0, 0, 0, 0, 0, 0, 0, 0},
			Value:    []byte(`{"a":1}`),
		}
		require.Equal(t, pak, roundTrip(t, codec, pak))
	})

	t.Run("AllRequestFrames", func(t *testing.T) {
		pak := &Packet{
			Magic:                  memd.CmdMagicReq,
			Command:                memd.CmdSet,
			Opaque:                 1,
			Key:                    []byte("k"),
			Value:                  []byte("v"),
			BarrierFrame:           &BarrierFrame{},
			DurabilityLevelFrame:   &DurabilityLevelFrame{DurabilityLevel: memd.DurabilityLevelMajority},
			DurabilityTimeoutFrame: &DurabilityTimeoutFrame{DurabilityTimeout: 1500 * time.Millisecond},
			StreamIDFrame:          &StreamIDFrame{StreamID: 0xbeef},
			OpenTracingFrame:       &OpenTracingFrame{TraceContext: []byte("a-long-trace-context-value")},
			UserImpersonationFrame: &UserImpersonationFrame{User: []byte("bob")},
			PreserveExpiryFrame:    &PreserveExpiryFrame{},
			UnsupportedFrames: []UnsupportedFrame{
				{Type: 9, Data: []byte("abc")},
				{Type: 20, Data: bytes.Repeat([]byte{0xaa}, 20)},
				{Type: 11},
			},
		}
		require.Equal(t, pak, roundTrip(t, codec, pak))
	})

	t.Run("DurabilityLevelOnly", func(t *testing.T) {
		pak := &Packet{
			Magic:                memd.CmdMagicReq,
			Command:              memd.CmdDelete,
			Key:                  []byte("k"),
			DurabilityLevelFrame: &DurabilityLevelFrame{DurabilityLevel: memd.DurabilityLevelPersistToMajority},
		}
		require.Equal(t, pak, roundTrip(t, codec, pak))
	})

	t.Run("ResponseFrames", func(t *testing.T) {
		pak := &Packet{
			Magic:           memd.CmdMagicRes,
			Command:         memd.CmdGet,
			Status:          memd.StatusSuccess,
			Cas:             99,
			Extras:          []byte{0, 0, 0, 1},
			Value:           []byte("value"),
			ReadUnitsFrame:  &ReadUnitsFrame{ReadUnits: 2},
			WriteUnitsFrame: &WriteUnitsFrame{WriteUnits: 3},
			UnsupportedFrames: []UnsupportedFrame{
				{Type: 7, Data: []byte{1}},
			},
		}
		require.Equal(t, pak, roundTrip(t, codec, pak))
	})

	t.Run("ServerDuration", func(t *testing.T) {
		pak := &Packet{
			Magic:               memd.CmdMagicRes,
			Command:             memd.CmdGet,
			ServerDurationFrame: &ServerDurationFrame{ServerDuration: 1500 * time.Microsecond},
		}
		decoded := roundTrip(t, codec, pak)
		require.NotNil(t, decoded.ServerDurationFrame)
		assert.Equal(t,
			memd.DecodeSrvDura16(memd.EncodeSrvDura16(1500*time.Microsecond)),
			decoded.ServerDurationFrame.ServerDuration)
	})

	t.Run("LongKeyPlain", func(t *testing.T) {
		pak := &Packet{
			Magic:   memd.CmdMagicReq,
			Command: memd.CmdGet,
			Key:     bytes.Repeat([]byte("x"), 1000),
		}
		require.Equal(t, pak, roundTrip(t, codec, pak))
	})
}

func TestCodecFrameEscapes(t *testing.T) {
	codec := allFeaturesCodec()

	buf, err := codec.EncodePacket(&Packet{
		Magic:   memd.CmdMagicReq,
		Command: memd.CmdGet,
		UnsupportedFrames: []UnsupportedFrame{
			{Type: 20, Data: bytes.Repeat([]byte{1}, 20)},
		},
	})
	require.NoError(t, err)

	// type 20 is 15+5 and length 20 is 15+5
	assert.Equal(t, uint8(23), buf[2])
	assert.Equal(t, []byte{0xff, 0x05, 0x05}, buf[24:27])

	buf, err = codec.EncodePacket(&Packet{
		Magic:            memd.CmdMagicReq,
		Command:          memd.CmdGet,
		OpenTracingFrame: &OpenTracingFrame{TraceContext: bytes.Repeat([]byte("t"), 14)},
	})
	require.NoError(t, err)
	assert.Equal(t, uint8(15), buf[2])
	assert.Equal(t, uint8(0x3e), buf[24])

	buf, err = codec.EncodePacket(&Packet{
		Magic:            memd.CmdMagicReq,
		Command:          memd.CmdGet,
		OpenTracingFrame: &OpenTracingFrame{TraceContext: bytes.Repeat([]byte("t"), 15)},
	})
	require.NoError(t, err)
	assert.Equal(t, uint8(17), buf[2])
	assert.Equal(t, []byte{0x3f, 0x00}, buf[24:26])
}

func TestCodecFeatureChecks(t *testing.T) {
	t.Run("FramesWithoutAltRequests", func(t *testing.T) {
		_, err := NewCodec().EncodePacket(&Packet{
			Magic:        memd.CmdMagicReq,
			Command:      memd.CmdGet,
			BarrierFrame: &BarrierFrame{},
		})
		require.ErrorIs(t, err, ErrUnsupportedOperation)
	})

	t.Run("ResponseFramesNeedNothing", func(t *testing.T) {
		_, err := NewCodec().EncodePacket(&Packet{
			Magic:           memd.CmdMagicRes,
			Command:         memd.CmdGet,
			WriteUnitsFrame: &WriteUnitsFrame{WriteUnits: 1},
		})
		require.NoError(t, err)
	})

	featureTests := []struct {
		name string
		pak  *Packet
	}{
		{
			name: "Durability",
			pak: &Packet{
				DurabilityLevelFrame: &DurabilityLevelFrame{DurabilityLevel: memd.DurabilityLevelMajority},
			},
		},
		{
			name: "OpenTracing",
			pak: &Packet{
				OpenTracingFrame: &OpenTracingFrame{TraceContext: []byte("ctx")},
			},
		},
		{
			name: "PreserveExpiry",
			pak: &Packet{
				PreserveExpiryFrame: &PreserveExpiryFrame{},
			},
		},
	}
	for _, test := range featureTests {
		t.Run(test.name, func(t *testing.T) {
			test.pak.Magic = memd.CmdMagicReq
			test.pak.Command = memd.CmdSet
			_, err := NewCodec(memd.FeatureAltRequests).EncodePacket(test.pak)
			require.ErrorIs(t, err, ErrFeatureNotAvailable)
		})
	}
}

func TestCodecInvalidArguments(t *testing.T) {
	codec := allFeaturesCodec()

	tests := []struct {
		name string
		pak  *Packet
	}{
		{
			name: "UnknownMagic",
			pak:  &Packet{Magic: CmdMagic(0x42), Command: memd.CmdGet},
		},
		{
			name: "ExtendedMagicSpecified",
			pak:  &Packet{Magic: cmdMagicReqExt, Command: memd.CmdGet},
		},
		{
			name: "StatusOnRequest",
			pak:  &Packet{Magic: memd.CmdMagicReq, Command: memd.CmdGet, Status: memd.StatusBusy},
		},
		{
			name: "VbucketOnResponse",
			pak:  &Packet{Magic: memd.CmdMagicRes, Command: memd.CmdGet, Vbucket: 3},
		},
		{
			name: "TimeoutWithoutLevel",
			pak: &Packet{
				Magic:                  memd.CmdMagicReq,
				Command:                memd.CmdSet,
				DurabilityTimeoutFrame: &DurabilityTimeoutFrame{DurabilityTimeout: time.Second},
			},
		},
		{
			name: "ResponseFrameOnRequest",
			pak: &Packet{
				Magic:          memd.CmdMagicReq,
				Command:        memd.CmdGet,
				ReadUnitsFrame: &ReadUnitsFrame{ReadUnits: 1},
			},
		},
		{
			name: "RequestFrameOnResponse",
			pak: &Packet{
				Magic:        memd.CmdMagicRes,
				Command:      memd.CmdGet,
				BarrierFrame: &BarrierFrame{},
			},
		},
		{
			name: "LongKeyWithFrames",
			pak: &Packet{
				Magic:        memd.CmdMagicReq,
				Command:      memd.CmdGet,
				Key:          bytes.Repeat([]byte("k"), 256),
				BarrierFrame: &BarrierFrame{},
			},
		},
		{
			name: "LongExtras",
			pak: &Packet{
				Magic:   memd.CmdMagicReq,
				Command: memd.CmdGet,
				Extras:  make([]byte, 256),
			},
		},
		{
			name: "OversizedFrame",
			pak: &Packet{
				Magic:            memd.CmdMagicReq,
				Command:          memd.CmdGet,
				OpenTracingFrame: &OpenTracingFrame{TraceContext: make([]byte, 271)},
			},
		},
		{
			name: "CollectionWithoutCollections",
			pak: &Packet{
				Magic:        memd.CmdMagicReq,
				Command:      memd.CmdGet,
				CollectionID: 8,
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := codec.EncodePacket(test.pak)
			require.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestCodecDurabilityTimeoutClamping(t *testing.T) {
	codec := allFeaturesCodec()

	encodeTimeout := func(dura time.Duration) time.Duration {
		decoded := roundTrip(t, codec, &Packet{
			Magic:                  memd.CmdMagicReq,
			Command:                memd.CmdSet,
			DurabilityLevelFrame:   &DurabilityLevelFrame{DurabilityLevel: memd.DurabilityLevelMajority},
			DurabilityTimeoutFrame: &DurabilityTimeoutFrame{DurabilityTimeout: dura},
		})
		require.NotNil(t, decoded.DurabilityTimeoutFrame)
		return decoded.DurabilityTimeoutFrame.DurabilityTimeout
	}

	assert.Equal(t, 1*time.Millisecond, encodeTimeout(0))
	assert.Equal(t, 1*time.Millisecond, encodeTimeout(10*time.Microsecond))
	assert.Equal(t, 2500*time.Millisecond, encodeTimeout(2500*time.Millisecond))
	assert.Equal(t, 65535*time.Millisecond, encodeTimeout(10*time.Minute))
}

func TestCodecCollections(t *testing.T) {
	codec := NewCodec(memd.FeatureCollections)
	require.True(t, codec.CollectionsEnabled())
	require.True(t, codec.IsFeatureEnabled(memd.FeatureCollections))

	t.Run("KeyPrefix", func(t *testing.T) {
		pak := &Packet{
			Magic:        memd.CmdMagicReq,
			Command:      memd.CmdGet,
			CollectionID: 200,
			Key:          []byte("hello"),
		}
		buf, err := codec.EncodePacket(pak)
		require.NoError(t, err)

		// 200 encodes as two leb128 bytes
		assert.Equal(t, uint16(7), binary.BigEndian.Uint16(buf[2:]))
		assert.Equal(t, []byte{0xc8, 0x01}, buf[24:26])
		assert.Equal(t, []byte("hello"), buf[26:])

		decoded, _, err := codec.DecodePacket(buf)
		require.NoError(t, err)
		assert.Equal(t, pak, decoded)
	})

	t.Run("DefaultCollection", func(t *testing.T) {
		pak := &Packet{
			Magic:   memd.CmdMagicReq,
			Command: memd.CmdSet,
			Key:     []byte("hello"),
			Extras:  make([]byte, 8),
		}
		buf, err := codec.EncodePacket(pak)
		require.NoError(t, err)
		assert.Equal(t, uint8(0x00), buf[24+8])

		decoded, _, err := codec.DecodePacket(buf)
		require.NoError(t, err)
		assert.Equal(t, pak, decoded)
	})

	t.Run("GetRandom", func(t *testing.T) {
		pak := &Packet{
			Magic:        memd.CmdMagicReq,
			Command:      memd.CmdGetRandom,
			CollectionID: 0x0a0b0c0d,
		}
		buf, err := codec.EncodePacket(pak)
		require.NoError(t, err)
		assert.Equal(t, uint8(4), buf[4])
		assert.Equal(t, []byte{0x0a, 0x0b, 0x0c, 0x0d}, buf[24:])

		decoded, _, err := codec.DecodePacket(buf)
		require.NoError(t, err)
		assert.Equal(t, pak, decoded)
	})

	t.Run("GetRandomWithExtras", func(t *testing.T) {
		_, err := codec.EncodePacket(&Packet{
			Magic:        memd.CmdMagicReq,
			Command:      memd.CmdGetRandom,
			CollectionID: 8,
			Extras:       []byte{1, 2, 3, 4},
		})
		require.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("UnsupportedCommand", func(t *testing.T) {
		_, err := codec.EncodePacket(&Packet{
			Magic:        memd.CmdMagicReq,
			Command:      memd.CmdNoop,
			CollectionID: 9,
		})
		require.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("ObserveEncode", func(t *testing.T) {
		_, err := codec.EncodePacket(&Packet{
			Magic:   memd.CmdMagicReq,
			Command: memd.CmdObserve,
		})
		require.ErrorIs(t, err, ErrFeatureNotAvailable)
	})

	t.Run("ObserveDecode", func(t *testing.T) {
		buf, err := NewCodec().EncodePacket(&Packet{
			Magic:   memd.CmdMagicRes,
			Command: memd.CmdObserve,
			Value:   []byte{0, 1, 0, 1},
		})
		require.NoError(t, err)

		_, _, err = codec.DecodePacket(buf)
		require.ErrorIs(t, err, ErrFeatureNotAvailable)
	})
}

func TestCodecDecodeErrors(t *testing.T) {
	codec := allFeaturesCodec()

	t.Run("ShortHeader", func(t *testing.T) {
		_, _, err := codec.DecodePacket(make([]byte, 10))
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("ShortBody", func(t *testing.T) {
		buf, err := codec.EncodePacket(&Packet{
			Magic:   memd.CmdMagicReq,
			Command: memd.CmdSet,
			Key:     []byte("key"),
			Value:   []byte("value"),
		})
		require.NoError(t, err)

		_, _, err = codec.DecodePacket(buf[:len(buf)-1])
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("UnknownMagic", func(t *testing.T) {
		buf := make([]byte, HeaderLen)
		buf[0] = 0x42
		_, _, err := codec.DecodePacket(buf)
		require.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("LengthsExceedBody", func(t *testing.T) {
		buf := make([]byte, HeaderLen+4)
		buf[0] = uint8(memd.CmdMagicReq)
		binary.BigEndian.PutUint16(buf[2:], 3)
		buf[4] = 2
		binary.BigEndian.PutUint32(buf[8:], 4)

		_, _, err := codec.DecodePacket(buf)
		require.ErrorIs(t, err, ErrProtocol)

		var protoErr ProtocolError
		require.ErrorAs(t, err, &protoErr)
		assert.NotEmpty(t, protoErr.Reason)
	})

	t.Run("TruncatedFrameHeader", func(t *testing.T) {
		buf := make([]byte, HeaderLen+1)
		buf[0] = uint8(cmdMagicReqExt)
		buf[2] = 1
		binary.BigEndian.PutUint32(buf[8:], 1)
		// type nibble of 15 requires an escape byte which is missing
		buf[24] = 0xf0

		_, _, err := codec.DecodePacket(buf)
		require.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("TruncatedFrameData", func(t *testing.T) {
		buf := make([]byte, HeaderLen+2)
		buf[0] = uint8(cmdMagicResExt)
		buf[2] = 2
		binary.BigEndian.PutUint32(buf[8:], 2)
		buf[24] = 0x05

		_, _, err := codec.DecodePacket(buf)
		require.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("TruncatedCollectionID", func(t *testing.T) {
		buf := make([]byte, HeaderLen+1)
		buf[0] = uint8(memd.CmdMagicReq)
		buf[1] = uint8(memd.CmdGet)
		binary.BigEndian.PutUint16(buf[2:], 1)
		binary.BigEndian.PutUint32(buf[8:], 1)
		buf[24] = 0x80

		_, _, err := NewCodec(memd.FeatureCollections).DecodePacket(buf)
		require.ErrorIs(t, err, ErrProtocol)
	})
}

func TestCodecDecodeMalformedKnownFrames(t *testing.T) {
	codec := allFeaturesCodec()

	// a stream id frame with a single byte of data is not a valid stream id
	buf := make([]byte, HeaderLen+2)
	buf[0] = uint8(cmdMagicReqExt)
	buf[2] = 2
	binary.BigEndian.PutUint32(buf[8:], 2)
	buf[24] = 0x21
	buf[25] = 0x7f

	pak, _, err := codec.DecodePacket(buf)
	require.NoError(t, err)
	assert.Nil(t, pak.StreamIDFrame)
	assert.Equal(t, []UnsupportedFrame{{Type: 2, Data: []byte{0x7f}}}, pak.UnsupportedFrames)
	assert.Equal(t, memd.CmdMagicReq, pak.Magic)
}

func TestCodecDecodeMultiplePackets(t *testing.T) {
	codec := NewCodec()

	var stream []byte
	for i := 0; i < 3; i++ {
		buf, err := codec.EncodePacket(&Packet{
			Magic:   memd.CmdMagicReq,
			Command: memd.CmdNoop,
			Opaque:  uint32(i),
		})
		require.NoError(t, err)
		stream = append(stream, buf...)
	}

	for i := 0; i < 3; i++ {
		pak, n, err := codec.DecodePacket(stream)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), pak.Opaque)
		stream = stream[n:]
	}
	require.Empty(t, stream)
}

func TestPacketHasFrames(t *testing.T) {
	assert.False(t, (&Packet{}).HasFrames())
	assert.True(t, (&Packet{BarrierFrame: &BarrierFrame{}}).HasFrames())
	assert.True(t, (&Packet{UnsupportedFrames: []UnsupportedFrame{{Type: 1}}}).HasFrames())
}
