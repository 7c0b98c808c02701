/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package mcbp

import (
	"encoding/binary"
	"io"
	"math"
	"time"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/pkg/errors"
)

// HeaderLen is the size of the fixed packet header.
const HeaderLen = 24

const (
	maxFrameType = 15 + math.MaxUint8
	maxFrameLen  = 15 + math.MaxUint8
)

// Codec encodes and decodes packets according to the set of features
// negotiated on a connection.  Features must be enabled before the codec
// is used concurrently.
type Codec struct {
	enabledFeatures    map[HelloFeature]struct{}
	collectionsEnabled bool
}

// NewCodec creates a codec with the specified features already enabled.
func NewCodec(features ...HelloFeature) *Codec {
	c := &Codec{
		enabledFeatures: make(map[HelloFeature]struct{}),
	}
	for _, feature := range features {
		c.EnableFeature(feature)
	}
	return c
}

// EnableFeature enables a particular feature on this codec.
func (c *Codec) EnableFeature(feature HelloFeature) {
	c.enabledFeatures[feature] = struct{}{}
	if feature == memd.FeatureCollections {
		c.collectionsEnabled = true
	}
}

// IsFeatureEnabled indicates whether a particular feature is enabled.
func (c *Codec) IsFeatureEnabled(feature HelloFeature) bool {
	_, ok := c.enabledFeatures[feature]
	return ok
}

// CollectionsEnabled indicates whether keys carry collection ids.
func (c *Codec) CollectionsEnabled() bool {
	return c.collectionsEnabled
}

func (c *Codec) encodeKeyAndExtras(pak *Packet) ([]byte, []byte, error) {
	key := pak.Key
	extras := pak.Extras

	if !c.collectionsEnabled {
		if pak.CollectionID > 0 {
			return nil, nil, errors.Wrap(ErrInvalidArgument, "cannot encode collection id without collections enabled")
		}
		return key, extras, nil
	}

	if pak.Command == memd.CmdObserve {
		// the observe key lives inside the value, so we have no way to
		// prefix it with a collection id.
		return nil, nil, errors.Wrap(ErrFeatureNotAvailable, "observe is not supported with collections enabled")
	}

	if memd.IsCommandCollectionEncoded(pak.Command) {
		encodedKey := make([]byte, 0, len(key)+5)
		encodedKey = memd.AppendULEB128_32(encodedKey, pak.CollectionID)
		encodedKey = append(encodedKey, key...)
		return encodedKey, extras, nil
	}

	if pak.Command == memd.CmdGetRandom && pak.Magic == memd.CmdMagicReq {
		// GetRandom carries the collection id in the extras, without
		// leb128 encoding.
		if len(extras) > 0 {
			return nil, nil, errors.Wrap(ErrInvalidArgument, "cannot specify extras for GetRandom with collections enabled")
		}
		extras = make([]byte, 4)
		binary.BigEndian.PutUint32(extras, pak.CollectionID)
		return key, extras, nil
	}

	if pak.CollectionID > 0 {
		return nil, nil, errors.Wrapf(ErrInvalidArgument, "cannot encode collection id with %s", pak.Command.Name())
	}

	return key, extras, nil
}

func (c *Codec) checkRequestFrameFeatures(pak *Packet) error {
	if !c.IsFeatureEnabled(memd.FeatureAltRequests) {
		return errors.Wrap(ErrUnsupportedOperation, "cannot use frames in req packets without enabling the feature")
	}
	if pak.DurabilityLevelFrame != nil && !c.IsFeatureEnabled(memd.FeatureSyncReplication) {
		return errors.Wrap(ErrFeatureNotAvailable, "cannot use synchronous durability without enabling the feature")
	}
	if pak.OpenTracingFrame != nil && !c.IsFeatureEnabled(memd.FeatureOpenTracing) {
		return errors.Wrap(ErrFeatureNotAvailable, "cannot use open tracing without enabling the feature")
	}
	if pak.PreserveExpiryFrame != nil && !c.IsFeatureEnabled(memd.FeaturePreserveExpiry) {
		return errors.Wrap(ErrFeatureNotAvailable, "cannot use preserve expiry without enabling the feature")
	}
	return nil
}

func appendFrame(buf []byte, frameType FrameType, data []byte) ([]byte, error) {
	if frameType > maxFrameType {
		return nil, errors.Wrapf(ErrInvalidArgument, "frame type %d is too large to encode", frameType)
	}
	if len(data) > maxFrameLen {
		return nil, errors.Wrapf(ErrInvalidArgument, "frame data of %d bytes is too large to encode", len(data))
	}

	buf = appendFrameHeader(buf, frameType, len(data))
	buf = append(buf, data...)
	return buf, nil
}

func encodeDurabilityTimeout(dura time.Duration) []byte {
	timeoutMs := dura.Milliseconds()
	if timeoutMs < 1 {
		timeoutMs = 1
	} else if timeoutMs > math.MaxUint16 {
		timeoutMs = math.MaxUint16
	}

	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, uint16(timeoutMs))
	return out
}

func encodeU16(val uint16) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, val)
	return out
}

func (c *Codec) encodeFrames(pak *Packet) ([]byte, error) {
	var buf []byte
	var err error

	isRequest := pak.Magic == memd.CmdMagicReq
	hasReqFrames := pak.BarrierFrame != nil ||
		pak.DurabilityLevelFrame != nil ||
		pak.DurabilityTimeoutFrame != nil ||
		pak.StreamIDFrame != nil ||
		pak.OpenTracingFrame != nil ||
		pak.UserImpersonationFrame != nil ||
		pak.PreserveExpiryFrame != nil
	hasResFrames := pak.ServerDurationFrame != nil ||
		pak.ReadUnitsFrame != nil ||
		pak.WriteUnitsFrame != nil

	if isRequest && hasResFrames {
		return nil, errors.Wrap(ErrInvalidArgument, "cannot use response frames in a request packet")
	}
	if !isRequest && hasReqFrames {
		return nil, errors.Wrap(ErrInvalidArgument, "cannot use request frames in a response packet")
	}

	if pak.BarrierFrame != nil {
		buf = appendFrameHeader(buf, frameTypeReqBarrier, 0)
	}

	if pak.DurabilityLevelFrame != nil {
		data := []byte{uint8(pak.DurabilityLevelFrame.DurabilityLevel)}
		if pak.DurabilityTimeoutFrame != nil {
			data = append(data, encodeDurabilityTimeout(pak.DurabilityTimeoutFrame.DurabilityTimeout)...)
		}
		buf, err = appendFrame(buf, frameTypeReqSyncDurability, data)
		if err != nil {
			return nil, err
		}
	} else if pak.DurabilityTimeoutFrame != nil {
		return nil, errors.Wrap(ErrInvalidArgument, "cannot encode durability timeout frame without durability level frame")
	}

	if pak.StreamIDFrame != nil {
		buf, err = appendFrame(buf, frameTypeReqStreamID, encodeU16(pak.StreamIDFrame.StreamID))
		if err != nil {
			return nil, err
		}
	}

	if pak.OpenTracingFrame != nil {
		if len(pak.OpenTracingFrame.TraceContext) == 0 {
			return nil, errors.Wrap(ErrInvalidArgument, "open tracing frame requires a trace context")
		}
		buf, err = appendFrame(buf, frameTypeReqOpenTracing, pak.OpenTracingFrame.TraceContext)
		if err != nil {
			return nil, err
		}
	}

	if pak.UserImpersonationFrame != nil {
		if len(pak.UserImpersonationFrame.User) == 0 {
			return nil, errors.Wrap(ErrInvalidArgument, "user impersonation frame requires a user")
		}
		buf, err = appendFrame(buf, frameTypeReqUserImpersonation, pak.UserImpersonationFrame.User)
		if err != nil {
			return nil, err
		}
	}

	if pak.PreserveExpiryFrame != nil {
		buf = appendFrameHeader(buf, frameTypeReqPreserveExpiry, 0)
	}

	if pak.ServerDurationFrame != nil {
		encoded := memd.EncodeSrvDura16(pak.ServerDurationFrame.ServerDuration)
		buf, err = appendFrame(buf, frameTypeResSrvDuration, encodeU16(encoded))
		if err != nil {
			return nil, err
		}
	}

	if pak.ReadUnitsFrame != nil {
		buf, err = appendFrame(buf, frameTypeResReadUnits, encodeU16(pak.ReadUnitsFrame.ReadUnits))
		if err != nil {
			return nil, err
		}
	}

	if pak.WriteUnitsFrame != nil {
		buf, err = appendFrame(buf, frameTypeResWriteUnits, encodeU16(pak.WriteUnitsFrame.WriteUnits))
		if err != nil {
			return nil, err
		}
	}

	for _, frame := range pak.UnsupportedFrames {
		buf, err = appendFrame(buf, frame.Type, frame.Data)
		if err != nil {
			return nil, err
		}
	}

	return buf, nil
}

// EncodePacket serializes a packet into its wire representation.
func (c *Codec) EncodePacket(pak *Packet) ([]byte, error) {
	if pak.Magic != memd.CmdMagicReq && pak.Magic != memd.CmdMagicRes {
		return nil, errors.Wrapf(ErrInvalidArgument, "cannot encode packet with magic %s", magicName(pak.Magic))
	}

	key, extras, err := c.encodeKeyAndExtras(pak)
	if err != nil {
		return nil, err
	}

	frames, err := c.encodeFrames(pak)
	if err != nil {
		return nil, err
	}

	// We automatically upgrade a packet from normal Req or Res magic into
	// the frame variant depending on the usage of them.
	wireMagic := pak.Magic
	if len(frames) > 0 {
		if pak.Magic == memd.CmdMagicReq {
			err := c.checkRequestFrameFeatures(pak)
			if err != nil {
				return nil, err
			}
			wireMagic = cmdMagicReqExt
		} else {
			wireMagic = cmdMagicResExt
		}
	}

	if len(extras) > math.MaxUint8 {
		return nil, errors.Wrapf(ErrInvalidArgument, "extras length %d exceeds maximum", len(extras))
	}
	if isExtendedMagic(wireMagic) {
		if len(frames) > math.MaxUint8 {
			return nil, errors.Wrapf(ErrInvalidArgument, "frames length %d exceeds maximum", len(frames))
		}
		if len(key) > math.MaxUint8 {
			return nil, errors.Wrapf(ErrInvalidArgument, "key length %d exceeds maximum for framed packets", len(key))
		}
	} else if len(key) > math.MaxUint16 {
		return nil, errors.Wrapf(ErrInvalidArgument, "key length %d exceeds maximum", len(key))
	}

	bodyLen := len(frames) + len(extras) + len(key) + len(pak.Value)
	if uint64(bodyLen) > math.MaxUint32 {
		return nil, errors.Wrap(ErrInvalidArgument, "packet body is too large")
	}

	buf := make([]byte, HeaderLen, HeaderLen+bodyLen)
	buf[0] = uint8(wireMagic)
	buf[1] = uint8(pak.Command)
	if isExtendedMagic(wireMagic) {
		buf[2] = uint8(len(frames))
		buf[3] = uint8(len(key))
	} else {
		binary.BigEndian.PutUint16(buf[2:], uint16(len(key)))
	}
	buf[4] = uint8(len(extras))
	buf[5] = pak.Datatype

	if pak.Magic == memd.CmdMagicReq {
		if pak.Status != 0 {
			return nil, errors.Wrap(ErrInvalidArgument, "cannot specify status in a request packet")
		}
		binary.BigEndian.PutUint16(buf[6:], pak.Vbucket)
	} else {
		if pak.Vbucket != 0 {
			return nil, errors.Wrap(ErrInvalidArgument, "cannot specify vbucket in a response packet")
		}
		binary.BigEndian.PutUint16(buf[6:], uint16(pak.Status))
	}

	binary.BigEndian.PutUint32(buf[8:], uint32(bodyLen))
	binary.BigEndian.PutUint32(buf[12:], pak.Opaque)
	binary.BigEndian.PutUint64(buf[16:], pak.Cas)

	buf = append(buf, frames...)
	buf = append(buf, extras...)
	buf = append(buf, key...)
	buf = append(buf, pak.Value...)

	return buf, nil
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func decodeRequestFrame(pak *Packet, frameType FrameType, data []byte) {
	switch {
	case frameType == frameTypeReqBarrier && len(data) == 0:
		pak.BarrierFrame = &BarrierFrame{}
	case frameType == frameTypeReqSyncDurability && (len(data) == 1 || len(data) == 3):
		pak.DurabilityLevelFrame = &DurabilityLevelFrame{
			DurabilityLevel: DurabilityLevel(data[0]),
		}
		if len(data) == 3 {
			timeoutMs := binary.BigEndian.Uint16(data[1:])
			pak.DurabilityTimeoutFrame = &DurabilityTimeoutFrame{
				DurabilityTimeout: time.Duration(timeoutMs) * time.Millisecond,
			}
		} else {
			// duplicate frames overwrite previous ones, the timeout is
			// part of this frame so it needs clearing too.
			pak.DurabilityTimeoutFrame = nil
		}
	case frameType == frameTypeReqStreamID && len(data) == 2:
		pak.StreamIDFrame = &StreamIDFrame{
			StreamID: binary.BigEndian.Uint16(data),
		}
	case frameType == frameTypeReqOpenTracing && len(data) > 0:
		pak.OpenTracingFrame = &OpenTracingFrame{
			TraceContext: data,
		}
	case frameType == frameTypeReqUserImpersonation && len(data) > 0:
		pak.UserImpersonationFrame = &UserImpersonationFrame{
			User: data,
		}
	case frameType == frameTypeReqPreserveExpiry && len(data) == 0:
		pak.PreserveExpiryFrame = &PreserveExpiryFrame{}
	default:
		pak.UnsupportedFrames = append(pak.UnsupportedFrames, UnsupportedFrame{
			Type: frameType,
			Data: nilIfEmpty(data),
		})
	}
}

func decodeResponseFrame(pak *Packet, frameType FrameType, data []byte) {
	switch {
	case frameType == frameTypeResSrvDuration && len(data) == 2:
		pak.ServerDurationFrame = &ServerDurationFrame{
			ServerDuration: memd.DecodeSrvDura16(binary.BigEndian.Uint16(data)),
		}
	case frameType == frameTypeResReadUnits && len(data) == 2:
		pak.ReadUnitsFrame = &ReadUnitsFrame{
			ReadUnits: binary.BigEndian.Uint16(data),
		}
	case frameType == frameTypeResWriteUnits && len(data) == 2:
		pak.WriteUnitsFrame = &WriteUnitsFrame{
			WriteUnits: binary.BigEndian.Uint16(data),
		}
	default:
		pak.UnsupportedFrames = append(pak.UnsupportedFrames, UnsupportedFrame{
			Type: frameType,
			Data: nilIfEmpty(data),
		})
	}
}

func decodeFrames(pak *Packet, wireMagic CmdMagic, frames *cursor) error {
	for frames.Remaining() > 0 {
		header, err := frames.ReadU8()
		if err != nil {
			return err
		}

		frameType := FrameType(header >> 4)
		if frameType == 15 {
			extType, err := frames.ReadU8()
			if err != nil {
				return err
			}
			frameType += FrameType(extType)
		}

		frameLen := int(header & 0x0f)
		if frameLen == 15 {
			extLen, err := frames.ReadU8()
			if err != nil {
				return err
			}
			frameLen += int(extLen)
		}

		data, err := frames.ReadBytes(frameLen)
		if err != nil {
			return err
		}

		switch wireMagic {
		case cmdMagicReqExt:
			decodeRequestFrame(pak, frameType, data)
		case cmdMagicResExt:
			decodeResponseFrame(pak, frameType, data)
		default:
			return protocolErrorf("got unexpected magic %s when decoding frames", magicName(wireMagic))
		}
	}

	return nil
}

func (c *Codec) decodeBody(header []byte, body []byte) (*Packet, error) {
	pak := &Packet{}

	wireMagic := CmdMagic(header[0])
	switch {
	case isRequestMagic(wireMagic):
		pak.Magic = memd.CmdMagicReq
		pak.Vbucket = binary.BigEndian.Uint16(header[6:])
	case isResponseMagic(wireMagic):
		pak.Magic = memd.CmdMagicRes
		pak.Status = StatusCode(binary.BigEndian.Uint16(header[6:]))
	default:
		return nil, protocolErrorf("cannot decode status/vbucket for unknown packet magic %s", magicName(wireMagic))
	}

	pak.Command = CmdCode(header[1])
	pak.Datatype = header[5]
	pak.Opaque = binary.BigEndian.Uint32(header[12:])
	pak.Cas = binary.BigEndian.Uint64(header[16:])

	extLen := int(header[4])
	keyLen := int(binary.BigEndian.Uint16(header[2:]))
	framesLen := 0
	if isExtendedMagic(wireMagic) {
		framesLen = int(header[2])
		keyLen = int(header[3])
	}

	bodyLen := int(binary.BigEndian.Uint32(header[8:]))
	if bodyLen != len(body) {
		return nil, protocolErrorf("body length %d does not match declared length %d", len(body), bodyLen)
	}
	if framesLen+extLen+keyLen > bodyLen {
		return nil, protocolErrorf("frames (%d) + extras (%d) + key (%d) exceed body length (%d)",
			framesLen, extLen, keyLen, bodyLen)
	}

	cur := newCursor(body)

	frames, err := cur.Sub(framesLen)
	if err != nil {
		return nil, err
	}
	err = decodeFrames(pak, wireMagic, frames)
	if err != nil {
		return nil, err
	}

	extras, err := cur.ReadBytes(extLen)
	if err != nil {
		return nil, err
	}
	key, err := cur.ReadBytes(keyLen)
	if err != nil {
		return nil, err
	}
	value, err := cur.ReadBytes(cur.Remaining())
	if err != nil {
		return nil, err
	}

	pak.Extras = nilIfEmpty(extras)
	pak.Key = nilIfEmpty(key)
	pak.Value = nilIfEmpty(value)

	if c.collectionsEnabled {
		if pak.Command == memd.CmdObserve {
			return nil, errors.Wrap(ErrFeatureNotAvailable, "observe is not supported with collections enabled")
		}

		if len(pak.Key) > 0 && memd.IsCommandCollectionEncoded(pak.Command) {
			collectionID, idLen, err := memd.DecodeULEB128_32(pak.Key)
			if err != nil {
				return nil, protocolErrorf("unable to decode collection id: %s", err)
			}

			pak.CollectionID = collectionID
			pak.Key = nilIfEmpty(pak.Key[idLen:])
		} else if pak.Command == memd.CmdGetRandom && pak.Magic == memd.CmdMagicReq && len(pak.Extras) == 4 {
			pak.CollectionID = binary.BigEndian.Uint32(pak.Extras)
			pak.Extras = nil
		}
	}

	return pak, nil
}

// DecodePacket decodes a single packet from the front of buf, returning the
// packet and the number of bytes consumed.  io.ErrUnexpectedEOF is returned
// if buf does not yet contain a full packet.
func (c *Codec) DecodePacket(buf []byte) (*Packet, int, error) {
	if len(buf) < HeaderLen {
		return nil, 0, io.ErrUnexpectedEOF
	}

	bodyLen := int(binary.BigEndian.Uint32(buf[8:]))
	if len(buf) < HeaderLen+bodyLen {
		return nil, 0, io.ErrUnexpectedEOF
	}

	pak, err := c.decodeBody(buf[:HeaderLen], buf[HeaderLen:HeaderLen+bodyLen])
	if err != nil {
		return nil, 0, err
	}

	return pak, HeaderLen + bodyLen, nil
}
