/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package mcbp

// Packet represents a single request or response packet being exchanged
// between two clients.  Magic is always the plain request or response
// value, the codec handles the extended variants on the wire.
type Packet struct {
	Magic        CmdMagic
	Command      CmdCode
	Datatype     uint8
	Status       StatusCode
	Vbucket      uint16
	Opaque       uint32
	Cas          uint64
	CollectionID uint32
	Key          []byte
	Extras       []byte
	Value        []byte

	BarrierFrame           *BarrierFrame
	DurabilityLevelFrame   *DurabilityLevelFrame
	DurabilityTimeoutFrame *DurabilityTimeoutFrame
	StreamIDFrame          *StreamIDFrame
	OpenTracingFrame       *OpenTracingFrame
	ServerDurationFrame    *ServerDurationFrame
	UserImpersonationFrame *UserImpersonationFrame
	PreserveExpiryFrame    *PreserveExpiryFrame
	ReadUnitsFrame         *ReadUnitsFrame
	WriteUnitsFrame        *WriteUnitsFrame
	UnsupportedFrames      []UnsupportedFrame
}

// HasFrames returns whether any flexible frame is attached to the packet.
func (pak *Packet) HasFrames() bool {
	return pak.BarrierFrame != nil ||
		pak.DurabilityLevelFrame != nil ||
		pak.DurabilityTimeoutFrame != nil ||
		pak.StreamIDFrame != nil ||
		pak.OpenTracingFrame != nil ||
		pak.ServerDurationFrame != nil ||
		pak.UserImpersonationFrame != nil ||
		pak.PreserveExpiryFrame != nil ||
		pak.ReadUnitsFrame != nil ||
		pak.WriteUnitsFrame != nil ||
		len(pak.UnsupportedFrames) > 0
}
