package mcbp

import "time"

// FrameType is the 4-bit (or extended) type identifier of a flexible frame.
type FrameType uint16

const (
	frameTypeReqBarrier           = FrameType(0)
	frameTypeReqSyncDurability    = FrameType(1)
	frameTypeReqStreamID          = FrameType(2)
	frameTypeReqOpenTracing       = FrameType(3)
	frameTypeReqUserImpersonation = FrameType(4)
	frameTypeReqPreserveExpiry    = FrameType(5)

	frameTypeResSrvDuration = FrameType(0)
	frameTypeResReadUnits   = FrameType(1)
	frameTypeResWriteUnits  = FrameType(2)
)

// BarrierFrame is used to signal to the server that this command should be
// barriered and must not be executed concurrently with other commands.
type BarrierFrame struct{}

// DurabilityLevelFrame allows you to specify a durability level for an
// operation through the frame extras.
type DurabilityLevelFrame struct {
	DurabilityLevel DurabilityLevel
}

// DurabilityTimeoutFrame allows you to specify a specific timeout for
// durability operations to timeout.  Note that it is invalid to include this
// frame without also including DurabilityLevelFrame.
type DurabilityTimeoutFrame struct {
	DurabilityTimeout time.Duration
}

// StreamIDFrame provides information about which stream this particular
// operation is related to (used for DCP streams).
type StreamIDFrame struct {
	StreamID uint16
}

// OpenTracingFrame allows open tracing context information to be included
// along with a command which is being performed.
type OpenTracingFrame struct {
	TraceContext []byte
}

// ServerDurationFrame allows an indication of how long the server took to
// process this command.
type ServerDurationFrame struct {
	ServerDuration time.Duration
}

// UserImpersonationFrame is used to indicate a user to impersonate.
type UserImpersonationFrame struct {
	User []byte
}

// PreserveExpiryFrame is used to indicate that the server should preserve
// the expiry time for existing document.
type PreserveExpiryFrame struct{}

// ReadUnitsFrame reports the read units consumed by the command.
type ReadUnitsFrame struct {
	ReadUnits uint16
}

// WriteUnitsFrame reports the write units consumed by the command.
type WriteUnitsFrame struct {
	WriteUnits uint16
}

// UnsupportedFrame is used to include an unsupported frame type in the
// packet data to enable further processing if needed.
type UnsupportedFrame struct {
	Type FrameType
	Data []byte
}

func appendFrameHeader(buf []byte, frameType FrameType, dataLen int) []byte {
	typeNibble := uint8(frameType)
	if frameType >= 15 {
		typeNibble = 15
	}
	lenNibble := uint8(dataLen)
	if dataLen >= 15 {
		lenNibble = 15
	}

	buf = append(buf, typeNibble<<4|lenNibble)
	if frameType >= 15 {
		buf = append(buf, uint8(frameType-15))
	}
	if dataLen >= 15 {
		buf = append(buf, uint8(dataLen-15))
	}
	return buf
}
