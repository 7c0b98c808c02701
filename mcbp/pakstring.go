package mcbp

import (
	"fmt"
	"strings"
)

func bytesToHexAsciiString(bytes []byte) string {
	var out strings.Builder
	var ascii [16]byte
	n := (len(bytes) + 15) &^ 15
	for i := 0; i < n; i++ {
		// line numbering at the beginning of every line
		if i%16 == 0 {
			fmt.Fprintf(&out, "%4d", i)
		}

		// extra space between blocks of 8 bytes
		if i%8 == 0 {
			out.WriteByte(' ')
		}

		if i < len(bytes) {
			fmt.Fprintf(&out, " %02X", bytes[i])
		} else {
			out.WriteString("   ")
		}

		if i >= len(bytes) {
			ascii[i%16] = ' '
		} else if bytes[i] < 32 || bytes[i] > 126 {
			ascii[i%16] = '.'
		} else {
			ascii[i%16] = bytes[i]
		}

		if i%16 == 15 {
			fmt.Fprintf(&out, "  %s\n", string(ascii[:]))
		}
	}
	return out.String()
}

func framesToString(pak *Packet) string {
	var frames []string
	if pak.BarrierFrame != nil {
		frames = append(frames, "Barrier")
	}
	if pak.DurabilityLevelFrame != nil {
		frames = append(frames, fmt.Sprintf("DurabilityLevel(%d)", pak.DurabilityLevelFrame.DurabilityLevel))
	}
	if pak.DurabilityTimeoutFrame != nil {
		frames = append(frames, fmt.Sprintf("DurabilityTimeout(%s)", pak.DurabilityTimeoutFrame.DurabilityTimeout))
	}
	if pak.StreamIDFrame != nil {
		frames = append(frames, fmt.Sprintf("StreamID(%d)", pak.StreamIDFrame.StreamID))
	}
	if pak.OpenTracingFrame != nil {
		frames = append(frames, fmt.Sprintf("OpenTracing(%q)", pak.OpenTracingFrame.TraceContext))
	}
	if pak.ServerDurationFrame != nil {
		frames = append(frames, fmt.Sprintf("ServerDuration(%s)", pak.ServerDurationFrame.ServerDuration))
	}
	if pak.UserImpersonationFrame != nil {
		frames = append(frames, fmt.Sprintf("UserImpersonation(%q)", pak.UserImpersonationFrame.User))
	}
	if pak.PreserveExpiryFrame != nil {
		frames = append(frames, "PreserveExpiry")
	}
	if pak.ReadUnitsFrame != nil {
		frames = append(frames, fmt.Sprintf("ReadUnits(%d)", pak.ReadUnitsFrame.ReadUnits))
	}
	if pak.WriteUnitsFrame != nil {
		frames = append(frames, fmt.Sprintf("WriteUnits(%d)", pak.WriteUnitsFrame.WriteUnits))
	}
	for _, frame := range pak.UnsupportedFrames {
		frames = append(frames, fmt.Sprintf("Unsupported(%d, %x)", frame.Type, frame.Data))
	}
	return strings.Join(frames, ", ")
}

func packetToString(pak *Packet) string {
	return fmt.Sprintf(
		"mcbp.Packet{Magic:%x(%s), Command:%x(%s), Datatype:%x, Status:%x(%s), Vbucket:%d, Opaque:%08x, Cas: %08x, CollectionID:%d, Frames:[%s]\nKey:\n%sValue:\n%sExtras:\n%s}",
		uint8(pak.Magic),
		magicName(pak.Magic),
		uint8(pak.Command),
		pak.Command.Name(),
		pak.Datatype,
		uint16(pak.Status),
		pak.Status,
		pak.Vbucket,
		pak.Opaque,
		pak.Cas,
		pak.CollectionID,
		framesToString(pak),
		bytesToHexAsciiString(pak.Key),
		bytesToHexAsciiString(pak.Value),
		bytesToHexAsciiString(pak.Extras))
}

// PacketStringer renders a packet as a hex dump, for use with zap.Stringer
// in debug logging.
type PacketStringer struct {
	Packet *Packet
}

func (p PacketStringer) String() string {
	if p.Packet == nil {
		return "mcbp.Packet(nil)"
	}
	return packetToString(p.Packet)
}
