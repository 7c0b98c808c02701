package mcbp

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol indicates a malformed packet was read from the wire.
	ErrProtocol = errors.New("protocol error")

	// ErrShortWrite indicates that fewer bytes than the encoded packet
	// length were accepted by the underlying stream.
	ErrShortWrite = errors.New("short write")

	ErrInvalidArgument      = errors.New("invalid argument")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrFeatureNotAvailable  = errors.New("feature not available")
)

// ProtocolError describes why a packet could not be decoded.
type ProtocolError struct {
	Reason string
}

func (e ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

func (e ProtocolError) Unwrap() error {
	return ErrProtocol
}

func protocolErrorf(format string, args ...interface{}) error {
	return ProtocolError{Reason: fmt.Sprintf(format, args...)}
}
