package mcbp

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// MaxBodyLen is the largest packet body a Conn is willing to read.
const MaxBodyLen = 64 * 1024 * 1024

type wrappedReadWriter struct {
	*bufio.Reader
	io.Writer
}

// Conn reads and writes packets over a stream.  Reads must be performed
// from a single goroutine, writes may be performed concurrently.
type Conn struct {
	*Codec

	stream    io.ReadWriter
	writeLock sync.Mutex
	headerBuf [HeaderLen]byte
}

// NewConn creates a new connection object which can be used to perform
// reading and writing of packets.
func NewConn(stream io.ReadWriter) *Conn {
	return &Conn{
		Codec:  NewCodec(),
		stream: stream,
	}
}

// NewBufferedConn wraps the read side of stream in a bufio.Reader.
func NewBufferedConn(stream io.ReadWriter) *Conn {
	return NewConn(wrappedReadWriter{
		Reader: bufio.NewReader(stream),
		Writer: stream,
	})
}

// WritePacket writes a packet to the network.
func (c *Conn) WritePacket(pak *Packet) error {
	buf, err := c.EncodePacket(pak)
	if err != nil {
		return err
	}

	c.writeLock.Lock()
	n, err := c.stream.Write(buf)
	c.writeLock.Unlock()
	if err != nil {
		return err
	}
	if n != len(buf) {
		return errors.Wrapf(ErrShortWrite, "wrote %d of %d bytes", n, len(buf))
	}

	return nil
}

// ReadPacket reads a packet from the network, returning the packet and the
// number of bytes read from the stream.  io.EOF is returned if the stream
// was closed cleanly between packets.
func (c *Conn) ReadPacket() (*Packet, int, error) {
	_, err := io.ReadFull(c.stream, c.headerBuf[:])
	if err != nil {
		return nil, 0, err
	}

	bodyLen := binary.BigEndian.Uint32(c.headerBuf[8:])
	if bodyLen > MaxBodyLen {
		return nil, 0, protocolErrorf("body length %d exceeds maximum of %d", bodyLen, MaxBodyLen)
	}

	body := make([]byte, bodyLen)
	_, err = io.ReadFull(c.stream, body)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}

	pak, err := c.decodeBody(c.headerBuf[:], body)
	if err != nil {
		return nil, 0, err
	}

	return pak, HeaderLen + int(bodyLen), nil
}
