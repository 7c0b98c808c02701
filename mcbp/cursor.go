package mcbp

import "encoding/binary"

// cursor walks a byte slice and returns an error instead of panicking
// when a read would run past the end of the data.
type cursor struct {
	data []byte
	pos  int
}

func newCursor(data []byte) *cursor {
	return &cursor{data: data}
}

func (c *cursor) Remaining() int {
	return len(c.data) - c.pos
}

func (c *cursor) ReadU8() (uint8, error) {
	if c.Remaining() < 1 {
		return 0, protocolErrorf("unexpected end of data reading u8 at offset %d", c.pos)
	}
	val := c.data[c.pos]
	c.pos++
	return val, nil
}

func (c *cursor) ReadU16() (uint16, error) {
	if c.Remaining() < 2 {
		return 0, protocolErrorf("unexpected end of data reading u16 at offset %d", c.pos)
	}
	val := binary.BigEndian.Uint16(c.data[c.pos:])
	c.pos += 2
	return val, nil
}

func (c *cursor) ReadU32() (uint32, error) {
	if c.Remaining() < 4 {
		return 0, protocolErrorf("unexpected end of data reading u32 at offset %d", c.pos)
	}
	val := binary.BigEndian.Uint32(c.data[c.pos:])
	c.pos += 4
	return val, nil
}

func (c *cursor) ReadU64() (uint64, error) {
	if c.Remaining() < 8 {
		return 0, protocolErrorf("unexpected end of data reading u64 at offset %d", c.pos)
	}
	val := binary.BigEndian.Uint64(c.data[c.pos:])
	c.pos += 8
	return val, nil
}

// ReadBytes returns the next n bytes.  The returned slice aliases the
// underlying data.
func (c *cursor) ReadBytes(n int) ([]byte, error) {
	if n < 0 || c.Remaining() < n {
		return nil, protocolErrorf("unexpected end of data reading %d bytes at offset %d", n, c.pos)
	}
	val := c.data[c.pos : c.pos+n]
	c.pos += n
	return val, nil
}

// Sub returns a cursor over the next n bytes and advances past them.
func (c *cursor) Sub(n int) (*cursor, error) {
	data, err := c.ReadBytes(n)
	if err != nil {
		return nil, err
	}
	return newCursor(data), nil
}
