// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tlswire

// Cursor is a bump reader over an untrusted byte buffer. Reads advance an
// offset and never reslice past the end; a short read yields a Truncated
// error and leaves the cursor where it was.
type Cursor struct {
	data []byte
	off  int
}

// NewCursor returns a cursor positioned at the start of data.
func NewCursor(data []byte) *Cursor {
	return &Cursor{data: data}
}

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int {
	return len(c.data) - c.off
}

// ReadUint8 reads one byte.
func (c *Cursor) ReadUint8() (uint8, error) {
	if c.Remaining() < 1 {
		return 0, errTruncated()
	}
	v := c.data[c.off]
	c.off++
	return v, nil
}

// ReadUint16 reads a big-endian 16-bit integer.
func (c *Cursor) ReadUint16() (uint16, error) {
	if c.Remaining() < 2 {
		return 0, errTruncated()
	}
	v := uint16(c.data[c.off])<<8 | uint16(c.data[c.off+1])
	c.off += 2
	return v, nil
}

// ReadUint24 reads a big-endian 24-bit integer, as used by handshake
// message lengths.
func (c *Cursor) ReadUint24() (uint32, error) {
	if c.Remaining() < 3 {
		return 0, errTruncated()
	}
	v := uint32(c.data[c.off])<<16 | uint32(c.data[c.off+1])<<8 | uint32(c.data[c.off+2])
	c.off += 3
	return v, nil
}

// Skip consumes n bytes and returns them as a subslice borrowing from the
// cursor's buffer. Callers that need the bytes beyond the buffer's lifetime
// copy them into an Arena.
func (c *Cursor) Skip(n int) ([]byte, error) {
	if n < 0 || c.Remaining() < n {
		return nil, errTruncated()
	}
	b := c.data[c.off : c.off+n]
	c.off += n
	return b, nil
}
