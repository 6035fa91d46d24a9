// Package bridge moves bytes across the boundary of the native evaluation
// module. Everything on the other side is addressed by integer offsets into
// one flat buffer; Cursor is the only way this package touches that buffer
// and every access is bounds checked.
package bridge

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var ErrOutOfBounds = errors.New("memory access out of bounds")

// Cursor reads and writes typed values at a moving position in a byte
// buffer. The first failed access records an error; later accesses become
// no-ops returning zero values, and Err reports the first failure.
type Cursor struct {
	buf []byte
	pos int
	err error
}

func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

func (c *Cursor) Pos() int   { return c.pos }
func (c *Cursor) Len() int   { return len(c.buf) }
func (c *Cursor) Err() error { return c.err }

// Seek moves to an absolute offset. Seeking to Len() is allowed.
func (c *Cursor) Seek(abs int) *Cursor {
	if c.err != nil {
		return c
	}
	if abs < 0 || abs > len(c.buf) {
		c.fail("seek", abs, 0)
		return c
	}
	c.pos = abs
	return c
}

// Skip moves relative to the current position.
func (c *Cursor) Skip(n int) *Cursor {
	return c.Seek(c.pos + n)
}

// Align advances to the next multiple of n.
func (c *Cursor) Align(n int) *Cursor {
	if rem := c.pos % n; rem != 0 {
		c.Skip(n - rem)
	}
	return c
}

// Fork returns an independent cursor over the same buffer at abs.
func (c *Cursor) Fork(abs int) *Cursor {
	f := &Cursor{buf: c.buf, err: c.err}
	return f.Seek(abs)
}

// ForkDeref reads a little-endian uint32 pointer at the current position
// and returns a new cursor positioned at it.
func (c *Cursor) ForkDeref() *Cursor {
	ptr := c.U32(binary.LittleEndian)
	if c.err != nil {
		return &Cursor{buf: c.buf, err: c.err}
	}
	return c.Fork(int(ptr))
}

func (c *Cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || c.pos+n > len(c.buf) || c.pos+n < c.pos {
		c.fail("access", c.pos, n)
		return nil
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b
}

func (c *Cursor) fail(op string, at, n int) {
	c.err = fmt.Errorf("%w: %s of %d bytes at %d, buffer is %d bytes", ErrOutOfBounds, op, n, at, len(c.buf))
}

func (c *Cursor) U8() uint8 {
	b := c.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (c *Cursor) I8() int8 { return int8(c.U8()) }

func (c *Cursor) U16(order binary.ByteOrder) uint16 {
	b := c.take(2)
	if b == nil {
		return 0
	}
	return order.Uint16(b)
}

func (c *Cursor) I16(order binary.ByteOrder) int16 { return int16(c.U16(order)) }

func (c *Cursor) U32(order binary.ByteOrder) uint32 {
	b := c.take(4)
	if b == nil {
		return 0
	}
	return order.Uint32(b)
}

func (c *Cursor) I32(order binary.ByteOrder) int32 { return int32(c.U32(order)) }

func (c *Cursor) U64(order binary.ByteOrder) uint64 {
	b := c.take(8)
	if b == nil {
		return 0
	}
	return order.Uint64(b)
}

func (c *Cursor) I64(order binary.ByteOrder) int64 { return int64(c.U64(order)) }

func (c *Cursor) F64(order binary.ByteOrder) float64 {
	return math.Float64frombits(c.U64(order))
}

// Bytes returns the next n bytes. The slice aliases the buffer.
func (c *Cursor) Bytes(n int) []byte {
	return c.take(n)
}

// CString reads up to the next NUL byte and moves past it.
func (c *Cursor) CString() string {
	if c.err != nil {
		return ""
	}
	if c.pos >= len(c.buf) {
		c.fail("cstring", c.pos, 1)
		return ""
	}
	end := bytes.IndexByte(c.buf[c.pos:], 0)
	if end < 0 {
		c.fail("cstring", c.pos, len(c.buf)-c.pos+1)
		return ""
	}
	s := string(c.buf[c.pos : c.pos+end])
	c.pos += end + 1
	return s
}

func (c *Cursor) PutU8(v uint8) *Cursor {
	if b := c.take(1); b != nil {
		b[0] = v
	}
	return c
}

func (c *Cursor) PutU16(order binary.ByteOrder, v uint16) *Cursor {
	if b := c.take(2); b != nil {
		order.PutUint16(b, v)
	}
	return c
}

func (c *Cursor) PutU32(order binary.ByteOrder, v uint32) *Cursor {
	if b := c.take(4); b != nil {
		order.PutUint32(b, v)
	}
	return c
}

func (c *Cursor) PutI32(order binary.ByteOrder, v int32) *Cursor {
	return c.PutU32(order, uint32(v))
}

func (c *Cursor) PutU64(order binary.ByteOrder, v uint64) *Cursor {
	if b := c.take(8); b != nil {
		order.PutUint64(b, v)
	}
	return c
}

func (c *Cursor) PutI64(order binary.ByteOrder, v int64) *Cursor {
	return c.PutU64(order, uint64(v))
}

func (c *Cursor) PutF64(order binary.ByteOrder, v float64) *Cursor {
	return c.PutU64(order, math.Float64bits(v))
}

func (c *Cursor) PutBytes(src []byte) *Cursor {
	if b := c.take(len(src)); b != nil {
		copy(b, src)
	}
	return c
}

// PutCString writes s followed by a NUL byte.
func (c *Cursor) PutCString(s string) *Cursor {
	if b := c.take(len(s) + 1); b != nil {
		copy(b, s)
		b[len(s)] = 0
	}
	return c
}
