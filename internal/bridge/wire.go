package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrMalformedBuffer = errors.New("malformed bridge buffer")

// Mode is the boolean role of a group of operands.
type Mode int

const (
	ModeRequire Mode = iota
	ModeContain
	ModeExclude
	modeCount
)

// Modes lists every mode in wire order.
var Modes = [...]Mode{ModeRequire, ModeContain, ModeExclude}

func (m Mode) String() string {
	switch m {
	case ModeRequire:
		return "require"
	case ModeContain:
		return "contain"
	case ModeExclude:
		return "exclude"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Operand is a bitset already resident in module memory.
type Operand struct {
	Len uint32
	Ptr uint32
}

// Query is the decoded form of a query buffer.
//
//	u32 continuation
//	per mode: (u32 len, u32 ptr)* u32 0
type Query struct {
	Continuation uint32
	Operands     [modeCount][]Operand
}

// Size is the encoded length of q.
func (q *Query) Size() int {
	n := 4
	for _, ops := range q.Operands {
		n += len(ops)*8 + 4
	}
	return n
}

// Empty reports whether no mode has operands.
func (q *Query) Empty() bool {
	for _, ops := range q.Operands {
		if len(ops) > 0 {
			return false
		}
	}
	return true
}

func WriteQuery(c *Cursor, q *Query) error {
	le := binary.LittleEndian
	c.PutU32(le, q.Continuation)
	for _, ops := range q.Operands {
		for _, op := range ops {
			if op.Len == 0 {
				return fmt.Errorf("%w: zero-length operand", ErrMalformedBuffer)
			}
			c.PutU32(le, op.Len).PutU32(le, op.Ptr)
		}
		c.PutU32(le, 0)
	}
	return c.Err()
}

// ReadQuery decodes a query buffer. maxOperands bounds the total operand
// count so a missing terminator cannot run off into unrelated memory.
func ReadQuery(c *Cursor, maxOperands int) (*Query, error) {
	le := binary.LittleEndian
	q := &Query{Continuation: c.U32(le)}
	total := 0
	for m := range q.Operands {
		for {
			length := c.U32(le)
			if c.Err() != nil {
				return nil, c.Err()
			}
			if length == 0 {
				break
			}
			total++
			if total > maxOperands {
				return nil, fmt.Errorf("%w: more than %d operands", ErrMalformedBuffer, maxOperands)
			}
			q.Operands[m] = append(q.Operands[m], Operand{Len: length, Ptr: c.U32(le)})
		}
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return q, nil
}

// NoContinuation marks the last page in a result buffer.
const NoContinuation int32 = -1

// Result is the decoded form of a result buffer.
//
//	i32 continuation (-1 when none)
//	u32 total
//	u32 count
//	u32 ordinal * count
type Result struct {
	Continuation int32
	Total        uint32
	Ordinals     []uint32
}

func ResultSize(count int) int {
	return 12 + 4*count
}

func WriteResult(c *Cursor, r *Result) error {
	le := binary.LittleEndian
	c.PutI32(le, r.Continuation).PutU32(le, r.Total).PutU32(le, uint32(len(r.Ordinals)))
	for _, o := range r.Ordinals {
		c.PutU32(le, o)
	}
	return c.Err()
}

func ReadResult(c *Cursor) (*Result, error) {
	le := binary.LittleEndian
	r := &Result{
		Continuation: c.I32(le),
		Total:        c.U32(le),
	}
	count := c.U32(le)
	if c.Err() != nil {
		return nil, c.Err()
	}
	if r.Continuation < NoContinuation {
		return nil, fmt.Errorf("%w: continuation %d", ErrMalformedBuffer, r.Continuation)
	}
	if int(count) > (c.Len()-c.Pos())/4 {
		return nil, fmt.Errorf("%w: %d results do not fit in buffer", ErrMalformedBuffer, count)
	}
	r.Ordinals = make([]uint32, count)
	for i := range r.Ordinals {
		r.Ordinals[i] = c.U32(le)
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return r, nil
}
