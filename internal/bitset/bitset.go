// Package bitset implements the dense, fixed-length bitsets used as
// postings lists. One bit per entry ordinal, grouped into 64-bit elements,
// most significant bit first within each element.
package bitset

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// ElementBits is the width of one bitset element.
const ElementBits = 64

// ElementBytes is the serialised width of one element.
const ElementBytes = ElementBits / 8

// Bitset covers ordinals [0, Len()). Bits at or beyond Len() are always zero.
type Bitset struct {
	elems []uint64
	n     int
}

// Elements returns how many elements a bitset over entryCount ordinals has.
func Elements(entryCount int) int {
	return (entryCount + ElementBits - 1) / ElementBits
}

// ByteLen returns the serialised size of a bitset over entryCount ordinals.
func ByteLen(entryCount int) int {
	return Elements(entryCount) * ElementBytes
}

func New(entryCount int) *Bitset {
	return &Bitset{elems: make([]uint64, Elements(entryCount)), n: entryCount}
}

// Full returns a bitset with every ordinal below entryCount set.
func Full(entryCount int) *Bitset {
	b := New(entryCount)
	for i := range b.elems {
		b.elems[i] = ^uint64(0)
	}
	b.clearPadding()
	return b
}

// FromBytes decodes little-endian elements. The input must be exactly
// ByteLen(entryCount) bytes and carry no padding bits.
func FromBytes(data []byte, entryCount int) (*Bitset, error) {
	if len(data) != ByteLen(entryCount) {
		return nil, fmt.Errorf("bitset has %d bytes, want %d", len(data), ByteLen(entryCount))
	}
	b := New(entryCount)
	for i := range b.elems {
		b.elems[i] = binary.LittleEndian.Uint64(data[i*ElementBytes:])
	}
	if n := len(b.elems); n > 0 && b.elems[n-1]&^b.lastMask() != 0 {
		return nil, fmt.Errorf("bitset has padding bits set beyond ordinal %d", entryCount)
	}
	return b, nil
}

func (b *Bitset) Len() int { return b.n }

func (b *Bitset) Set(ordinal int) {
	if ordinal < 0 || ordinal >= b.n {
		panic(fmt.Sprintf("bitset: ordinal %d out of range [0,%d)", ordinal, b.n))
	}
	b.elems[ordinal/ElementBits] |= msb >> (ordinal % ElementBits)
}

func (b *Bitset) Test(ordinal int) bool {
	if ordinal < 0 || ordinal >= b.n {
		return false
	}
	return b.elems[ordinal/ElementBits]&(msb>>(ordinal%ElementBits)) != 0
}

// And intersects b with o in place.
func (b *Bitset) And(o *Bitset) {
	b.mustMatch(o)
	for i := range b.elems {
		b.elems[i] &= o.elems[i]
	}
}

// Or unions b with o in place.
func (b *Bitset) Or(o *Bitset) {
	b.mustMatch(o)
	for i := range b.elems {
		b.elems[i] |= o.elems[i]
	}
}

// Not complements b in place, leaving padding bits clear.
func (b *Bitset) Not() {
	for i := range b.elems {
		b.elems[i] = ^b.elems[i]
	}
	b.clearPadding()
}

func (b *Bitset) Count() int {
	total := 0
	for _, e := range b.elems {
		total += bits.OnesCount64(e)
	}
	return total
}

// NextSet returns the first set ordinal >= from, or -1.
func (b *Bitset) NextSet(from int) int {
	if from < 0 {
		from = 0
	}
	if from >= b.n {
		return -1
	}
	i := from / ElementBits
	e := b.elems[i] & (^uint64(0) >> (from % ElementBits))
	for {
		if e != 0 {
			ord := i*ElementBits + bits.LeadingZeros64(e)
			if ord >= b.n {
				return -1
			}
			return ord
		}
		i++
		if i >= len(b.elems) {
			return -1
		}
		e = b.elems[i]
	}
}

// Ordinals lists every set ordinal in ascending order.
func (b *Bitset) Ordinals() []int {
	out := make([]int, 0, b.Count())
	for o := b.NextSet(0); o >= 0; o = b.NextSet(o + 1) {
		out = append(out, o)
	}
	return out
}

// Bytes serialises the elements little-endian.
func (b *Bitset) Bytes() []byte {
	out := make([]byte, len(b.elems)*ElementBytes)
	for i, e := range b.elems {
		binary.LittleEndian.PutUint64(out[i*ElementBytes:], e)
	}
	return out
}

func (b *Bitset) Clone() *Bitset {
	c := &Bitset{elems: make([]uint64, len(b.elems)), n: b.n}
	copy(c.elems, b.elems)
	return c
}

const msb = uint64(1) << (ElementBits - 1)

// lastMask has a bit set for every valid ordinal in the final element.
func (b *Bitset) lastMask() uint64 {
	rem := b.n % ElementBits
	if rem == 0 {
		return ^uint64(0)
	}
	return ^(^uint64(0) >> rem)
}

func (b *Bitset) clearPadding() {
	if n := len(b.elems); n > 0 {
		b.elems[n-1] &= b.lastMask()
	}
}

func (b *Bitset) mustMatch(o *Bitset) {
	if b.n != o.n {
		panic(fmt.Sprintf("bitset: length mismatch %d != %d", b.n, o.n))
	}
}
