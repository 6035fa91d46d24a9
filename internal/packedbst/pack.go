// Package packedbst packs sorted key/value pairs into size-bounded chunks,
// each holding a self-contained binary search tree, and finds values again
// with a two-level lookup: a binary search over the chunks' lowest keys,
// then a tree walk inside the selected chunk.
//
// Node layout, all integers little-endian:
//
//	key        codec-defined, self-delimiting
//	left       int32, offset from chunk start or -1
//	right      int32, offset from chunk start or -1
//	valueLen   uint32
//	value      valueLen bytes
//
// Children are always written before their parent, so every child offset
// is strictly smaller than the offset of the node that references it.
package packedbst

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrCorruptChunk  = errors.New("corrupt chunk")
	ErrEntryTooLarge = errors.New("entry exceeds chunk size")
	ErrKeyTooLong    = errors.New("key too long")
	ErrUnsortedKeys  = errors.New("keys not strictly ascending")
)

// NodeHeaderSize is the fixed per-node overhead besides key and value.
const NodeHeaderSize = 4 + 4 + 4

// NoChild marks an absent left or right child.
const NoChild int32 = -1

// Entry is one key/value pair to pack.
type Entry[K any] struct {
	Key   K
	Value []byte
}

// Chunk is one serialised tree.
type Chunk[K any] struct {
	ID       int
	Root     int32
	FirstKey K
	Count    int
	Data     []byte
}

// Packed is the output of Pack.
type Packed[K any] struct {
	Chunks []Chunk[K]
	Table  *Table[K]
}

// Pack groups entries into chunks of at most maxChunkBytes, closing a chunk
// as soon as the next entry would not fit. Entries must be sorted strictly
// ascending under codec.Compare.
func Pack[K any](entries []Entry[K], codec KeyCodec[K], maxChunkBytes int) (*Packed[K], error) {
	if maxChunkBytes <= 0 {
		return nil, fmt.Errorf("max chunk bytes must be positive, got %d", maxChunkBytes)
	}
	packed := &Packed[K]{}
	start, size := 0, 0
	for i, e := range entries {
		if i > 0 && codec.Compare(entries[i-1].Key, e.Key) >= 0 {
			return nil, fmt.Errorf("%w: entry %d", ErrUnsortedKeys, i)
		}
		cost := nodeSize(codec, e)
		if cost > maxChunkBytes {
			return nil, fmt.Errorf("%w: entry %d needs %d bytes, limit %d", ErrEntryTooLarge, i, cost, maxChunkBytes)
		}
		if size+cost > maxChunkBytes {
			if err := packed.close(entries[start:i], codec, size); err != nil {
				return nil, err
			}
			start, size = i, 0
		}
		size += cost
	}
	if start < len(entries) {
		if err := packed.close(entries[start:], codec, size); err != nil {
			return nil, err
		}
	}
	packed.Table = newTable(packed.Chunks, codec)
	return packed, nil
}

func nodeSize[K any](codec KeyCodec[K], e Entry[K]) int {
	return codec.EncodedLen(e.Key) + NodeHeaderSize + len(e.Value)
}

func (p *Packed[K]) close(group []Entry[K], codec KeyCodec[K], size int) error {
	w := chunkWriter[K]{codec: codec, entries: group, buf: make([]byte, 0, size)}
	root, err := w.subtree(0, len(group)-1)
	if err != nil {
		return err
	}
	p.Chunks = append(p.Chunks, Chunk[K]{
		ID:       len(p.Chunks),
		Root:     root,
		FirstKey: group[0].Key,
		Count:    len(group),
		Data:     w.buf,
	})
	return nil
}

type chunkWriter[K any] struct {
	codec   KeyCodec[K]
	entries []Entry[K]
	buf     []byte
}

// subtree writes entries[lo..hi] median-first and returns the offset of
// the subtree root. The upper median is used so a pair becomes a parent
// with a single left child.
func (w *chunkWriter[K]) subtree(lo, hi int) (int32, error) {
	if lo > hi {
		return NoChild, nil
	}
	mid := lo + (hi-lo+1)/2
	left, err := w.subtree(lo, mid-1)
	if err != nil {
		return 0, err
	}
	right, err := w.subtree(mid+1, hi)
	if err != nil {
		return 0, err
	}
	return w.node(w.entries[mid], left, right)
}

func (w *chunkWriter[K]) node(e Entry[K], left, right int32) (int32, error) {
	off := int32(len(w.buf))
	buf, err := w.codec.Append(w.buf, e.Key)
	if err != nil {
		return 0, err
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(left))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(right))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Value)))
	w.buf = append(buf, e.Value...)
	return off, nil
}
