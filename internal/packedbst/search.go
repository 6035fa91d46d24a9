package packedbst

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// TableEntry locates one chunk: its lowest key, its ID and the offset of
// its root node.
type TableEntry[K any] struct {
	FirstKey K     `json:"k"`
	ChunkID  int   `json:"c"`
	Root     int32 `json:"r"`
}

// Table is the outer lookup over chunks, sorted by FirstKey. Chunk key
// ranges are disjoint and ordered because Pack consumes sorted input.
type Table[K any] struct {
	Entries []TableEntry[K] `json:"entries"`
	codec   KeyCodec[K]
}

func newTable[K any](chunks []Chunk[K], codec KeyCodec[K]) *Table[K] {
	entries := make([]TableEntry[K], len(chunks))
	for i, c := range chunks {
		entries[i] = TableEntry[K]{FirstKey: c.FirstKey, ChunkID: c.ID, Root: c.Root}
	}
	return &Table[K]{Entries: entries, codec: codec}
}

// NewTable rebuilds a table from persisted entries.
func NewTable[K any](entries []TableEntry[K], codec KeyCodec[K]) (*Table[K], error) {
	for i := 1; i < len(entries); i++ {
		if codec.Compare(entries[i-1].FirstKey, entries[i].FirstKey) >= 0 {
			return nil, fmt.Errorf("%w: lookup table entry %d", ErrUnsortedKeys, i)
		}
	}
	return &Table[K]{Entries: entries, codec: codec}, nil
}

func (t *Table[K]) Len() int { return len(t.Entries) }

// Locate returns the only chunk that could hold key. A key below every
// chunk's lowest key is not found.
func (t *Table[K]) Locate(key K) (TableEntry[K], bool) {
	idx := sort.Search(len(t.Entries), func(i int) bool {
		return t.codec.Compare(t.Entries[i].FirstKey, key) > 0
	}) - 1
	if idx < 0 {
		var zero TableEntry[K]
		return zero, false
	}
	return t.Entries[idx], true
}

// SearchChunk walks the tree in data starting at root. It returns the value
// slice (aliasing data) and whether key was found. Offsets that escape the
// buffer, or children that do not precede their parent, yield ErrCorruptChunk.
func SearchChunk[K any](data []byte, root int32, key K, codec KeyCodec[K]) ([]byte, bool, error) {
	off := root
	for off != NoChild {
		n, err := readNode(data, off, codec)
		if err != nil {
			return nil, false, err
		}
		c := codec.Compare(key, n.key)
		switch {
		case c == 0:
			return n.value, true, nil
		case c < 0:
			off = n.left
		default:
			off = n.right
		}
		if off != NoChild && off >= n.offset {
			return nil, false, fmt.Errorf("%w: child %d does not precede node %d", ErrCorruptChunk, off, n.offset)
		}
	}
	return nil, false, nil
}

type node[K any] struct {
	offset int32
	key    K
	left   int32
	right  int32
	value  []byte
}

func readNode[K any](data []byte, off int32, codec KeyCodec[K]) (node[K], error) {
	var n node[K]
	if off < 0 || int(off) >= len(data) {
		return n, fmt.Errorf("%w: node offset %d outside %d bytes", ErrCorruptChunk, off, len(data))
	}
	pos := int(off)
	key, used, err := codec.Decode(data[pos:])
	if err != nil {
		return n, fmt.Errorf("node at %d key: %w", off, err)
	}
	pos += used
	if pos+NodeHeaderSize > len(data) {
		return n, fmt.Errorf("%w: node at %d header truncated", ErrCorruptChunk, off)
	}
	left := int32(binary.LittleEndian.Uint32(data[pos:]))
	right := int32(binary.LittleEndian.Uint32(data[pos+4:]))
	valueLen := binary.LittleEndian.Uint32(data[pos+8:])
	pos += NodeHeaderSize
	if uint64(pos)+uint64(valueLen) > uint64(len(data)) {
		return n, fmt.Errorf("%w: node at %d value of %d bytes truncated", ErrCorruptChunk, off, valueLen)
	}
	if left < NoChild || right < NoChild {
		return n, fmt.Errorf("%w: node at %d has negative child offset", ErrCorruptChunk, off)
	}
	n.offset = off
	n.key = key
	n.left = left
	n.right = right
	n.value = data[pos : pos+int(valueLen)]
	return n, nil
}

// Walk visits every node of a chunk in key order. The build CLI lists chunk
// contents with it.
func Walk[K any](data []byte, root int32, codec KeyCodec[K], fn func(key K, value []byte) error) error {
	if root == NoChild {
		return nil
	}
	n, err := readNode(data, root, codec)
	if err != nil {
		return err
	}
	for _, child := range []int32{n.left, n.right} {
		if child != NoChild && child >= n.offset {
			return fmt.Errorf("%w: child %d does not precede node %d", ErrCorruptChunk, child, n.offset)
		}
	}
	if err := Walk(data, n.left, codec, fn); err != nil {
		return err
	}
	if err := fn(n.key, n.value); err != nil {
		return err
	}
	return Walk(data, n.right, codec, fn)
}
