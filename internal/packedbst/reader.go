package packedbst

import (
	"context"
	"fmt"
)

// ChunkSource fetches a serialised chunk by ID.
type ChunkSource interface {
	Chunk(ctx context.Context, id int) ([]byte, error)
}

// ChunkSourceFunc adapts a function to ChunkSource.
type ChunkSourceFunc func(ctx context.Context, id int) ([]byte, error)

func (f ChunkSourceFunc) Chunk(ctx context.Context, id int) ([]byte, error) { return f(ctx, id) }

// Reader answers point lookups against packed chunks.
type Reader[K any] struct {
	table  *Table[K]
	codec  KeyCodec[K]
	source ChunkSource
}

func NewReader[K any](table *Table[K], codec KeyCodec[K], source ChunkSource) *Reader[K] {
	return &Reader[K]{table: table, codec: codec, source: source}
}

// Get returns the value stored under key. found is false when the key was
// never packed; that is not an error.
func (r *Reader[K]) Get(ctx context.Context, key K) (value []byte, found bool, err error) {
	loc, ok := r.table.Locate(key)
	if !ok {
		return nil, false, nil
	}
	data, err := r.source.Chunk(ctx, loc.ChunkID)
	if err != nil {
		return nil, false, fmt.Errorf("fetching chunk %d: %w", loc.ChunkID, err)
	}
	value, found, err = SearchChunk(data, loc.Root, key, r.codec)
	if err != nil {
		return nil, false, fmt.Errorf("searching chunk %d: %w", loc.ChunkID, err)
	}
	return value, found, nil
}
