package packedbst

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memChunks [][]byte

func (m memChunks) Chunk(_ context.Context, id int) ([]byte, error) {
	if id < 0 || id >= len(m) {
		return nil, fmt.Errorf("no chunk %d", id)
	}
	return m[id], nil
}

func chunkData[K any](p *Packed[K]) memChunks {
	out := make(memChunks, len(p.Chunks))
	for i, c := range p.Chunks {
		out[i] = c.Data
	}
	return out
}

func stringEntries(n int) []Entry[string] {
	entries := make([]Entry[string], n)
	for i := range entries {
		key := fmt.Sprintf("title_word%05d", i)
		entries[i] = Entry[string]{Key: key, Value: []byte("v-" + key)}
	}
	return entries
}

func TestPackRoundTripStrings(t *testing.T) {
	entries := stringEntries(500)
	packed, err := Pack(entries, StringKeys{}, 1024)
	require.NoError(t, err)
	require.Greater(t, len(packed.Chunks), 1)

	r := NewReader(packed.Table, StringKeys{}, chunkData(packed))
	ctx := context.Background()
	for _, e := range entries {
		v, found, err := r.Get(ctx, e.Key)
		require.NoError(t, err)
		require.True(t, found, e.Key)
		assert.Equal(t, e.Value, v)
	}

	for _, missing := range []string{"", "a", "title_word00000x", "title_word99999", "zzz"} {
		_, found, err := r.Get(ctx, missing)
		require.NoError(t, err)
		assert.False(t, found, missing)
	}
}

func TestPackRoundTripUint32(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	keys := map[uint32]bool{}
	for len(keys) < 300 {
		keys[uint32(rng.Intn(100000))*2] = true
	}
	sorted := make([]uint32, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	entries := make([]Entry[uint32], len(sorted))
	for i, k := range sorted {
		entries[i] = Entry[uint32]{Key: k, Value: []byte(fmt.Sprintf(`{"id":%d}`, k))}
	}
	packed, err := Pack(entries, Uint32Keys{}, 512)
	require.NoError(t, err)

	r := NewReader(packed.Table, Uint32Keys{}, chunkData(packed))
	for _, e := range entries {
		v, found, err := r.Get(context.Background(), e.Key)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, e.Value, v)

		_, found, err = r.Get(context.Background(), e.Key+1)
		require.NoError(t, err)
		assert.False(t, found, "odd keys were never inserted")
	}
}

func TestChunksRespectBudget(t *testing.T) {
	entries := stringEntries(200)
	const budget = 300
	packed, err := Pack(entries, StringKeys{}, budget)
	require.NoError(t, err)
	total := 0
	for _, c := range packed.Chunks {
		assert.LessOrEqual(t, len(c.Data), budget)
		total += c.Count
	}
	assert.Equal(t, len(entries), total)
}

func TestTreeDepthIsLogarithmic(t *testing.T) {
	entries := stringEntries(1000)
	packed, err := Pack(entries, StringKeys{}, math.MaxInt32)
	require.NoError(t, err)
	require.Len(t, packed.Chunks, 1)
	c := packed.Chunks[0]

	var depth func(off int32) int
	depth = func(off int32) int {
		if off == NoChild {
			return 0
		}
		n, err := readNode(c.Data, off, StringKeys{})
		require.NoError(t, err)
		return 1 + max(depth(n.left), depth(n.right))
	}
	assert.LessOrEqual(t, depth(c.Root), int(math.Ceil(math.Log2(1001))))
}

func TestWalkVisitsInOrder(t *testing.T) {
	entries := stringEntries(37)
	packed, err := Pack(entries, StringKeys{}, 1<<20)
	require.NoError(t, err)
	var got []string
	err = Walk(packed.Chunks[0].Data, packed.Chunks[0].Root, StringKeys{}, func(k string, _ []byte) error {
		got = append(got, k)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 37)
	assert.True(t, sort.StringsAreSorted(got))
}

func TestPackDeterministic(t *testing.T) {
	a, err := Pack(stringEntries(100), StringKeys{}, 700)
	require.NoError(t, err)
	b, err := Pack(stringEntries(100), StringKeys{}, 700)
	require.NoError(t, err)
	require.Equal(t, len(a.Chunks), len(b.Chunks))
	for i := range a.Chunks {
		assert.Equal(t, a.Chunks[i].Data, b.Chunks[i].Data)
		assert.Equal(t, a.Chunks[i].Root, b.Chunks[i].Root)
	}
}

func TestPackErrors(t *testing.T) {
	_, err := Pack([]Entry[string]{{Key: "b"}, {Key: "a"}}, StringKeys{}, 100)
	assert.ErrorIs(t, err, ErrUnsortedKeys)

	_, err = Pack([]Entry[string]{{Key: "a"}, {Key: "a"}}, StringKeys{}, 100)
	assert.ErrorIs(t, err, ErrUnsortedKeys)

	_, err = Pack([]Entry[string]{{Key: "a", Value: make([]byte, 200)}}, StringKeys{}, 100)
	assert.ErrorIs(t, err, ErrEntryTooLarge)

	long := string(make([]byte, 300))
	_, err = Pack([]Entry[string]{{Key: long}}, StringKeys{}, 1000)
	assert.ErrorIs(t, err, ErrKeyTooLong)
}

func TestEmptyPack(t *testing.T) {
	packed, err := Pack[string](nil, StringKeys{}, 100)
	require.NoError(t, err)
	assert.Empty(t, packed.Chunks)
	_, ok := packed.Table.Locate("anything")
	assert.False(t, ok)
}

func TestSearchChunkCorruption(t *testing.T) {
	packed, err := Pack(stringEntries(10), StringKeys{}, 1<<20)
	require.NoError(t, err)
	c := packed.Chunks[0]

	_, _, err = SearchChunk(c.Data[:len(c.Data)/2], c.Root, "title_word00003", StringKeys{})
	assert.ErrorIs(t, err, ErrCorruptChunk, "root beyond truncated buffer")

	_, _, err = SearchChunk(c.Data, int32(len(c.Data)+5), "x", StringKeys{})
	assert.ErrorIs(t, err, ErrCorruptChunk)

	// Point the root's left child at itself.
	data := append([]byte(nil), c.Data...)
	keyLen := int(data[c.Root])
	binary.LittleEndian.PutUint32(data[int(c.Root)+1+keyLen:], uint32(c.Root))
	_, _, err = SearchChunk(data, c.Root, "title_word00000", StringKeys{})
	assert.ErrorIs(t, err, ErrCorruptChunk)
}

func TestNewTableRejectsUnsorted(t *testing.T) {
	_, err := NewTable([]TableEntry[uint32]{{FirstKey: 5}, {FirstKey: 1}}, Uint32Keys{})
	assert.True(t, errors.Is(err, ErrUnsortedKeys))
}
