package index

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/bitset"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/chunkstore"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/extract"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/packedbst"
)

func testConfig() Config {
	return Config{
		SearchableFields: []string{"title"},
		DocumentEncoding: EncodingJSON,
		MinTerms:         1,
		PopularFraction:  0,
		MaxChunkBytes:    256,
		MaxPackageBytes:  64,
		PageSize:         10,
		MaxQueryTerms:    8,
	}
}

func jobs() []Entry {
	return []Entry{
		{"title": "senior engineer", "company": "Acme"},
		{"title": "engineer", "company": "Globex"},
		{"title": "manager", "company": "Initech"},
	}
}

type mapStore map[string][]byte

func (m mapStore) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m[key]
	if !ok {
		return nil, fmt.Errorf("%s: not found", key)
	}
	return v, nil
}

func storeOf(t *testing.T, art *Artifacts) mapStore {
	t.Helper()
	files, err := art.Files()
	require.NoError(t, err)
	m := mapStore{}
	for _, f := range files {
		m[f.Key] = f.Data
	}
	return m
}

func termOrdinals(t *testing.T, art *Artifacts, key string) []int {
	t.Helper()
	m := art.Manifest
	var raw []byte
	if p, ok := m.LookupPopular(key); ok {
		raw = art.Packages[p.Package][p.Offset : p.Offset+p.Length]
	} else {
		table, err := m.TermTable()
		require.NoError(t, err)
		loc, ok := table.Locate(key)
		if !ok {
			return nil
		}
		v, found, err := packedbst.SearchChunk(art.TermChunks[loc.ChunkID], loc.Root, key, packedbst.StringKeys{})
		require.NoError(t, err)
		if !found {
			return nil
		}
		raw = v
	}
	b, err := bitset.FromBytes(raw, m.EntryCount)
	require.NoError(t, err)
	return b.Ordinals()
}

func TestBuildTermBitsets(t *testing.T) {
	art, err := Build(jobs(), extract.Simple{}, testConfig())
	require.NoError(t, err)

	m := art.Manifest
	assert.Equal(t, 3, m.EntryCount)
	assert.Equal(t, 3, m.TermCount)
	assert.Equal(t, 8, m.BitsetBytes)
	assert.Equal(t, []int{0, 1}, termOrdinals(t, art, "title_engineer"))
	assert.Equal(t, []int{0}, termOrdinals(t, art, "title_senior"))
	assert.Equal(t, []int{2}, termOrdinals(t, art, "title_manager"))
	assert.Nil(t, termOrdinals(t, art, "company_acme"), "company is not searchable")
}

func TestBuildPopularSplit(t *testing.T) {
	cfg := testConfig()
	cfg.PopularFraction = 0.34
	art, err := Build(jobs(), extract.Simple{}, cfg)
	require.NoError(t, err)

	require.Len(t, art.Manifest.Popular, 1)
	assert.Equal(t, "title_engineer", art.Manifest.Popular[0].Key, "most frequent term")
	assert.Len(t, art.Packages, 1)
	assert.Equal(t, []int{0, 1}, termOrdinals(t, art, "title_engineer"))

	table, err := art.Manifest.TermTable()
	require.NoError(t, err)
	loc, ok := table.Locate("title_engineer")
	if ok {
		_, found, err := packedbst.SearchChunk(art.TermChunks[loc.ChunkID], loc.Root, "title_engineer", packedbst.StringKeys{})
		require.NoError(t, err)
		assert.False(t, found, "popular terms are not duplicated in cold chunks")
	}
}

func TestPopularTieBreakByKey(t *testing.T) {
	cfg := testConfig()
	cfg.PopularFraction = 0.5
	entries := []Entry{{"title": "b a"}, {"title": "d c"}}
	art, err := Build(entries, extract.Simple{}, cfg)
	require.NoError(t, err)
	keys := []string{}
	for _, p := range art.Manifest.Popular {
		keys = append(keys, p.Key)
	}
	assert.Equal(t, []string{"title_a", "title_b"}, keys)
}

func TestPackagesRespectBudget(t *testing.T) {
	cfg := testConfig()
	cfg.PopularFraction = 1
	cfg.MaxPackageBytes = 16
	entries := make([]Entry, 10)
	for i := range entries {
		entries[i] = Entry{"title": fmt.Sprintf("w%d common", i)}
	}
	art, err := Build(entries, extract.Simple{}, cfg)
	require.NoError(t, err)
	assert.Len(t, art.Manifest.Popular, 11)
	assert.Len(t, art.Packages, 6, "two 8-byte bitsets per 16-byte package")
	for _, p := range art.Packages {
		assert.LessOrEqual(t, len(p), 16)
	}
	assert.Empty(t, art.TermChunks)
}

func TestBuildRejectsSparseIndex(t *testing.T) {
	cfg := testConfig()
	cfg.MinTerms = 1000
	_, err := Build(jobs(), extract.Simple{}, cfg)
	assert.ErrorIs(t, err, ErrTooFewTerms)
}

func TestBuildRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.SearchableFields = []string{"job_title"}
	_, err := Build(jobs(), extract.Simple{}, cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig()
	cfg.DocumentEncoding = EncodingText
	_, err = Build(jobs(), extract.Simple{}, cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestBuildIsDeterministic(t *testing.T) {
	var entries []Entry
	for i := 0; i < 300; i++ {
		entries = append(entries, Entry{"title": fmt.Sprintf("role%d level%d team%d", i%17, i%5, i%41)})
	}
	cfg := testConfig()
	cfg.PopularFraction = 0.1
	cfg.MaxPackageBytes = 1024

	a, err := Build(entries, extract.Simple{}, cfg)
	require.NoError(t, err)
	b, err := Build(entries, extract.Simple{}, cfg)
	require.NoError(t, err)

	assert.Equal(t, a.TermChunks, b.TermChunks)
	assert.Equal(t, a.DocumentChunks, b.DocumentChunks)
	assert.Equal(t, a.Packages, b.Packages)
	assert.Equal(t, a.Module, b.Module)
	assert.Equal(t, a.Manifest.BuildID, b.Manifest.BuildID)
}

func TestDocuments(t *testing.T) {
	cfg := testConfig()
	cfg.DisplayFields = []string{"title", "company"}
	art, err := Build(jobs(), extract.Simple{}, cfg)
	require.NoError(t, err)

	table, err := art.Manifest.DocumentTable()
	require.NoError(t, err)
	r := packedbst.NewReader(table, packedbst.Uint32Keys{}, packedbst.ChunkSourceFunc(func(_ context.Context, id int) ([]byte, error) {
		return art.DocumentChunks[id], nil
	}))
	raw, found, err := r.Get(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, found)

	doc, err := DecodeDocument(EncodingJSON, raw)
	require.NoError(t, err)
	var fields map[string]string
	require.NoError(t, json.Unmarshal(doc.(json.RawMessage), &fields))
	assert.Equal(t, map[string]string{"title": "engineer", "company": "Globex"}, fields)

	_, found, err = r.Get(context.Background(), 3)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTextDocuments(t *testing.T) {
	cfg := testConfig()
	cfg.DocumentEncoding = EncodingText
	cfg.DisplayFields = []string{"company"}
	art, err := Build(jobs(), extract.Simple{}, cfg)
	require.NoError(t, err)
	table, err := art.Manifest.DocumentTable()
	require.NoError(t, err)
	loc, ok := table.Locate(2)
	require.True(t, ok)
	raw, found, err := packedbst.SearchChunk(art.DocumentChunks[loc.ChunkID], loc.Root, uint32(2), packedbst.Uint32Keys{})
	require.NoError(t, err)
	require.True(t, found)
	doc, err := DecodeDocument(EncodingText, raw)
	require.NoError(t, err)
	assert.Equal(t, "Initech", doc)

	_, err = DecodeDocument(EncodingJSON, []byte("{not json"))
	assert.ErrorIs(t, err, ErrBadDocument)
}

func TestManifestRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.PopularFraction = 0.34
	art, err := Build(jobs(), extract.Simple{}, cfg)
	require.NoError(t, err)

	data, err := art.Manifest.Encode()
	require.NoError(t, err)
	got, err := DecodeManifest(data)
	require.NoError(t, err)
	assert.Equal(t, art.Manifest.BuildID, got.BuildID)
	assert.Equal(t, art.Manifest.Popular, got.Popular)
	assert.Equal(t, art.Manifest.Terms, got.Terms)
	assert.Equal(t, art.Manifest.DocumentChecksums, got.DocumentChecksums)
	assert.Equal(t, MagicBytes, got.Header.Magic)

	data[HeaderSize+3] ^= 0x01
	_, err = DecodeManifest(data)
	assert.Error(t, err)

	_, err = DecodeManifest(data[:10])
	assert.Error(t, err)
}

func TestSuggestWords(t *testing.T) {
	cfg := testConfig()
	cfg.SearchableFields = []string{"title", "company"}
	cfg.PopularFraction = 0.5
	entries := append(jobs(),
		Entry{"title": "engine mechanic", "company": "Acme Engines"},
		Entry{"title": "senior manager", "company": "Globex"},
	)
	art, err := Build(entries, extract.Simple{}, cfg)
	require.NoError(t, err)
	m := art.Manifest

	// Popular and cold terms both land in the word lists.
	assert.Equal(t, []string{"engine", "engineer", "manager", "mechanic", "senior"}, m.Words["title"])
	assert.Equal(t, []string{"acme", "engines", "globex", "initech"}, m.Words["company"])

	tests := []struct {
		field, prefix string
		limit         int
		want          []string
	}{
		{"title", "engine", 5, []string{"engine", "engineer"}},
		{"title", "m", 5, []string{"manager", "mechanic"}},
		{"title", "m", 1, []string{"manager"}},
		{"title", "", 3, []string{"engine", "engineer", "manager"}},
		{"title", "engineers", 5, []string{}},
		{"title", "zz", 5, []string{}},
		{"company", "eng", 5, []string{"engines"}},
		{"title", "senior", 0, []string{}},
	}
	for _, tt := range tests {
		got, ok := m.Suggest(tt.field, tt.prefix, tt.limit)
		require.True(t, ok)
		assert.Equal(t, tt.want, got, "%s %q limit %d", tt.field, tt.prefix, tt.limit)
	}

	_, ok := m.Suggest("location", "a", 5)
	assert.False(t, ok)

	data, err := m.Encode()
	require.NoError(t, err)
	decoded, err := DecodeManifest(data)
	require.NoError(t, err)
	assert.Equal(t, m.Words, decoded.Words)
}

func TestLoadDeployment(t *testing.T) {
	art, err := Build(jobs(), extract.Simple{}, testConfig())
	require.NoError(t, err)
	store := storeOf(t, art)

	dep, err := Load(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), dep.Image.EntryCount)
	assert.Equal(t, uint32(10), dep.Image.MaxResults)

	store[ModuleKey] = append([]byte(nil), store[ModuleKey]...)
	store[ModuleKey][0] ^= 0xFF
	_, err = Load(context.Background(), store)
	assert.Error(t, err)
}

func TestWriteDir(t *testing.T) {
	art, err := Build(jobs(), extract.Simple{}, testConfig())
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, WriteDir(context.Background(), dir, art))

	for i := range art.TermChunks {
		data, err := os.ReadFile(filepath.Join(dir, KindTerms, fmt.Sprint(i)))
		require.NoError(t, err)
		assert.Equal(t, art.TermChunks[i], data)
	}
	_, err = os.Stat(filepath.Join(dir, ManifestKey))
	assert.NoError(t, err)
	matches, _ := filepath.Glob(filepath.Join(dir, "*", "*.tmp"))
	assert.Empty(t, matches)

	dep, err := Load(context.Background(), chunkstore.NewFS(dir))
	require.NoError(t, err)
	assert.Equal(t, art.Manifest.BuildID, dep.Manifest.BuildID)
}

func TestFetchReadsBackBuild(t *testing.T) {
	cfg := testConfig()
	cfg.PopularFraction = 0.5
	art, err := Build(jobs(), extract.Simple{}, cfg)
	require.NoError(t, err)
	store := chunkstore.Map{}
	require.NoError(t, Upload(context.Background(), store, art))

	got, err := Fetch(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, art.TermChunks, got.TermChunks)
	assert.Equal(t, art.DocumentChunks, got.DocumentChunks)
	assert.Equal(t, art.Packages, got.Packages)
	assert.Equal(t, art.Module, got.Module)
	assert.Equal(t, art.Manifest.BuildID, got.Manifest.BuildID)

	key := ChunkKey(KindDocuments, 0)
	store[key] = append([]byte{0}, store[key]...)
	_, err = Fetch(context.Background(), store)
	assert.ErrorContains(t, err, key)
}

func TestFetchVerifiesStandalonePackages(t *testing.T) {
	cfg := testConfig()
	cfg.PopularFraction = 0.5
	art, err := Build(jobs(), extract.Simple{}, cfg)
	require.NoError(t, err)
	require.NotEmpty(t, art.Packages)

	key := ChunkKey(KindPopular, 0)
	store := chunkstore.Map{}
	require.NoError(t, Upload(context.Background(), store, art))
	flipped := append([]byte(nil), store[key]...)
	flipped[0] ^= 0xff
	store[key] = flipped
	_, err = Fetch(context.Background(), store)
	assert.ErrorContains(t, err, "differs from the package")

	delete(store, key)
	_, err = Fetch(context.Background(), store)
	assert.ErrorIs(t, err, chunkstore.ErrNotFound)

	store[key] = art.Packages[0][:len(art.Packages[0])-1]
	_, err = Fetch(context.Background(), store)
	assert.ErrorContains(t, err, "manifest has")
}

type batchStore struct {
	chunkstore.Map
	batches int
}

func (b *batchStore) PutAll(ctx context.Context, items []chunkstore.Item) error {
	b.batches++
	for _, it := range items {
		if err := b.Put(ctx, it.Key, it.Data); err != nil {
			return err
		}
	}
	return nil
}

func TestUploadBatchesAllButManifest(t *testing.T) {
	art, err := Build(jobs(), extract.Simple{}, testConfig())
	require.NoError(t, err)
	dst := &batchStore{Map: chunkstore.Map{}}
	require.NoError(t, Upload(context.Background(), dst, art))
	assert.Equal(t, 1, dst.batches)
	assert.Contains(t, dst.Map, ManifestKey)
	assert.Contains(t, dst.Map, ModuleKey)
	assert.Contains(t, dst.Map, ChunkKey(KindDocuments, 0))
}

func TestReadEntries(t *testing.T) {
	in := strings.NewReader("{\"title\":\"a\"}\n\n \t\r\n{\"title\":\"b\",\"company\":\"c\"}\n")
	entries, err := ReadEntries(in)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[1]["company"])

	_, err = ReadEntries(strings.NewReader("{\"title\": 3}\n"))
	assert.Error(t, err)
}

func BenchmarkBuild(b *testing.B) {
	entries := make([]Entry, 5000)
	for i := range entries {
		entries[i] = Entry{"title": fmt.Sprintf("role %d level %d team %d", i%97, i%7, i%13)}
	}
	cfg := testConfig()
	cfg.MaxChunkBytes = 64 << 10
	cfg.MaxPackageBytes = 64 << 10
	cfg.PopularFraction = 0.05
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Build(entries, extract.Simple{}, cfg); err != nil {
			b.Fatal(err)
		}
	}
}
