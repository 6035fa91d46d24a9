package index

import (
	"bytes"
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/chunkstore"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/native"
)

// Store key layout for published artifacts.
const (
	KindTerms     = "terms"
	KindDocuments = "documents"
	KindPopular   = "popular"
	ManifestKey   = "manifest"
	ModuleKey     = "module"
)

// ChunkKey names one chunk in the store, e.g. "terms/3".
func ChunkKey(kind string, id int) string {
	return fmt.Sprintf("%s/%d", kind, id)
}

// Artifacts is everything one build produces.
type Artifacts struct {
	Manifest       *Manifest
	TermChunks     [][]byte
	DocumentChunks [][]byte
	Packages       [][]byte
	Module         []byte
}

// Files lists every artifact by store key, manifest last so that a reader
// never sees a manifest pointing at missing chunks.
func (a *Artifacts) Files() ([]File, error) {
	var files []File
	for i, c := range a.TermChunks {
		files = append(files, File{Key: ChunkKey(KindTerms, i), Data: c})
	}
	for i, c := range a.DocumentChunks {
		files = append(files, File{Key: ChunkKey(KindDocuments, i), Data: c})
	}
	for i, p := range a.Packages {
		files = append(files, File{Key: ChunkKey(KindPopular, i), Data: p})
	}
	files = append(files, File{Key: ModuleKey, Data: a.Module})
	manifest, err := a.Manifest.Encode()
	if err != nil {
		return nil, err
	}
	return append(files, File{Key: ManifestKey, Data: manifest}), nil
}

// File is one artifact addressed by store key.
type File struct {
	Key  string
	Data []byte
}

// WriteDir writes the artifacts under dir using store keys as relative
// paths, manifest last.
func WriteDir(ctx context.Context, dir string, a *Artifacts) error {
	return Upload(ctx, chunkstore.NewFS(dir), a)
}

// Upload puts every artifact into dst in Files order. Backends that support
// batches receive everything but the manifest in one batch, then the
// manifest on its own.
func Upload(ctx context.Context, dst chunkstore.Putter, a *Artifacts) error {
	files, err := a.Files()
	if err != nil {
		return err
	}
	if b, ok := dst.(chunkstore.BatchPutter); ok {
		items := make([]chunkstore.Item, 0, len(files)-1)
		for _, f := range files[:len(files)-1] {
			items = append(items, chunkstore.Item{Key: f.Key, Data: f.Data})
		}
		if err := b.PutAll(ctx, items); err != nil {
			return fmt.Errorf("uploading artifacts: %w", err)
		}
		files = files[len(files)-1:]
	}
	for _, f := range files {
		if err := dst.Put(ctx, f.Key, f.Data); err != nil {
			return fmt.Errorf("uploading %s: %w", f.Key, err)
		}
	}
	return nil
}

// Fetch reads back a complete build from store, verifying every chunk and
// package against the manifest.
func Fetch(ctx context.Context, store chunkstore.Store) (*Artifacts, error) {
	dep, err := Load(ctx, store)
	if err != nil {
		return nil, err
	}
	m := dep.Manifest
	a := &Artifacts{Manifest: m, Packages: dep.Image.Packages}
	if a.TermChunks, err = fetchKind(ctx, store, KindTerms, m.TermChecksums); err != nil {
		return nil, err
	}
	if a.DocumentChunks, err = fetchKind(ctx, store, KindDocuments, m.DocumentChecksums); err != nil {
		return nil, err
	}
	if a.Module, err = store.Get(ctx, ModuleKey); err != nil {
		return nil, fmt.Errorf("fetching module image: %w", err)
	}
	if err := verifyPackages(ctx, store, m, a.Packages); err != nil {
		return nil, err
	}
	return a, nil
}

// verifyPackages checks the standalone popular/<id> copies against the
// manifest sizes and the packages embedded in the module image.
func verifyPackages(ctx context.Context, store chunkstore.Store, m *Manifest, resident [][]byte) error {
	for i, size := range m.PackageSizes {
		key := ChunkKey(KindPopular, i)
		data, err := store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("fetching %s: %w", key, err)
		}
		if len(data) != size {
			return fmt.Errorf("%s is %d bytes, manifest has %d", key, len(data), size)
		}
		if !bytes.Equal(data, resident[i]) {
			return fmt.Errorf("%s differs from the package in the module image", key)
		}
	}
	return nil
}

func fetchKind(ctx context.Context, store chunkstore.Store, kind string, sums []uint64) ([][]byte, error) {
	out := make([][]byte, len(sums))
	for i, want := range sums {
		key := ChunkKey(kind, i)
		data, err := store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("fetching %s: %w", key, err)
		}
		if sum := xxhash.Sum64(data); sum != want {
			return nil, fmt.Errorf("%s checksum %x does not match manifest %x", key, sum, want)
		}
		out[i] = data
	}
	return out, nil
}

// Deployment is what a searcher loads at startup.
type Deployment struct {
	Manifest *Manifest
	Image    *native.Image
}

// Load fetches and verifies the manifest and module image.
func Load(ctx context.Context, store chunkstore.Store) (*Deployment, error) {
	raw, err := store.Get(ctx, ManifestKey)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest: %w", err)
	}
	m, err := DecodeManifest(raw)
	if err != nil {
		return nil, err
	}
	mod, err := store.Get(ctx, ModuleKey)
	if err != nil {
		return nil, fmt.Errorf("fetching module image: %w", err)
	}
	if sum := xxhash.Sum64(mod); sum != m.ModuleChecksum {
		return nil, fmt.Errorf("module image checksum %x does not match manifest %x", sum, m.ModuleChecksum)
	}
	img, err := native.DecodeImage(mod)
	if err != nil {
		return nil, err
	}
	if int(img.EntryCount) != m.EntryCount || len(img.Packages) != len(m.PackageSizes) {
		return nil, fmt.Errorf("module image does not match manifest %s", m.BuildID)
	}
	return &Deployment{Manifest: m, Image: img}, nil
}
