// Package index builds the immutable search artifacts for one deployment:
// dense per-term bitsets split into a popular tier (flat packages resident
// in the evaluation module) and a cold tier (packed BST chunks), packed
// document chunks keyed by entry ordinal, and the manifest that ties the
// lookup tables together.
package index

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring"

	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/bitset"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/extract"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/native"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/packedbst"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/config"
)

var (
	ErrTooFewTerms   = errors.New("index has too few distinct terms")
	ErrInvalidConfig = errors.New("invalid build configuration")
)

// TermSeparator joins a field name and a word into a composite key.
const TermSeparator = "_"

// Entry is one corpus record: field name to text.
type Entry map[string]string

// DocumentEncoding selects how display payloads are serialised.
type DocumentEncoding string

const (
	EncodingJSON DocumentEncoding = "json"
	EncodingText DocumentEncoding = "text"
)

// Config controls layout of the build artifacts.
type Config struct {
	SearchableFields []string
	DisplayFields    []string
	DocumentEncoding DocumentEncoding
	MinTerms         int
	PopularFraction  float64
	MaxChunkBytes    int
	MaxPackageBytes  int
	PageSize         int
	MaxQueryTerms    int
	// MaxQueryBytes caps raw search query strings; zero disables the cap.
	MaxQueryBytes    int
	// MaxSuggestions bounds autocomplete responses.
	MaxSuggestions   int
}

// ConfigFrom maps the builder section of the application config.
func ConfigFrom(c config.BuilderConfig) Config {
	return Config{
		SearchableFields: c.SearchableFields,
		DisplayFields:    c.DisplayFields,
		DocumentEncoding: DocumentEncoding(c.DocumentEncoding),
		MinTerms:         c.MinTerms,
		PopularFraction:  c.PopularFraction,
		MaxChunkBytes:    c.MaxChunkBytes,
		MaxPackageBytes:  c.MaxPackageBytes,
		PageSize:         c.PageSize,
		MaxQueryTerms:    c.MaxQueryTerms,
		MaxQueryBytes:    c.MaxQueryBytes,
		MaxSuggestions:   c.MaxSuggestions,
	}
}

func (c Config) validate() error {
	if len(c.SearchableFields) == 0 {
		return fmt.Errorf("%w: no searchable fields", ErrInvalidConfig)
	}
	for _, f := range c.SearchableFields {
		if f == "" || strings.Contains(f, TermSeparator) {
			return fmt.Errorf("%w: field name %q must be non-empty and must not contain %q", ErrInvalidConfig, f, TermSeparator)
		}
	}
	switch c.DocumentEncoding {
	case EncodingJSON:
	case EncodingText:
		if len(c.DisplayFields) != 1 {
			return fmt.Errorf("%w: text documents need exactly one display field", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: document encoding %q", ErrInvalidConfig, c.DocumentEncoding)
	}
	if c.PopularFraction < 0 || c.PopularFraction > 1 {
		return fmt.Errorf("%w: popular fraction %v", ErrInvalidConfig, c.PopularFraction)
	}
	if c.MaxChunkBytes <= 0 || c.MaxPackageBytes <= 0 || c.PageSize <= 0 || c.MaxQueryTerms <= 0 {
		return fmt.Errorf("%w: sizes and limits must be positive", ErrInvalidConfig)
	}
	if c.MaxQueryBytes < 0 || c.MaxSuggestions < 0 {
		return fmt.Errorf("%w: query byte and suggestion limits must not be negative", ErrInvalidConfig)
	}
	return nil
}

// term is one composite key with the ordinals it appears in.
type term struct {
	key      string
	postings *roaring.Bitmap
}

// Build indexes entries. The result depends only on its inputs: the same
// corpus, extractor and config always produce byte-identical chunks.
func Build(entries []Entry, extractor extract.Extractor, cfg Config) (*Artifacts, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(entries) > math.MaxInt32 {
		return nil, fmt.Errorf("%w: %d entries exceed the ordinal range", ErrInvalidConfig, len(entries))
	}
	logger := slog.Default().With("component", "index-builder")

	terms, skipped := collectTerms(entries, extractor, cfg.SearchableFields)
	if skipped > 0 {
		logger.Warn("skipped terms with oversized keys", "count", skipped, "max_key_bytes", packedbst.MaxStringKeyLen)
	}
	if len(terms) < cfg.MinTerms {
		return nil, fmt.Errorf("%w: %d distinct terms, minimum is %d", ErrTooFewTerms, len(terms), cfg.MinTerms)
	}

	n := len(entries)
	popular := selectPopular(terms, cfg.PopularFraction)

	var (
		cold      []packedbst.Entry[string]
		pkgs      packageWriter
		popTable  []PopularEntry
		bitsetLen = bitset.ByteLen(n)
	)
	if bitsetLen > cfg.MaxPackageBytes && len(popular) > 0 {
		return nil, fmt.Errorf("%w: a %d-byte bitset does not fit a %d-byte package", ErrInvalidConfig, bitsetLen, cfg.MaxPackageBytes)
	}
	for _, t := range terms {
		data := materialise(t.postings, n)
		if popular[t.key] {
			pkg, off := pkgs.add(data, cfg.MaxPackageBytes)
			popTable = append(popTable, PopularEntry{Key: t.key, Package: pkg, Offset: off, Length: uint32(len(data))})
			continue
		}
		cold = append(cold, packedbst.Entry[string]{Key: t.key, Value: data})
	}

	termPack, err := packedbst.Pack(cold, packedbst.StringKeys{}, cfg.MaxChunkBytes)
	if err != nil {
		return nil, fmt.Errorf("packing term chunks: %w", err)
	}

	docs := make([]packedbst.Entry[uint32], n)
	for i, e := range entries {
		payload, err := encodeDocument(e, cfg)
		if err != nil {
			return nil, fmt.Errorf("encoding document %d: %w", i, err)
		}
		docs[i] = packedbst.Entry[uint32]{Key: uint32(i), Value: payload}
	}
	docPack, err := packedbst.Pack(docs, packedbst.Uint32Keys{}, cfg.MaxChunkBytes)
	if err != nil {
		return nil, fmt.Errorf("packing document chunks: %w", err)
	}

	image := &native.Image{
		EntryCount:  uint32(n),
		MaxResults:  uint32(cfg.PageSize),
		MaxOperands: uint32(cfg.MaxQueryTerms),
		Packages:    pkgs.packages,
	}
	art := &Artifacts{
		TermChunks:     chunkBytes(termPack.Chunks),
		DocumentChunks: chunkBytes(docPack.Chunks),
		Packages:       pkgs.packages,
		Module:         image.Encode(),
	}
	art.Manifest = newManifest(art, cfg, n, len(terms), popTable, termPack.Table.Entries, docPack.Table.Entries)
	art.Manifest.Words = fieldWords(terms)

	logger.Info("index built",
		"entries", n,
		"terms", len(terms),
		"popular_terms", len(popTable),
		"term_chunks", len(art.TermChunks),
		"document_chunks", len(art.DocumentChunks),
		"packages", len(art.Packages),
		"build_id", art.Manifest.BuildID,
	)
	return art, nil
}

// fieldWords splits sorted composite keys into per-field word lists. Keys
// sharing a field prefix sort by word, so each list comes out sorted.
func fieldWords(terms []term) map[string][]string {
	words := make(map[string][]string)
	for _, t := range terms {
		field, word, _ := strings.Cut(t.key, TermSeparator)
		words[field] = append(words[field], word)
	}
	return words
}

// collectTerms accumulates the ordinal set of every composite key and
// returns the terms sorted by key.
func collectTerms(entries []Entry, extractor extract.Extractor, fields []string) ([]term, int) {
	postings := make(map[string]*roaring.Bitmap)
	skipped := 0
	for ordinal, entry := range entries {
		for _, field := range fields {
			text, ok := entry[field]
			if !ok || text == "" {
				continue
			}
			for _, word := range extractor.Extract(text) {
				key := field + TermSeparator + word
				if len(key) > packedbst.MaxStringKeyLen {
					skipped++
					continue
				}
				bm, ok := postings[key]
				if !ok {
					bm = roaring.New()
					postings[key] = bm
				}
				bm.Add(uint32(ordinal))
			}
		}
	}
	terms := make([]term, 0, len(postings))
	for key, bm := range postings {
		terms = append(terms, term{key: key, postings: bm})
	}
	sort.Slice(terms, func(i, j int) bool { return terms[i].key < terms[j].key })
	return terms, skipped
}

// selectPopular picks the most frequent fraction of terms, ties broken by
// key so the choice is deterministic.
func selectPopular(terms []term, fraction float64) map[string]bool {
	count := int(float64(len(terms)) * fraction)
	if count == 0 {
		return nil
	}
	byFreq := make([]term, len(terms))
	copy(byFreq, terms)
	sort.SliceStable(byFreq, func(i, j int) bool {
		ci, cj := byFreq[i].postings.GetCardinality(), byFreq[j].postings.GetCardinality()
		if ci != cj {
			return ci > cj
		}
		return byFreq[i].key < byFreq[j].key
	})
	popular := make(map[string]bool, count)
	for _, t := range byFreq[:count] {
		popular[t.key] = true
	}
	return popular
}

// materialise expands a postings bitmap into the dense on-disk bitset.
func materialise(bm *roaring.Bitmap, entryCount int) []byte {
	b := bitset.New(entryCount)
	it := bm.Iterator()
	for it.HasNext() {
		b.Set(int(it.Next()))
	}
	return b.Bytes()
}

// packageWriter appends popular bitsets to flat packages, starting a new
// package whenever the next bitset would overflow the current one.
type packageWriter struct {
	packages [][]byte
}

func (w *packageWriter) add(data []byte, maxBytes int) (int, uint32) {
	last := len(w.packages) - 1
	if last < 0 || len(w.packages[last])+len(data) > maxBytes {
		w.packages = append(w.packages, nil)
		last++
	}
	off := uint32(len(w.packages[last]))
	w.packages[last] = append(w.packages[last], data...)
	return last, off
}

func chunkBytes[K any](chunks []packedbst.Chunk[K]) [][]byte {
	out := make([][]byte, len(chunks))
	for i, c := range chunks {
		out[i] = c.Data
	}
	return out
}
