package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/bridge"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/chunkstore"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/index"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/native"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/packedbst"
	apperrors "github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/tracing"
)

// Hit is one matching entry with its decoded document.
type Hit struct {
	Ordinal  uint32
	Document any
}

// Page is one page of results. Continuation is nil on the last page.
type Page struct {
	Total        int
	Continuation *uint32
	Hits         []Hit
}

// Options tune an Evaluator.
type Options struct {
	// FetchConcurrency bounds parallel chunk fetches per request.
	FetchConcurrency int
	// HeapBytes sizes the native module heap; zero derives it from the image.
	HeapBytes int
	Metrics   *metrics.Metrics
}

// Evaluator answers queries against one deployment. It is safe for
// concurrent use; native evaluation is serialised by the host.
type Evaluator struct {
	manifest *index.Manifest
	terms    *packedbst.Table[string]
	docs     *packedbst.Table[uint32]
	store    chunkstore.Store
	host     *native.Host
	limit    int
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewEvaluator(dep *index.Deployment, store chunkstore.Store, opts Options) (*Evaluator, error) {
	terms, err := dep.Manifest.TermTable()
	if err != nil {
		return nil, fmt.Errorf("loading term table: %w", err)
	}
	docs, err := dep.Manifest.DocumentTable()
	if err != nil {
		return nil, fmt.Errorf("loading document table: %w", err)
	}
	host, err := native.NewHost(dep.Image, opts.HeapBytes)
	if err != nil {
		return nil, fmt.Errorf("starting native module: %w", err)
	}
	limit := opts.FetchConcurrency
	if limit <= 0 {
		limit = 8
	}
	e := &Evaluator{
		manifest: dep.Manifest,
		terms:    terms,
		docs:     docs,
		store:    store,
		host:     host,
		limit:    limit,
		metrics:  opts.Metrics,
		logger:   slog.Default().With("component", "query-evaluator"),
	}
	e.logger.Info("evaluator ready",
		"build_id", dep.Manifest.BuildID,
		"entries", dep.Manifest.EntryCount,
		"terms", dep.Manifest.TermCount,
		"popular_terms", len(dep.Manifest.Popular),
	)
	return e, nil
}

func (e *Evaluator) Manifest() *index.Manifest { return e.manifest }

func (e *Evaluator) BuildID() string { return e.manifest.BuildID }

// MaxTerms is the per-query term limit of the loaded build.
func (e *Evaluator) MaxTerms() int { return e.manifest.MaxQueryTerms }

// MaxQueryBytes caps the raw query string; zero means no cap.
func (e *Evaluator) MaxQueryBytes() int { return e.manifest.MaxQueryBytes }

// Autocomplete lists the indexed words of field that start with prefix, at
// most the build's suggestion limit of them.
func (e *Evaluator) Autocomplete(field, prefix string) ([]string, error) {
	words, ok := e.manifest.Suggest(field, prefix, e.manifest.MaxSuggestions)
	if !ok {
		return nil, apperrors.Detailf(apperrors.ErrMalformedQuery, "field %q is not searchable", field)
	}
	return words, nil
}

// Search runs q and returns the page starting at q.Continuation.
func (e *Evaluator) Search(ctx context.Context, q *Query) (*Page, error) {
	resolved, missingRequire, err := e.resolve(ctx, q)
	if err != nil {
		return nil, err
	}
	if missingRequire {
		return &Page{Hits: []Hit{}}, nil
	}

	var ordinals []uint32
	var page *Page
	if resolved.empty() {
		ordinals, page = e.unfiltered(q.Continuation)
	} else {
		ordinals, page, err = e.evaluate(ctx, q.Continuation, resolved)
		if err != nil {
			return nil, err
		}
	}

	page.Hits, err = e.hydrate(ctx, ordinals)
	if err != nil {
		return nil, err
	}
	return page, nil
}

// bitsetRef is a resolved term: either a popular package slice or a cold
// bitset copied out of its chunk.
type bitsetRef struct {
	popular *index.PopularEntry
	data    []byte
}

type resolvedQuery [3][]bitsetRef

func (r *resolvedQuery) empty() bool {
	for _, refs := range r {
		if len(refs) > 0 {
			return false
		}
	}
	return true
}

// resolve looks up every term. A require term that is not in the index
// makes the whole query unsatisfiable; missing contain and exclude terms
// are dropped.
func (e *Evaluator) resolve(ctx context.Context, q *Query) (*resolvedQuery, bool, error) {
	ctx, span := tracing.StartChildSpan(ctx, "resolve")
	defer span.End()

	type coldTerm struct {
		mode bridge.Mode
		slot int
		key  string
		loc  packedbst.TableEntry[string]
	}
	var (
		out  resolvedQuery
		cold []coldTerm
	)
	for _, mode := range bridge.Modes {
		for _, key := range q.Terms[mode] {
			if p, ok := e.manifest.LookupPopular(key); ok {
				out[mode] = append(out[mode], bitsetRef{popular: &p})
				continue
			}
			loc, ok := e.terms.Locate(key)
			if !ok {
				if mode == bridge.ModeRequire {
					return nil, true, nil
				}
				continue
			}
			out[mode] = append(out[mode], bitsetRef{})
			cold = append(cold, coldTerm{mode: mode, slot: len(out[mode]) - 1, key: key, loc: loc})
		}
	}
	span.SetAttr("cold_terms", len(cold))

	ids := make([]int, 0, len(cold))
	for _, t := range cold {
		ids = append(ids, t.loc.ChunkID)
	}
	chunks, err := e.fetchChunks(ctx, index.KindTerms, ids, e.manifest.TermChecksums)
	if err != nil {
		return nil, false, err
	}

	missing := make(map[bridge.Mode]map[int]bool)
	for _, t := range cold {
		value, found, err := packedbst.SearchChunk(chunks[t.loc.ChunkID], t.loc.Root, t.key, packedbst.StringKeys{})
		if err != nil {
			return nil, false, apperrors.Wrap(apperrors.ErrCorruptChunk, fmt.Errorf("term chunk %d: %w", t.loc.ChunkID, err))
		}
		if !found {
			if t.mode == bridge.ModeRequire {
				return nil, true, nil
			}
			if missing[t.mode] == nil {
				missing[t.mode] = make(map[int]bool)
			}
			missing[t.mode][t.slot] = true
			continue
		}
		if len(value) != e.manifest.BitsetBytes {
			return nil, false, apperrors.Wrap(apperrors.ErrCorruptChunk,
				fmt.Errorf("term %q bitset is %d bytes, want %d", t.key, len(value), e.manifest.BitsetBytes))
		}
		out[t.mode][t.slot].data = value
	}
	for mode, slots := range missing {
		kept := out[mode][:0]
		for i, ref := range out[mode] {
			if !slots[i] {
				kept = append(kept, ref)
			}
		}
		out[mode] = kept
	}
	return &out, false, nil
}

// fetchChunks fetches each distinct chunk once, in parallel, and verifies
// it against the manifest checksum. All fetches run to completion; the
// first failure in chunk order is returned.
func (e *Evaluator) fetchChunks(ctx context.Context, kind string, ids []int, sums []uint64) (map[int][]byte, error) {
	distinct := uniqueSorted(ids)
	data := make([][]byte, len(distinct))
	errs := make([]error, len(distinct))

	var g errgroup.Group
	g.SetLimit(e.limit)
	for i, id := range distinct {
		g.Go(func() error {
			data[i], errs[i] = e.fetchChunk(ctx, kind, id, sums)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[int][]byte, len(distinct))
	var first error
	failed := 0
	for i, id := range distinct {
		if errs[i] != nil {
			failed++
			if first == nil {
				first = errs[i]
			}
			continue
		}
		out[id] = data[i]
	}
	if first != nil {
		logger.FromContext(ctx).Warn("chunk fetch failed",
			"kind", kind,
			"failed", failed,
			"requested", len(distinct),
			"error", first,
		)
		return nil, first
	}
	return out, nil
}

func (e *Evaluator) fetchChunk(ctx context.Context, kind string, id int, sums []uint64) ([]byte, error) {
	key := index.ChunkKey(kind, id)
	if id < 0 || id >= len(sums) {
		return nil, apperrors.Wrap(apperrors.ErrCorruptChunk, fmt.Errorf("%s is not in the manifest", key))
	}
	data, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrChunkFetch, fmt.Errorf("%s: %w", key, err))
	}
	if sum := xxhash.Sum64(data); sum != sums[id] {
		return nil, apperrors.Wrap(apperrors.ErrCorruptChunk, fmt.Errorf("%s checksum %x, manifest has %x", key, sum, sums[id]))
	}
	return data, nil
}

// unfiltered pages through every entry without touching the module.
func (e *Evaluator) unfiltered(from uint32) ([]uint32, *Page) {
	n := e.manifest.EntryCount
	page := &Page{Total: n}
	start := int(from)
	if start >= n {
		return nil, page
	}
	end := min(start+e.manifest.PageSize, n)
	ordinals := make([]uint32, 0, end-start)
	for o := start; o < end; o++ {
		ordinals = append(ordinals, uint32(o))
	}
	if end < n {
		next := uint32(end)
		page.Continuation = &next
	}
	return ordinals, page
}

// evaluate combines the resolved bitsets in one module session.
func (e *Evaluator) evaluate(ctx context.Context, from uint32, r *resolvedQuery) ([]uint32, *Page, error) {
	_, span := tracing.StartChildSpan(ctx, "evaluate")
	defer span.End()

	session := e.host.Begin()
	defer session.End()

	q := &bridge.Query{Continuation: from}
	for _, mode := range bridge.Modes {
		for _, ref := range r[mode] {
			var (
				op  bridge.Operand
				err error
			)
			if ref.popular != nil {
				op, err = session.Package(ref.popular.Package, ref.popular.Offset, ref.popular.Length)
			} else {
				op, err = session.Load(ref.data)
			}
			if err != nil {
				return nil, nil, err
			}
			q.Operands[mode] = append(q.Operands[mode], op)
		}
	}

	res, err := session.Evaluate(q)
	if err != nil {
		return nil, nil, err
	}
	heap := e.host.Module().HeapUsed()
	span.SetAttr("heap_bytes", heap)
	if e.metrics != nil {
		e.metrics.ModuleHeapBytes.Set(float64(heap))
	}

	page := &Page{Total: int(res.Total)}
	if res.Continuation != bridge.NoContinuation {
		next := uint32(res.Continuation)
		page.Continuation = &next
	}
	return res.Ordinals, page, nil
}

// hydrate decodes the documents of ordinals, fetching each document chunk
// once. Documents that cannot be found or decoded are left out.
func (e *Evaluator) hydrate(ctx context.Context, ordinals []uint32) ([]Hit, error) {
	hits := make([]Hit, 0, len(ordinals))
	if len(ordinals) == 0 {
		return hits, nil
	}
	ctx, span := tracing.StartChildSpan(ctx, "hydrate")
	defer span.End()

	locs := make([]packedbst.TableEntry[uint32], len(ordinals))
	located := make([]bool, len(ordinals))
	ids := make([]int, 0, len(ordinals))
	for i, o := range ordinals {
		loc, ok := e.docs.Locate(o)
		if !ok {
			continue
		}
		locs[i], located[i] = loc, true
		ids = append(ids, loc.ChunkID)
	}
	chunks, err := e.fetchChunks(ctx, index.KindDocuments, ids, e.manifest.DocumentChecksums)
	if err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx)
	for i, o := range ordinals {
		if !located[i] {
			log.Warn("document not in lookup table", "ordinal", o)
			continue
		}
		raw, found, err := packedbst.SearchChunk(chunks[locs[i].ChunkID], locs[i].Root, o, packedbst.Uint32Keys{})
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCorruptChunk, fmt.Errorf("document chunk %d: %w", locs[i].ChunkID, err))
		}
		if !found {
			log.Warn("document missing from chunk", "ordinal", o, "chunk", locs[i].ChunkID)
			continue
		}
		doc, err := index.DecodeDocument(e.manifest.DocumentEncoding, raw)
		if err != nil {
			if !errors.Is(err, index.ErrBadDocument) {
				return nil, err
			}
			log.Warn("document does not decode", "ordinal", o, "error", err)
			continue
		}
		hits = append(hits, Hit{Ordinal: o, Document: doc})
	}
	span.SetAttr("documents", len(hits))
	return hits, nil
}

func uniqueSorted(ids []int) []int {
	out := append([]int(nil), ids...)
	sort.Ints(out)
	n := 0
	for i, id := range out {
		if i == 0 || id != out[n-1] {
			out[n] = id
			n++
		}
	}
	return out[:n]
}
