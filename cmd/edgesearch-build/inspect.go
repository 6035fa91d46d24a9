package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/bitset"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/chunkstore"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/index"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/packedbst"
)

func newInspectCmd(opts *options) *cobra.Command {
	var dir, chunk, term string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print a summary of the build in an artifact directory",
		Long: `Print a summary of the build in an artifact directory.

With --chunk terms/<id> or --chunk documents/<id>, list every key stored in
that chunk with the size of its value. With --term <field>_<word>, print the
ordinals of the entries containing the term.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				dir = opts.cfg.Builder.OutputDir
			}
			if chunk != "" && term != "" {
				return fmt.Errorf("--chunk and --term are mutually exclusive")
			}
			store := chunkstore.NewFS(dir)
			dep, err := index.Load(cmd.Context(), store)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case chunk != "":
				return inspectChunk(cmd.Context(), out, store, dep.Manifest, chunk)
			case term != "":
				return inspectTerm(cmd.Context(), out, store, dep, term)
			}
			m := dep.Manifest
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "build\t%s\n", m.BuildID)
			fmt.Fprintf(tw, "entries\t%d\n", m.EntryCount)
			fmt.Fprintf(tw, "terms\t%d\n", m.TermCount)
			fmt.Fprintf(tw, "popular terms\t%d\n", len(m.Popular))
			fmt.Fprintf(tw, "term chunks\t%d\n", len(m.TermChecksums))
			fmt.Fprintf(tw, "document chunks\t%d\n", len(m.DocumentChecksums))
			fmt.Fprintf(tw, "packages\t%d\n", len(m.PackageSizes))
			fmt.Fprintf(tw, "page size\t%d\n", m.PageSize)
			fmt.Fprintf(tw, "max query terms\t%d\n", m.MaxQueryTerms)
			fmt.Fprintf(tw, "max query bytes\t%d\n", m.MaxQueryBytes)
			fmt.Fprintf(tw, "document encoding\t%s\n", m.DocumentEncoding)
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "artifact directory (default builder.outputDir)")
	cmd.Flags().StringVar(&chunk, "chunk", "", "list the keys of one chunk, e.g. terms/0")
	cmd.Flags().StringVar(&term, "term", "", "print the ordinals of one term, e.g. title_engineer")
	return cmd
}

func inspectChunk(ctx context.Context, w io.Writer, store chunkstore.Store, m *index.Manifest, name string) error {
	kind, rawID, _ := strings.Cut(name, "/")
	id, err := strconv.Atoi(rawID)
	if err != nil {
		return fmt.Errorf("chunk %q: want <kind>/<id>", name)
	}
	switch kind {
	case index.KindTerms:
		table, err := m.TermTable()
		if err != nil {
			return err
		}
		data, root, err := loadChunk(ctx, store, kind, id, m.TermChecksums, table.Entries)
		if err != nil {
			return err
		}
		return listChunk(w, data, root, packedbst.StringKeys{})
	case index.KindDocuments:
		table, err := m.DocumentTable()
		if err != nil {
			return err
		}
		data, root, err := loadChunk(ctx, store, kind, id, m.DocumentChecksums, table.Entries)
		if err != nil {
			return err
		}
		return listChunk(w, data, root, packedbst.Uint32Keys{})
	default:
		return fmt.Errorf("chunk kind %q: want %s or %s", kind, index.KindTerms, index.KindDocuments)
	}
}

// loadChunk fetches one chunk, checks it against the manifest and finds its
// root node.
func loadChunk[K any](ctx context.Context, store chunkstore.Store, kind string, id int, sums []uint64, entries []packedbst.TableEntry[K]) ([]byte, int32, error) {
	if id < 0 || id >= len(sums) {
		return nil, 0, fmt.Errorf("build has %d %s chunks, no chunk %d", len(sums), kind, id)
	}
	key := index.ChunkKey(kind, id)
	data, err := store.Get(ctx, key)
	if err != nil {
		return nil, 0, fmt.Errorf("fetching %s: %w", key, err)
	}
	if sum := xxhash.Sum64(data); sum != sums[id] {
		return nil, 0, fmt.Errorf("%s checksum %x does not match manifest %x", key, sum, sums[id])
	}
	for _, e := range entries {
		if e.ChunkID == id {
			return data, e.Root, nil
		}
	}
	return nil, 0, fmt.Errorf("%s is missing from the lookup table", key)
}

func listChunk[K any](w io.Writer, data []byte, root int32, codec packedbst.KeyCodec[K]) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "key\tbytes")
	err := packedbst.Walk(data, root, codec, func(key K, value []byte) error {
		_, err := fmt.Fprintf(tw, "%v\t%d\n", key, len(value))
		return err
	})
	if err != nil {
		return err
	}
	return tw.Flush()
}

func inspectTerm(ctx context.Context, w io.Writer, store chunkstore.Store, dep *index.Deployment, key string) error {
	m := dep.Manifest
	var raw []byte
	if p, ok := m.LookupPopular(key); ok {
		raw = dep.Image.Packages[p.Package][p.Offset : p.Offset+p.Length]
	} else {
		table, err := m.TermTable()
		if err != nil {
			return err
		}
		reader := packedbst.NewReader(table, packedbst.StringKeys{}, packedbst.ChunkSourceFunc(
			func(ctx context.Context, id int) ([]byte, error) {
				return store.Get(ctx, index.ChunkKey(index.KindTerms, id))
			}))
		value, found, err := reader.Get(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("term %q is not indexed", key)
		}
		raw = value
	}
	b, err := bitset.FromBytes(raw, m.EntryCount)
	if err != nil {
		return fmt.Errorf("term %q: %w", key, err)
	}
	ordinals := b.Ordinals()
	parts := make([]string, len(ordinals))
	for i, o := range ordinals {
		parts[i] = strconv.Itoa(o)
	}
	_, err = fmt.Fprintf(w, "%s\t%d\t%s\n", key, len(ordinals), strings.Join(parts, " "))
	return err
}
