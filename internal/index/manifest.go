package index

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/bitset"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/packedbst"
)

// MagicBytes identifies a manifest file.
const (
	MagicBytes    uint32 = 0x45534D46
	FormatVersion uint32 = 1
	HeaderSize    int    = 64
	FooterSize    int    = 16
)

// ManifestHeader is the fixed 64-byte header at the start of a manifest.
type ManifestHeader struct {
	Magic      uint32
	Version    uint32
	EntryCount uint32
	TermCount  uint32
	CreatedAt  int64
	BodyOffset int64
	BodySize   int64
}

// PopularEntry locates a popular term's bitset inside a package.
type PopularEntry struct {
	Key     string `json:"k"`
	Package int    `json:"p"`
	Offset  uint32 `json:"o"`
	Length  uint32 `json:"l"`
}

// Manifest describes one build: corpus dimensions, query limits and every
// lookup table. It is the only artifact besides the module image that the
// searcher reads at startup.
type Manifest struct {
	Header ManifestHeader `json:"-"`

	BuildID           string                         `json:"buildId"`
	EntryCount        int                            `json:"entryCount"`
	BitsetBytes       int                            `json:"bitsetBytes"`
	TermCount         int                            `json:"termCount"`
	PageSize          int                            `json:"pageSize"`
	MaxQueryTerms     int                            `json:"maxQueryTerms"`
	MaxQueryBytes     int                            `json:"maxQueryBytes"`
	MaxSuggestions    int                            `json:"maxSuggestions"`
	DocumentEncoding  DocumentEncoding               `json:"documentEncoding"`
	SearchableFields  []string                       `json:"searchableFields"`
	Popular           []PopularEntry                 `json:"popular"`
	// Words holds the sorted indexed words of each searchable field.
	Words             map[string][]string            `json:"words"`
	Terms             []packedbst.TableEntry[string] `json:"terms"`
	Documents         []packedbst.TableEntry[uint32] `json:"documents"`
	TermChecksums     []uint64                       `json:"termChecksums"`
	DocumentChecksums []uint64                       `json:"documentChecksums"`
	PackageSizes      []int                          `json:"packageSizes"`
	ModuleChecksum    uint64                         `json:"moduleChecksum"`
}

func newManifest(art *Artifacts, cfg Config, entryCount, termCount int, popular []PopularEntry,
	terms []packedbst.TableEntry[string], docs []packedbst.TableEntry[uint32]) *Manifest {
	m := &Manifest{
		EntryCount:        entryCount,
		BitsetBytes:       bitset.ByteLen(entryCount),
		TermCount:         termCount,
		PageSize:          cfg.PageSize,
		MaxQueryTerms:     cfg.MaxQueryTerms,
		MaxQueryBytes:     cfg.MaxQueryBytes,
		MaxSuggestions:    cfg.MaxSuggestions,
		DocumentEncoding:  cfg.DocumentEncoding,
		SearchableFields:  append([]string(nil), cfg.SearchableFields...),
		Popular:           popular,
		Terms:             terms,
		Documents:         docs,
		TermChecksums:     checksums(art.TermChunks),
		DocumentChecksums: checksums(art.DocumentChunks),
		ModuleChecksum:    xxhash.Sum64(art.Module),
	}
	for _, p := range art.Packages {
		m.PackageSizes = append(m.PackageSizes, len(p))
	}
	m.BuildID = m.contentID()
	return m
}

func checksums(chunks [][]byte) []uint64 {
	out := make([]uint64, len(chunks))
	for i, c := range chunks {
		out[i] = xxhash.Sum64(c)
	}
	return out
}

// contentID derives the build ID from every artifact checksum, so identical
// inputs publish under the same ID.
func (m *Manifest) contentID() string {
	d := xxhash.New()
	var buf [8]byte
	for _, group := range [][]uint64{m.TermChecksums, m.DocumentChecksums, {m.ModuleChecksum}} {
		for _, sum := range group {
			binary.LittleEndian.PutUint64(buf[:], sum)
			_, _ = d.Write(buf[:])
		}
	}
	return fmt.Sprintf("%016x", d.Sum64())
}

// TermTable rebuilds the cold-term lookup table.
func (m *Manifest) TermTable() (*packedbst.Table[string], error) {
	return packedbst.NewTable(m.Terms, packedbst.StringKeys{})
}

// DocumentTable rebuilds the document lookup table.
func (m *Manifest) DocumentTable() (*packedbst.Table[uint32], error) {
	return packedbst.NewTable(m.Documents, packedbst.Uint32Keys{})
}

// LookupPopular finds key in the popular table.
func (m *Manifest) LookupPopular(key string) (PopularEntry, bool) {
	idx := sort.Search(len(m.Popular), func(i int) bool {
		return m.Popular[i].Key >= key
	})
	if idx >= len(m.Popular) || m.Popular[idx].Key != key {
		return PopularEntry{}, false
	}
	return m.Popular[idx], true
}

// Suggest returns up to limit words of field starting with prefix, in
// ascending order. ok is false when field is not searchable.
func (m *Manifest) Suggest(field, prefix string, limit int) (words []string, ok bool) {
	if !slices.Contains(m.SearchableFields, field) {
		return nil, false
	}
	list := m.Words[field]
	words = []string{}
	for i := sort.SearchStrings(list, prefix); i < len(list) && len(words) < limit; i++ {
		if !strings.HasPrefix(list[i], prefix) {
			break
		}
		words = append(words, list[i])
	}
	return words, true
}

// Encode serialises the manifest: header, JSON body, footer carrying the
// body checksum and size.
func (m *Manifest) Encode() ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling manifest: %w", err)
	}
	m.Header = ManifestHeader{
		Magic:      MagicBytes,
		Version:    FormatVersion,
		EntryCount: uint32(m.EntryCount),
		TermCount:  uint32(m.TermCount),
		CreatedAt:  time.Now().Unix(),
		BodyOffset: int64(HeaderSize),
		BodySize:   int64(len(body)),
	}
	out := make([]byte, HeaderSize, HeaderSize+len(body)+FooterSize)
	binary.LittleEndian.PutUint32(out[0:4], m.Header.Magic)
	binary.LittleEndian.PutUint32(out[4:8], m.Header.Version)
	binary.LittleEndian.PutUint32(out[8:12], m.Header.EntryCount)
	binary.LittleEndian.PutUint32(out[12:16], m.Header.TermCount)
	binary.LittleEndian.PutUint64(out[16:24], uint64(m.Header.CreatedAt))
	binary.LittleEndian.PutUint64(out[24:32], uint64(m.Header.BodyOffset))
	binary.LittleEndian.PutUint64(out[32:40], uint64(m.Header.BodySize))
	out = append(out, body...)

	footer := make([]byte, FooterSize)
	binary.LittleEndian.PutUint64(footer[0:8], xxhash.Sum64(body))
	binary.LittleEndian.PutUint64(footer[8:16], uint64(len(body)))
	return append(out, footer...), nil
}

// DecodeManifest validates and parses an encoded manifest.
func DecodeManifest(data []byte) (*Manifest, error) {
	if len(data) < HeaderSize+FooterSize {
		return nil, fmt.Errorf("invalid manifest: %d bytes", len(data))
	}
	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != MagicBytes {
		return nil, fmt.Errorf("invalid manifest: bad magic bytes %x", magic)
	}
	header := ManifestHeader{
		Magic:      magic,
		Version:    binary.LittleEndian.Uint32(data[4:8]),
		EntryCount: binary.LittleEndian.Uint32(data[8:12]),
		TermCount:  binary.LittleEndian.Uint32(data[12:16]),
		CreatedAt:  int64(binary.LittleEndian.Uint64(data[16:24])),
		BodyOffset: int64(binary.LittleEndian.Uint64(data[24:32])),
		BodySize:   int64(binary.LittleEndian.Uint64(data[32:40])),
	}
	if header.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported manifest version %d", header.Version)
	}
	end := header.BodyOffset + header.BodySize
	if header.BodyOffset != int64(HeaderSize) || header.BodySize < 0 || end+int64(FooterSize) != int64(len(data)) {
		return nil, fmt.Errorf("invalid manifest: body %d+%d does not fit %d bytes", header.BodyOffset, header.BodySize, len(data))
	}
	body := data[header.BodyOffset:end]
	footer := data[end:]
	if sum := binary.LittleEndian.Uint64(footer[0:8]); sum != xxhash.Sum64(body) {
		return nil, fmt.Errorf("invalid manifest: checksum mismatch")
	}

	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest body: %w", err)
	}
	m.Header = header
	if m.EntryCount != int(header.EntryCount) || m.BitsetBytes != bitset.ByteLen(m.EntryCount) {
		return nil, fmt.Errorf("invalid manifest: inconsistent entry count")
	}
	if len(m.TermChecksums) != len(m.Terms) || len(m.DocumentChecksums) != len(m.Documents) {
		return nil, fmt.Errorf("invalid manifest: checksum count does not match chunk count")
	}
	return &m, nil
}
