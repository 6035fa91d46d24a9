// Package native is the boolean evaluation module. It owns one flat block
// of memory addressed by uint32 offsets: an all-zero sentinel bitset at
// offset 0, static diagnostic strings, the popular-term packages and a bump
// allocated heap. The host talks to it only through Reset, Alloc and Query
// plus bounds-checked cursors, the same surface a separately compiled module
// would export.
package native

import (
	"errors"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/bitset"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/bridge"
)

var (
	ErrOutOfMemory = errors.New("module heap exhausted")
	ErrNoPackage   = errors.New("no such package")
)

// Failure is the value Query returns instead of a result pointer.
const Failure uint32 = 0

const align = 8

// DiagnosticFunc receives diagnostics raised inside Query. Both pointers are
// offsets into module memory; decode them with bridge.Format.
type DiagnosticFunc func(sev bridge.Severity, fmtPtr, argsPtr uint32)

// Options tunes a Module.
type Options struct {
	// HeapBytes overrides the computed heap size.
	HeapBytes   int
	Diagnostics DiagnosticFunc
}

// Module is not safe for concurrent use. Host serialises access to it.
type Module struct {
	mem         []byte
	entryCount  int
	bitsetBytes int
	maxResults  int
	maxOperands int

	pkgBase  []uint32
	pkgLen   []uint32
	strs     staticStrings
	heapBase uint32
	next     uint32
	inQuery  bool
	diag     DiagnosticFunc
}

// New lays out module memory for img.
func New(img *Image, opts Options) (*Module, error) {
	if img.MaxResults == 0 || img.MaxOperands == 0 {
		return nil, fmt.Errorf("module image needs positive result and operand limits")
	}
	m := &Module{
		entryCount:  int(img.EntryCount),
		bitsetBytes: bitset.ByteLen(int(img.EntryCount)),
		maxResults:  int(img.MaxResults),
		maxOperands: int(img.MaxOperands),
		diag:        opts.Diagnostics,
	}

	var static []byte
	// Offset 0 is the sentinel and also the failure pointer, so it is never
	// handed out by Alloc even for an empty corpus.
	static = append(static, make([]byte, max(m.bitsetBytes, align))...)
	static = m.strs.layout(static)
	for _, p := range img.Packages {
		static = padTo(static, align)
		m.pkgBase = append(m.pkgBase, uint32(len(static)))
		m.pkgLen = append(m.pkgLen, uint32(len(p)))
		static = append(static, p...)
	}
	static = padTo(static, align)
	m.heapBase = uint32(len(static))

	heap := opts.HeapBytes
	if heap <= 0 {
		heap = m.defaultHeap()
	}
	m.mem = make([]byte, len(static)+heap)
	copy(m.mem, static)
	m.next = m.heapBase
	return m, nil
}

// defaultHeap fits a full query: every operand copied in, the query buffer,
// three working bitsets plus the result, the result buffer and diagnostics.
func (m *Module) defaultHeap() int {
	bs := m.bitsetBytes + align
	return (m.maxOperands+4)*bs +
		4 + m.maxOperands*8 + 3*4 + align +
		bridge.ResultSize(m.maxResults) + align +
		4096
}

func padTo(b []byte, n int) []byte {
	for len(b)%n != 0 {
		b = append(b, 0)
	}
	return b
}

func (m *Module) EntryCount() int  { return m.entryCount }
func (m *Module) BitsetBytes() int { return m.bitsetBytes }
func (m *Module) MaxResults() int  { return m.maxResults }
func (m *Module) MaxOperands() int { return m.maxOperands }

// SentinelPtr is the offset of the all-zero bitset.
func (m *Module) SentinelPtr() uint32 { return 0 }

// PackagePtr translates a popular-table location into module memory.
func (m *Module) PackagePtr(pkg int, offset, length uint32) (uint32, error) {
	if pkg < 0 || pkg >= len(m.pkgBase) {
		return 0, fmt.Errorf("%w: %d", ErrNoPackage, pkg)
	}
	if uint64(offset)+uint64(length) > uint64(m.pkgLen[pkg]) {
		return 0, fmt.Errorf("%w: range %d+%d beyond package %d of %d bytes", ErrNoPackage, offset, length, pkg, m.pkgLen[pkg])
	}
	return m.pkgBase[pkg] + offset, nil
}

// Cursor returns a bounds-checked cursor over module memory at off.
func (m *Module) Cursor(off uint32) *bridge.Cursor {
	return bridge.NewCursor(m.mem).Seek(int(off))
}

// Reset discards every heap allocation.
func (m *Module) Reset() {
	clear(m.mem[m.heapBase:m.next])
	m.next = m.heapBase
}

// Alloc reserves n bytes of heap aligned to 8 and returns their offset.
func (m *Module) Alloc(n uint32) (uint32, error) {
	start := (uint64(m.next) + align - 1) &^ (align - 1)
	end := start + uint64(n)
	if end > uint64(len(m.mem)) {
		return 0, fmt.Errorf("%w: %d bytes requested, %d free", ErrOutOfMemory, n, uint64(len(m.mem))-min(start, uint64(len(m.mem))))
	}
	m.next = uint32(end)
	return uint32(start), nil
}

// HeapUsed reports bytes allocated since the last Reset.
func (m *Module) HeapUsed() int { return int(m.next - m.heapBase) }

// Query evaluates the query buffer at ptr and returns the offset of a
// result buffer, or Failure after raising a fatal diagnostic.
func (m *Module) Query(ptr uint32) uint32 {
	if m.inQuery {
		m.fatal(m.strs.reentered, nil)
		return Failure
	}
	m.inQuery = true
	defer func() { m.inQuery = false }()

	q, err := bridge.ReadQuery(m.Cursor(ptr), m.maxOperands)
	if err != nil {
		m.fatal(m.strs.badQuery, new(bridge.Varargs).U32(ptr))
		return Failure
	}
	if q.Empty() {
		m.fatal(m.strs.noOperands, nil)
		return Failure
	}

	var result *bitset.Bitset
	for _, mode := range bridge.Modes {
		ops := q.Operands[mode]
		if len(ops) == 0 {
			continue
		}
		partial, ok := m.combine(mode, ops)
		if !ok {
			return Failure
		}
		if result == nil {
			result = partial
		} else {
			result.And(partial)
		}
	}
	m.log(m.strs.combined, new(bridge.Varargs).
		U32(uint32(len(q.Operands[bridge.ModeRequire]))).
		U32(uint32(len(q.Operands[bridge.ModeContain]))).
		U32(uint32(len(q.Operands[bridge.ModeExclude]))).
		U32(q.Continuation))

	res := m.page(result, int(q.Continuation))
	out, err := m.Alloc(uint32(bridge.ResultSize(len(res.Ordinals))))
	if err != nil {
		m.fatal(m.strs.outOfMemory, new(bridge.Varargs).U32(uint32(bridge.ResultSize(len(res.Ordinals)))))
		return Failure
	}
	if err := bridge.WriteResult(m.Cursor(out), res); err != nil {
		m.fatal(m.strs.outOfMemory, new(bridge.Varargs).U32(uint32(bridge.ResultSize(len(res.Ordinals)))))
		return Failure
	}
	return out
}

// combine folds one mode's operands: AND for require, OR for contain, OR
// then complement for exclude.
func (m *Module) combine(mode bridge.Mode, ops []bridge.Operand) (*bitset.Bitset, bool) {
	var acc *bitset.Bitset
	for i, op := range ops {
		b, ok := m.operand(mode, i, op)
		if !ok {
			return nil, false
		}
		switch {
		case acc == nil:
			acc = b
		case mode == bridge.ModeRequire:
			acc.And(b)
		default:
			acc.Or(b)
		}
	}
	if mode == bridge.ModeExclude {
		acc.Not()
	}
	return acc, true
}

func (m *Module) operand(mode bridge.Mode, i int, op bridge.Operand) (*bitset.Bitset, bool) {
	if int(op.Len) != m.bitsetBytes {
		m.fatal(m.strs.badLength, new(bridge.Varargs).
			Ptr(m.strs.modeName[mode]).U32(uint32(i)).U32(op.Len).U32(uint32(m.bitsetBytes)))
		return nil, false
	}
	c := m.Cursor(op.Ptr)
	raw := c.Bytes(int(op.Len))
	if c.Err() != nil {
		m.fatal(m.strs.badPointer, new(bridge.Varargs).
			Ptr(m.strs.modeName[mode]).U32(uint32(i)).U32(op.Ptr))
		return nil, false
	}
	b, err := bitset.FromBytes(raw, m.entryCount)
	if err != nil {
		m.fatal(m.strs.badPadding, new(bridge.Varargs).Ptr(m.strs.modeName[mode]).U32(uint32(i)))
		return nil, false
	}
	return b, true
}

// page collects up to maxResults set ordinals at or after from.
func (m *Module) page(b *bitset.Bitset, from int) *bridge.Result {
	res := &bridge.Result{Continuation: bridge.NoContinuation, Total: uint32(b.Count())}
	o := b.NextSet(from)
	for o >= 0 && len(res.Ordinals) < m.maxResults {
		res.Ordinals = append(res.Ordinals, uint32(o))
		o = b.NextSet(o + 1)
	}
	if o >= 0 && len(res.Ordinals) > 0 {
		res.Continuation = int32(res.Ordinals[len(res.Ordinals)-1] + 1)
	}
	return res
}

func (m *Module) log(fmtPtr uint32, args *bridge.Varargs) {
	m.raise(bridge.SeverityLog, fmtPtr, args)
}

func (m *Module) fatal(fmtPtr uint32, args *bridge.Varargs) {
	m.raise(bridge.SeverityFatal, fmtPtr, args)
}

// raise writes args into the heap and hands both pointers to the host.
// Diagnostics that cannot be allocated are dropped.
func (m *Module) raise(sev bridge.Severity, fmtPtr uint32, args *bridge.Varargs) {
	if m.diag == nil {
		return
	}
	var raw []byte
	if args != nil {
		raw = args.Bytes()
	}
	argsPtr, err := m.Alloc(uint32(max(len(raw), 4)))
	if err != nil {
		return
	}
	m.Cursor(argsPtr).PutBytes(raw)
	m.diag(sev, fmtPtr, argsPtr)
}

type staticStrings struct {
	modeName    [3]uint32
	badQuery    uint32
	noOperands  uint32
	badLength   uint32
	badPointer  uint32
	badPadding  uint32
	outOfMemory uint32
	reentered   uint32
	combined    uint32
}

func (s *staticStrings) layout(dst []byte) []byte {
	put := func(str string) uint32 {
		off := uint32(len(dst))
		dst = append(dst, str...)
		dst = append(dst, 0)
		return off
	}
	for _, mode := range bridge.Modes {
		s.modeName[mode] = put(mode.String())
	}
	s.badQuery = put("malformed query buffer at %u")
	s.noOperands = put("query has no operands")
	s.badLength = put("%s operand %u has %u bytes, expected %u")
	s.badPointer = put("%s operand %u points outside memory at %u")
	s.badPadding = put("%s operand %u has padding bits set")
	s.outOfMemory = put("cannot allocate %u bytes for result")
	s.reentered = put("query called while another query is running")
	s.combined = put("combined %u require, %u contain, %u exclude operands from ordinal %u")
	return dst
}

// writeBytes copies data into a fresh heap allocation.
func (m *Module) writeBytes(data []byte) (uint32, error) {
	ptr, err := m.Alloc(uint32(len(data)))
	if err != nil {
		return 0, err
	}
	if err := m.Cursor(ptr).PutBytes(data).Err(); err != nil {
		return 0, err
	}
	return ptr, nil
}
