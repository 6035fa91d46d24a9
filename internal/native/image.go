package native

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ImageMagic identifies a serialised module image.
const (
	ImageMagic   uint32 = 0x4D4E5345
	ImageVersion uint32 = 1
	imageHeader         = 24
	imageFooter         = 8
)

// Image is the compiled-in data of the evaluation module: the corpus
// dimensions and the popular-term packages that are addressed directly in
// module memory.
type Image struct {
	EntryCount  uint32
	MaxResults  uint32
	MaxOperands uint32
	Packages    [][]byte
}

// Encode serialises the image.
//
//	u32 magic, u32 version, u32 entryCount, u32 maxResults, u32 maxOperands,
//	u32 packageCount, u32 packageLen * packageCount, package bytes...,
//	u64 xxhash of everything before it
func (img *Image) Encode() []byte {
	size := imageHeader + 4*len(img.Packages) + imageFooter
	for _, p := range img.Packages {
		size += len(p)
	}
	out := make([]byte, 0, size)
	le := binary.LittleEndian
	out = le.AppendUint32(out, ImageMagic)
	out = le.AppendUint32(out, ImageVersion)
	out = le.AppendUint32(out, img.EntryCount)
	out = le.AppendUint32(out, img.MaxResults)
	out = le.AppendUint32(out, img.MaxOperands)
	out = le.AppendUint32(out, uint32(len(img.Packages)))
	for _, p := range img.Packages {
		out = le.AppendUint32(out, uint32(len(p)))
	}
	for _, p := range img.Packages {
		out = append(out, p...)
	}
	return le.AppendUint64(out, xxhash.Sum64(out))
}

// DecodeImage parses and verifies a serialised image.
func DecodeImage(data []byte) (*Image, error) {
	le := binary.LittleEndian
	if len(data) < imageHeader+imageFooter {
		return nil, fmt.Errorf("module image too short: %d bytes", len(data))
	}
	body, sum := data[:len(data)-imageFooter], le.Uint64(data[len(data)-imageFooter:])
	if got := xxhash.Sum64(body); got != sum {
		return nil, fmt.Errorf("module image checksum mismatch: %x != %x", got, sum)
	}
	if magic := le.Uint32(body[0:]); magic != ImageMagic {
		return nil, fmt.Errorf("invalid module image: bad magic bytes %x", magic)
	}
	if v := le.Uint32(body[4:]); v != ImageVersion {
		return nil, fmt.Errorf("unsupported module image version %d", v)
	}
	img := &Image{
		EntryCount:  le.Uint32(body[8:]),
		MaxResults:  le.Uint32(body[12:]),
		MaxOperands: le.Uint32(body[16:]),
	}
	count := int(le.Uint32(body[20:]))
	pos := imageHeader
	if count > (len(body)-pos)/4 {
		return nil, fmt.Errorf("module image declares %d packages, too many for %d bytes", count, len(body))
	}
	lens := make([]int, count)
	for i := range lens {
		lens[i] = int(le.Uint32(body[pos:]))
		pos += 4
	}
	img.Packages = make([][]byte, count)
	for i, n := range lens {
		if n < 0 || pos+n > len(body) {
			return nil, fmt.Errorf("module image package %d truncated", i)
		}
		img.Packages[i] = body[pos : pos+n]
		pos += n
	}
	if pos != len(body) {
		return nil, fmt.Errorf("module image has %d trailing bytes", len(body)-pos)
	}
	return img, nil
}
