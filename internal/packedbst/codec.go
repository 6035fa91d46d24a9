package packedbst

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"strings"
)

// KeyCodec is the serialisation and ordering strategy for one key type.
// Encoded keys are self-delimiting so a node can be parsed without
// knowing its key length up front.
type KeyCodec[K any] interface {
	// EncodedLen is the number of bytes Append writes for k.
	EncodedLen(k K) int
	Append(dst []byte, k K) ([]byte, error)
	// Decode parses a key at data[0:] and reports how many bytes it used.
	Decode(data []byte) (K, int, error)
	Compare(a, b K) int
}

// MaxStringKeyLen is the longest key StringKeys can encode.
const MaxStringKeyLen = 255

// StringKeys encodes keys as a one-byte length followed by the raw bytes
// and orders them lexicographically by byte, shorter first on a tie.
type StringKeys struct{}

func (StringKeys) EncodedLen(k string) int { return 1 + len(k) }

func (StringKeys) Append(dst []byte, k string) ([]byte, error) {
	if len(k) > MaxStringKeyLen {
		return dst, fmt.Errorf("%w: %d bytes", ErrKeyTooLong, len(k))
	}
	dst = append(dst, byte(len(k)))
	return append(dst, k...), nil
}

func (StringKeys) Decode(data []byte) (string, int, error) {
	if len(data) < 1 {
		return "", 0, ErrCorruptChunk
	}
	n := int(data[0])
	if len(data) < 1+n {
		return "", 0, ErrCorruptChunk
	}
	return string(data[1 : 1+n]), 1 + n, nil
}

func (StringKeys) Compare(a, b string) int { return strings.Compare(a, b) }

// Uint32Keys encodes keys as 4-byte little-endian integers ordered numerically.
type Uint32Keys struct{}

func (Uint32Keys) EncodedLen(uint32) int { return 4 }

func (Uint32Keys) Append(dst []byte, k uint32) ([]byte, error) {
	return binary.LittleEndian.AppendUint32(dst, k), nil
}

func (Uint32Keys) Decode(data []byte) (uint32, int, error) {
	if len(data) < 4 {
		return 0, 0, ErrCorruptChunk
	}
	return binary.LittleEndian.Uint32(data), 4, nil
}

func (Uint32Keys) Compare(a, b uint32) int { return cmp.Compare(a, b) }
