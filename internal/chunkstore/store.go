// Package chunkstore is the remote key-value store that holds published
// artifacts. Backends (filesystem, Redis, SQL) are composed with
// compression, caching, a circuit breaker and metrics; the evaluator only
// ever sees the read-side Store interface.
package chunkstore

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotFound = errors.New("chunk not found")
	ErrReadOnly = errors.New("chunk store is read-only")
	ErrBadKey   = errors.New("invalid chunk key")
)

// Store is the read side: point lookups by key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Putter uploads one artifact.
type Putter interface {
	Put(ctx context.Context, key string, data []byte) error
}

// ReadWriter is a backend that can be both published to and read from.
type ReadWriter interface {
	Store
	Putter
}

// Item is one key/value pair for batch uploads.
type Item struct {
	Key  string
	Data []byte
}

// BatchPutter is implemented by backends that can upload several items
// atomically.
type BatchPutter interface {
	PutAll(ctx context.Context, items []Item) error
}

// Kind returns the artifact kind of a key: "terms" for "terms/3", the key
// itself for "manifest".
func Kind(key string) string {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[:i]
	}
	return key
}

// IsNotFound reports whether err means the key does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func validKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}

// Map is an in-memory store.
type Map map[string][]byte

func (m Map) Get(_ context.Context, key string) ([]byte, error) {
	data, ok := m[key]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (m Map) Put(_ context.Context, key string, data []byte) error {
	m[key] = append([]byte(nil), data...)
	return nil
}
