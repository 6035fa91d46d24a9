package chunkstore

import (
	"context"
	"fmt"
	"time"

	pkgredis "github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/redis"
)

// KV is the subset of the Redis client the store uses.
type KV interface {
	GetBytes(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// BatchKV is implemented by clients that can write many keys atomically.
type BatchKV interface {
	SetAll(ctx context.Context, pairs map[string][]byte) error
}

// Redis stores artifacts as plain string values under Prefix+key. Values
// never expire.
type Redis struct {
	kv     KV
	prefix string
}

func NewRedis(kv KV, prefix string) *Redis {
	return &Redis{kv: kv, prefix: prefix}
}

func (s *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.kv.GetBytes(ctx, s.prefix+key)
	if pkgredis.IsNilError(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

func (s *Redis) Put(ctx context.Context, key string, data []byte) error {
	if err := s.kv.Set(ctx, s.prefix+key, data, 0); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// PutAll writes items in one transaction when the client supports it and
// key by key otherwise.
func (s *Redis) PutAll(ctx context.Context, items []Item) error {
	b, ok := s.kv.(BatchKV)
	if !ok {
		for _, it := range items {
			if err := s.Put(ctx, it.Key, it.Data); err != nil {
				return err
			}
		}
		return nil
	}
	pairs := make(map[string][]byte, len(items))
	for _, it := range items {
		pairs[s.prefix+it.Key] = it.Data
	}
	if err := b.SetAll(ctx, pairs); err != nil {
		return fmt.Errorf("redis batch of %d artifacts: %w", len(items), err)
	}
	return nil
}
