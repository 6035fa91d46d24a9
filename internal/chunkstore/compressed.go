package chunkstore

import (
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compressed stores zstd frames in the wrapped store and decompresses on
// read.
type Compressed struct {
	inner Store
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

func NewCompressed(inner Store) (*Compressed, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderMaxWindow(32*1024*1024),
		zstd.WithDecoderConcurrency(0),
	)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Compressed{inner: inner, enc: enc, dec: dec}, nil
}

func (c *Compressed) Get(ctx context.Context, key string) ([]byte, error) {
	frame, err := c.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := c.dec.DecodeAll(frame, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing %s: %w", key, err)
	}
	return data, nil
}

func (c *Compressed) Put(ctx context.Context, key string, data []byte) error {
	p, ok := c.inner.(Putter)
	if !ok {
		return ErrReadOnly
	}
	return p.Put(ctx, key, c.enc.EncodeAll(data, nil))
}

// PutAll compresses every item and forwards the batch when the wrapped
// store supports it.
func (c *Compressed) PutAll(ctx context.Context, items []Item) error {
	b, ok := c.inner.(BatchPutter)
	if !ok {
		for _, it := range items {
			if err := c.Put(ctx, it.Key, it.Data); err != nil {
				return err
			}
		}
		return nil
	}
	frames := make([]Item, len(items))
	for i, it := range items {
		frames[i] = Item{Key: it.Key, Data: c.enc.EncodeAll(it.Data, nil)}
	}
	return b.PutAll(ctx, frames)
}

func (c *Compressed) Close() {
	c.enc.Close()
	c.dec.Close()
}
