package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/database"
	apperrors "github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/resilience"
)

var ctx = context.Background()

func TestKind(t *testing.T) {
	assert.Equal(t, "terms", Kind("terms/12"))
	assert.Equal(t, "manifest", Kind("manifest"))
}

func TestFSRoundTrip(t *testing.T) {
	s := NewFS(t.TempDir())
	require.NoError(t, s.Put(ctx, "terms/0", []byte("chunk")))
	got, err := s.Get(ctx, "terms/0")
	require.NoError(t, err)
	assert.Equal(t, []byte("chunk"), got)

	require.NoError(t, s.Put(ctx, "terms/0", []byte("replaced")))
	got, err = s.Get(ctx, "terms/0")
	require.NoError(t, err)
	assert.Equal(t, []byte("replaced"), got)

	_, err = os.Stat(filepath.Join(s.Dir, "terms", "0.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestFSErrors(t *testing.T) {
	s := NewFS(t.TempDir())
	_, err := s.Get(ctx, "terms/9")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, key := range []string{"", "../etc/passwd", "/abs", "terms//1", "terms/./1"} {
		_, err := s.Get(ctx, key)
		assert.ErrorIs(t, err, ErrBadKey, key)
		assert.ErrorIs(t, s.Put(ctx, key, nil), ErrBadKey, key)
	}
}

func TestMap(t *testing.T) {
	m := Map{}
	src := []byte("abc")
	require.NoError(t, m.Put(ctx, "module", src))
	src[0] = 'x'
	got, err := m.Get(ctx, "module")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
	_, err = m.Get(ctx, "manifest")
	assert.True(t, IsNotFound(err))
}

func openSQLite(t *testing.T) *SQL {
	t.Helper()
	client, err := database.OpenSQLite(filepath.Join(t.TempDir(), "chunks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	s, err := NewSQL(client, "chunks")
	require.NoError(t, err)
	require.NoError(t, s.EnsureSchema(ctx))
	require.NoError(t, s.EnsureSchema(ctx), "schema creation is idempotent")
	return s
}

func TestSQLRoundTrip(t *testing.T) {
	s := openSQLite(t)
	require.NoError(t, s.Put(ctx, "documents/0", []byte{0, 1, 2}))
	require.NoError(t, s.Put(ctx, "documents/0", []byte{3, 4}))
	got, err := s.Get(ctx, "documents/0")
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4}, got)

	_, err = s.Get(ctx, "documents/1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLPutAll(t *testing.T) {
	s := openSQLite(t)
	items := []Item{{Key: "terms/0", Data: []byte("a")}, {Key: "terms/1", Data: []byte("b")}}
	require.NoError(t, s.PutAll(ctx, items))
	for _, it := range items {
		got, err := s.Get(ctx, it.Key)
		require.NoError(t, err)
		assert.Equal(t, it.Data, got)
	}
}

func TestSQLRejectsBadTableName(t *testing.T) {
	_, err := NewSQL(&database.Client{Dialect: database.DialectSQLite}, "chunks; DROP TABLE x")
	assert.Error(t, err)
	_, err = NewSQL(&database.Client{Dialect: database.DialectSQLite}, "1chunks")
	assert.Error(t, err)
}

func TestSQLPlaceholders(t *testing.T) {
	s, err := NewSQL(&database.Client{Dialect: database.DialectPostgres}, "chunks")
	require.NoError(t, err)
	assert.Contains(t, s.getQ, "chunk_key = $1")
	assert.Contains(t, s.putQ, "VALUES ($1, $2)")
}

func TestCompressed(t *testing.T) {
	raw := Map{}
	c, err := NewCompressed(raw)
	require.NoError(t, err)
	defer c.Close()

	payload := []byte(fmt.Sprintf("%0512d", 7))
	require.NoError(t, c.Put(ctx, "terms/0", payload))
	assert.Less(t, len(raw["terms/0"]), len(payload))

	got, err := c.Get(ctx, "terms/0")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.NoError(t, c.PutAll(ctx, []Item{{Key: "terms/1", Data: []byte("x")}}))
	got, err = c.Get(ctx, "terms/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)

	raw["terms/2"] = []byte("not a zstd frame")
	_, err = c.Get(ctx, "terms/2")
	assert.Error(t, err)

	_, err = c.Get(ctx, "terms/3")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompressedReadOnly(t *testing.T) {
	c, err := NewCompressed(readOnly{})
	require.NoError(t, err)
	defer c.Close()
	assert.ErrorIs(t, c.Put(ctx, "k", nil), ErrReadOnly)
}

type readOnly struct{}

func (readOnly) Get(context.Context, string) ([]byte, error) { return nil, ErrNotFound }

type countingStore struct {
	Map
	calls atomic.Int64
	delay time.Duration
	gate  chan struct{}
	err   error
}

func (s *countingStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.Map.Get(ctx, key)
}

func cacheConfig() config.CacheConfig {
	return config.CacheConfig{Enabled: true, NumCounters: 1000, MaxCost: 1 << 20, BufferItems: 64}
}

func TestCachedServesRepeatReads(t *testing.T) {
	inner := &countingStore{Map: Map{"terms/0": []byte("chunk")}}
	c, err := NewCached(inner, cacheConfig())
	require.NoError(t, err)
	defer c.Close()
	var hits, misses int
	c.OnHit = func() { hits++ }
	c.OnMiss = func() { misses++ }

	got, err := c.Get(ctx, "terms/0")
	require.NoError(t, err)
	assert.Equal(t, []byte("chunk"), got)
	c.Wait()

	got, err = c.Get(ctx, "terms/0")
	require.NoError(t, err)
	assert.Equal(t, []byte("chunk"), got)
	assert.Equal(t, int64(1), inner.calls.Load())
	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, misses)

	c.Clear()
	_, err = c.Get(ctx, "terms/0")
	require.NoError(t, err)
	assert.Equal(t, int64(2), inner.calls.Load())
}

func TestCachedCollapsesConcurrentMisses(t *testing.T) {
	inner := &countingStore{Map: Map{"documents/0": []byte("doc")}, gate: make(chan struct{})}
	c, err := NewCached(inner, cacheConfig())
	require.NoError(t, err)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.Get(ctx, "documents/0")
			assert.NoError(t, err)
			assert.Equal(t, []byte("doc"), got)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(inner.gate)
	wg.Wait()
	assert.Equal(t, int64(1), inner.calls.Load())
}

func TestCachedFetchOutlivesCancelledCaller(t *testing.T) {
	inner := &countingStore{Map: Map{"terms/0": []byte("chunk")}, gate: make(chan struct{})}
	c, err := NewCached(inner, cacheConfig())
	require.NoError(t, err)
	defer c.Close()
	c.FetchTimeout = time.Second

	first, cancel := context.WithCancel(ctx)
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Get(first, "terms/0")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return inner.calls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan []byte, 1)
	go func() {
		got, err := c.Get(ctx, "terms/0")
		assert.NoError(t, err)
		second <- got
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	close(inner.gate)
	assert.Equal(t, []byte("chunk"), <-second)
	assert.Equal(t, int64(1), inner.calls.Load())
}

func TestCachedFetchTimeout(t *testing.T) {
	inner := &countingStore{Map: Map{"terms/0": []byte("chunk")}, delay: time.Second}
	c, err := NewCached(inner, cacheConfig())
	require.NoError(t, err)
	defer c.Close()
	c.FetchTimeout = 20 * time.Millisecond

	_, err = c.Get(ctx, "terms/0")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCachedDoesNotCacheErrors(t *testing.T) {
	inner := &countingStore{Map: Map{}}
	c, err := NewCached(inner, cacheConfig())
	require.NoError(t, err)
	defer c.Close()
	for i := 0; i < 2; i++ {
		_, err := c.Get(ctx, "terms/7")
		assert.ErrorIs(t, err, ErrNotFound)
		c.Wait()
	}
	assert.Equal(t, int64(2), inner.calls.Load())
}

func TestGuardedTripsOnBackendErrors(t *testing.T) {
	inner := &countingStore{Map: Map{}, err: errors.New("connection reset")}
	var states []resilience.State
	g := NewGuarded(inner, "test", time.Second, func(_ string, to resilience.State) { states = append(states, to) })
	for i := 0; i < 5; i++ {
		_, err := g.Get(ctx, "terms/0")
		assert.Error(t, err)
	}
	assert.Equal(t, resilience.StateOpen, g.State())
	assert.Equal(t, []resilience.State{resilience.StateOpen}, states)

	_, err := g.Get(ctx, "terms/0")
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int64(5), inner.calls.Load())
}

func TestGuardedIgnoresNotFound(t *testing.T) {
	g := NewGuarded(Map{}, "test", time.Second, nil)
	for i := 0; i < 10; i++ {
		_, err := g.Get(ctx, "terms/0")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, resilience.StateClosed, g.State())
}

func TestGuardedTimeout(t *testing.T) {
	inner := &countingStore{Map: Map{"terms/0": []byte("x")}, delay: 100 * time.Millisecond}
	g := NewGuarded(inner, "test", 10*time.Millisecond, nil)
	_, err := g.Get(ctx, "terms/0")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
}

func TestInstrumented(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	s := NewInstrumented(Map{"terms/0": []byte("x")}, m)
	_, err := s.Get(ctx, "terms/0")
	require.NoError(t, err)
	_, err = s.Get(ctx, "terms/1")
	assert.ErrorIs(t, err, ErrNotFound)
}

type fakeKV struct {
	data map[string][]byte
	err  error
}

func (f *fakeKV) GetBytes(_ context.Context, key string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.data[key]
	if !ok {
		return nil, goredis.Nil
	}
	return v, nil
}

func (f *fakeKV) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	f.data[key] = value.([]byte)
	return nil
}

func TestRedis(t *testing.T) {
	kv := &fakeKV{data: map[string][]byte{}}
	s := NewRedis(kv, "edgesearch:")
	require.NoError(t, s.Put(ctx, "manifest", []byte("m")))
	assert.Contains(t, kv.data, "edgesearch:manifest")

	got, err := s.Get(ctx, "manifest")
	require.NoError(t, err)
	assert.Equal(t, []byte("m"), got)

	_, err = s.Get(ctx, "module")
	assert.ErrorIs(t, err, ErrNotFound)

	kv.err = errors.New("i/o timeout")
	_, err = s.Get(ctx, "manifest")
	assert.Error(t, err)
	assert.False(t, IsNotFound(err))
}

type batchKV struct {
	fakeKV
	batches int
}

func (b *batchKV) SetAll(_ context.Context, pairs map[string][]byte) error {
	b.batches++
	for k, v := range pairs {
		b.data[k] = v
	}
	return nil
}

func TestRedisPutAll(t *testing.T) {
	items := []Item{{Key: "terms/0", Data: []byte("t")}, {Key: "documents/0", Data: []byte("d")}}

	kv := &batchKV{fakeKV: fakeKV{data: map[string][]byte{}}}
	require.NoError(t, NewRedis(kv, "es:").PutAll(ctx, items))
	assert.Equal(t, 1, kv.batches)
	assert.Equal(t, []byte("d"), kv.data["es:documents/0"])

	plain := &fakeKV{data: map[string][]byte{}}
	require.NoError(t, NewRedis(plain, "es:").PutAll(ctx, items))
	assert.Len(t, plain.data, 2)
}

func TestOpenBackendSQLite(t *testing.T) {
	cfg := &config.Config{
		Store: config.StoreConfig{
			Backend:     "sqlite",
			SQLitePath:  filepath.Join(t.TempDir(), "edge.db"),
			Table:       "chunks",
			Compression: true,
		},
		Cache: cacheConfig(),
	}
	b, err := OpenBackend(ctx, cfg)
	require.NoError(t, err)
	defer b.Close()
	assert.False(t, b.Remote)
	require.NoError(t, b.Ping(ctx))

	require.NoError(t, b.Put(ctx, "terms/0", []byte("bits")))
	require.NoError(t, b.PutAll(ctx, []Item{{Key: "documents/0", Data: []byte("docs")}}))
	read, cached, err := ForSearch(b, cfg, metrics.NewWithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	require.NotNil(t, cached)
	defer cached.Close()
	got, err := read.Get(ctx, "terms/0")
	require.NoError(t, err)
	assert.Equal(t, []byte("bits"), got)
	got, err = read.Get(ctx, "documents/0")
	require.NoError(t, err)
	assert.Equal(t, []byte("docs"), got)
}

func TestOpenBackendUnknown(t *testing.T) {
	_, err := OpenBackend(ctx, &config.Config{Store: config.StoreConfig{Backend: "s3"}})
	assert.Error(t, err)
}
