package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKV struct {
	mu   sync.Mutex
	data map[string][]byte
	ttl  time.Duration
	err  error
}

func newFakeKV() *fakeKV { return &fakeKV{data: map[string][]byte{}} }

func (f *fakeKV) GetBytes(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.data[key]
	if !ok {
		return nil, goredis.Nil
	}
	return v, nil
}

func (f *fakeKV) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value.([]byte)
	f.ttl = ttl
	return nil
}

func (f *fakeKV) FlushByPattern(_ context.Context, pattern string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var n int64
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			delete(f.data, k)
			n++
		}
	}
	return n, nil
}

func TestKeyDependsOnBuildAndQuery(t *testing.T) {
	k := Key("b1", "t=0_title_a&c=0")
	assert.True(t, strings.HasPrefix(k, "search:b1:"))
	assert.Equal(t, k, Key("b1", "t=0_title_a&c=0"))
	assert.NotEqual(t, k, Key("b2", "t=0_title_a&c=0"))
	assert.NotEqual(t, k, Key("b1", "t=0_title_a&c=7"))
}

func TestGetOrCompute(t *testing.T) {
	kv := newFakeKV()
	c := New(kv, time.Minute, nil)
	ctx := context.Background()
	calls := 0
	compute := func() ([]byte, error) {
		calls++
		return []byte(`{"total":1}`), nil
	}

	body, hit, err := c.GetOrCompute(ctx, "search:b:1", compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, `{"total":1}`, string(body))
	assert.Equal(t, time.Minute, kv.ttl)

	body, hit, err = c.GetOrCompute(ctx, "search:b:1", compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, `{"total":1}`, string(body))
	assert.Equal(t, 1, calls)

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestErrorsAreNotCached(t *testing.T) {
	kv := newFakeKV()
	c := New(kv, time.Minute, nil)
	boom := errors.New("boom")

	_, _, err := c.GetOrCompute(context.Background(), "search:b:1", func() ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, kv.data)
}

func TestRedisFailureIsMiss(t *testing.T) {
	kv := newFakeKV()
	kv.err = errors.New("connection refused")
	c := New(kv, time.Minute, nil)

	_, ok := c.Get(context.Background(), "search:b:1")
	assert.False(t, ok)
	_, misses := c.Stats()
	assert.Equal(t, int64(1), misses)
}

func TestConcurrentMissesCollapse(t *testing.T) {
	c := New(newFakeKV(), time.Minute, nil)
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.GetOrCompute(context.Background(), "search:b:1", func() ([]byte, error) {
				calls.Add(1)
				<-release
				return []byte("x"), nil
			})
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestInvalidate(t *testing.T) {
	kv := newFakeKV()
	kv.data["search:b:1"] = []byte("x")
	kv.data["other"] = []byte("y")
	c := New(kv, time.Minute, nil)

	require.NoError(t, c.Invalidate(context.Background()))
	assert.Equal(t, map[string][]byte{"other": []byte("y")}, kv.data)
}
