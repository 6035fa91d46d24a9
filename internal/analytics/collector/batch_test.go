package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/kafka"
)

type recordingPublisher struct {
	mu      sync.Mutex
	batches [][]kafka.Event
	err     error
}

func (p *recordingPublisher) PublishBatch(_ context.Context, events []kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.batches = append(p.batches, events)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.batches {
		n += len(b)
	}
	return n
}

func TestFlushOnBatchSize(t *testing.T) {
	pub := &recordingPublisher{}
	bc := NewBatchCollector(pub, 3, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	bc.Start(ctx)

	for i := 0; i < 3; i++ {
		bc.Track(analytics.QueryEvent{Type: analytics.EventQuery, Query: "q"})
	}
	require.Eventually(t, func() bool { return pub.count() == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	bc.Close()
	assert.Equal(t, "q", pub.batches[0][0].Key)
}

func TestFinalFlushOnShutdown(t *testing.T) {
	pub := &recordingPublisher{}
	bc := NewBatchCollector(pub, 100, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	bc.Start(ctx)

	bc.Track(analytics.QueryEvent{Query: "a"})
	bc.Track(analytics.QueryEvent{Query: "b"})
	cancel()
	bc.Close()

	assert.Equal(t, 2, pub.count())
	assert.Equal(t, 0, bc.BufferLen())
}

func TestFailedFlushRequeuesBounded(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	bc := NewBatchCollector(pub, 2, time.Hour)
	for i := 0; i < 10; i++ {
		bc.Track(analytics.QueryEvent{Query: "q"})
	}
	bc.flush(context.Background())
	assert.Equal(t, 6, bc.BufferLen())
	assert.Equal(t, int64(4), bc.Dropped())
	assert.Equal(t, 0, pub.count())

	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()
	bc.flush(context.Background())
	assert.Equal(t, 6, pub.count())
	assert.Zero(t, bc.BufferLen())
}
