// Package collector buffers query events on the searcher and flushes them
// to Kafka in batches.
package collector

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/kafka"
)

// retainedBatches bounds how many batches stay queued while Kafka is down.
const retainedBatches = 3

// shutdownFlushTimeout bounds the last flush after Start's context ends.
const shutdownFlushTimeout = 5 * time.Second

// Publisher is the part of *kafka.Producer the collector uses.
type Publisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// BatchCollector publishes buffered events once batchSize of them are
// queued or every interval, whichever comes first. Only the flush loop
// talks to Kafka; Track never blocks on it.
type BatchCollector struct {
	publisher Publisher
	batchSize int
	interval  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	pending []kafka.Event
	dropped atomic.Int64

	wake chan struct{}
	done chan struct{}
}

func NewBatchCollector(publisher Publisher, batchSize int, interval time.Duration) *BatchCollector {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &BatchCollector{
		publisher: publisher,
		batchSize: batchSize,
		interval:  interval,
		logger:    slog.Default().With("component", "batch-collector"),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start runs the flush loop until ctx ends, then flushes what is left.
func (bc *BatchCollector) Start(ctx context.Context) {
	bc.logger.Info("batch collector started", "batch_size", bc.batchSize, "flush_interval", bc.interval)
	go bc.loop(ctx)
}

func (bc *BatchCollector) loop(ctx context.Context) {
	defer close(bc.done)
	ticker := time.NewTicker(bc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-bc.wake:
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
			bc.flush(final)
			cancel()
			if n := bc.dropped.Load(); n > 0 {
				bc.logger.Warn("events dropped during run", "dropped", n)
			}
			return
		}
		bc.flush(ctx)
	}
}

// Track queues event keyed by its canonical query.
func (bc *BatchCollector) Track(event analytics.QueryEvent) {
	bc.mu.Lock()
	bc.pending = append(bc.pending, kafka.Event{Key: event.Query, Value: event})
	full := len(bc.pending) >= bc.batchSize
	bc.mu.Unlock()
	if !full {
		return
	}
	select {
	case bc.wake <- struct{}{}:
	default:
	}
}

// Close waits for the flush loop to finish. Cancel Start's context first.
func (bc *BatchCollector) Close() {
	<-bc.done
}

func (bc *BatchCollector) BufferLen() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return len(bc.pending)
}

// Dropped counts events discarded because Kafka kept failing.
func (bc *BatchCollector) Dropped() int64 {
	return bc.dropped.Load()
}

func (bc *BatchCollector) flush(ctx context.Context) {
	bc.mu.Lock()
	batch := bc.pending
	bc.pending = nil
	bc.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	err := bc.publisher.PublishBatch(ctx, batch)
	if err == nil {
		bc.logger.Debug("batch flushed", "events", len(batch))
		return
	}

	// The failed batch goes back in front of anything tracked meanwhile.
	bc.mu.Lock()
	bc.pending = append(batch, bc.pending...)
	var dropped int
	if limit := bc.batchSize * retainedBatches; len(bc.pending) > limit {
		dropped = len(bc.pending) - limit
		bc.pending = bc.pending[:limit]
	}
	bc.mu.Unlock()

	bc.dropped.Add(int64(dropped))
	bc.logger.Error("batch flush failed", "events", len(batch), "dropped", dropped, "error", err)
}
