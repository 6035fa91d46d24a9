// Package publish uploads a finished build to the chunk store and announces
// it on Kafka so that searchers can switch to it.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/chunkstore"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/index"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/resilience"
)

// Event is the index.published message.
type Event struct {
	EventID     string    `json:"event_id"`
	BuildID     string    `json:"build_id"`
	EntryCount  int       `json:"entry_count"`
	TermCount   int       `json:"term_count"`
	PublishedAt time.Time `json:"published_at"`
}

// EventPublisher is the part of *kafka.Producer the publisher needs.
type EventPublisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

type Options struct {
	Retry resilience.RetryConfig
	// Events may be nil, in which case nothing is announced.
	Events  EventPublisher
	Metrics *metrics.Metrics
}

type Publisher struct {
	dst    chunkstore.Putter
	opts   Options
	logger *slog.Logger
}

func New(dst chunkstore.Putter, opts Options) *Publisher {
	if opts.Retry.Retryable == nil {
		opts.Retry.Retryable = retryable
	}
	return &Publisher{
		dst:    dst,
		opts:   opts,
		logger: slog.Default().With("component", "publisher"),
	}
}

// retryable rejects errors another attempt cannot fix.
func retryable(err error) bool {
	return !errors.Is(err, chunkstore.ErrBadKey) &&
		!errors.Is(err, chunkstore.ErrReadOnly) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// Publish uploads art with retries, manifest last, then announces the
// build. An announcement failure is reported after the upload succeeded;
// the build is then in the store but searchers have not been told.
func (p *Publisher) Publish(ctx context.Context, art *index.Artifacts) (*Event, error) {
	start := time.Now()
	m := art.Manifest
	err := resilience.Retry(ctx, "upload artifacts", p.opts.Retry, func() error {
		return index.Upload(ctx, p.dst, art)
	})
	if err != nil {
		p.count("failed")
		return nil, fmt.Errorf("publishing build %s: %w", m.BuildID, err)
	}
	p.count("ok")
	p.logger.Info("artifacts uploaded",
		"build_id", m.BuildID,
		"term_chunks", len(art.TermChunks),
		"document_chunks", len(art.DocumentChunks),
		"packages", len(art.Packages),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	event := &Event{
		EventID:     uuid.NewString(),
		BuildID:     m.BuildID,
		EntryCount:  m.EntryCount,
		TermCount:   m.TermCount,
		PublishedAt: time.Now().UTC(),
	}
	if p.opts.Events == nil {
		return event, nil
	}
	err = resilience.Retry(ctx, "announce build", p.opts.Retry, func() error {
		return p.opts.Events.Publish(ctx, kafka.Event{Key: m.BuildID, Value: event})
	})
	if err != nil {
		return event, fmt.Errorf("announcing build %s: %w", m.BuildID, err)
	}
	p.logger.Info("build announced", "build_id", m.BuildID, "event_id", event.EventID)
	return event, nil
}

func (p *Publisher) count(status string) {
	if p.opts.Metrics != nil {
		p.opts.Metrics.ArtifactsPublished.WithLabelValues(status).Inc()
	}
}
