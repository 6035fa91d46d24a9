package chunkstore

import (
	"context"
	"time"

	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/metrics"
)

// Instrumented records fetch counts and latency per artifact kind.
type Instrumented struct {
	inner Store
	m     *metrics.Metrics
}

func NewInstrumented(inner Store, m *metrics.Metrics) *Instrumented {
	return &Instrumented{inner: inner, m: m}
}

func (s *Instrumented) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	data, err := s.inner.Get(ctx, key)
	kind := Kind(key)
	s.m.ChunkFetchDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	status := "ok"
	switch {
	case IsNotFound(err):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	s.m.ChunkFetchesTotal.WithLabelValues(kind, status).Inc()
	return data, err
}
