// Package tracing times the stages of one search request (resolve,
// evaluate, hydrate) and logs the whole tree as a single record when the
// request ends.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type spanKey struct{}

// Span is one timed stage. Children started from a context holding the
// span attach to it; all methods are safe for concurrent use.
type Span struct {
	Name    string
	TraceID string
	Start   time.Time

	mu       sync.Mutex
	duration time.Duration
	attrs    []slog.Attr
	children []*Span
}

// StartSpan begins a root span for traceID, usually the request ID.
func StartSpan(ctx context.Context, name string, traceID string) (context.Context, *Span) {
	s := &Span{Name: name, TraceID: traceID, Start: time.Now()}
	return context.WithValue(ctx, spanKey{}, s), s
}

// StartChildSpan begins a span under the one in ctx. Without a parent the
// span is a detached root with no trace ID.
func StartChildSpan(ctx context.Context, name string) (context.Context, *Span) {
	parent := SpanFromContext(ctx)
	if parent == nil {
		return StartSpan(ctx, name, "")
	}
	child := &Span{Name: name, TraceID: parent.TraceID, Start: time.Now()}
	parent.mu.Lock()
	parent.children = append(parent.children, child)
	parent.mu.Unlock()
	return context.WithValue(ctx, spanKey{}, child), child
}

func SpanFromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(spanKey{}).(*Span)
	return s
}

func (s *Span) End() {
	s.mu.Lock()
	s.duration = time.Since(s.Start)
	s.mu.Unlock()
}

func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	s.attrs = append(s.attrs, slog.Any(key, value))
	s.mu.Unlock()
}

// Duration is zero until End is called.
func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

// Attr returns the last value set for key.
func (s *Span) Attr(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.attrs) - 1; i >= 0; i-- {
		if s.attrs[i].Key == key {
			return s.attrs[i].Value.Any(), true
		}
	}
	return nil, false
}

func (s *Span) Children() []*Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Span(nil), s.children...)
}

// Log writes the tree as one debug record. Each child becomes a group named
// after it, e.g. resolve.ms=0.42 resolve.chunks=3.
func (s *Span) Log(logger *slog.Logger) {
	attrs := append([]slog.Attr{
		slog.String("trace_id", s.TraceID),
		slog.String("span", s.Name),
	}, s.fields()...)
	logger.LogAttrs(context.Background(), slog.LevelDebug, "trace", attrs...)
}

func (s *Span) fields() []slog.Attr {
	s.mu.Lock()
	out := []slog.Attr{slog.Float64("ms", float64(s.duration.Microseconds())/1000)}
	out = append(out, s.attrs...)
	children := append([]*Span(nil), s.children...)
	s.mu.Unlock()

	for _, c := range children {
		out = append(out, slog.Attr{Key: c.Name, Value: slog.GroupValue(c.fields()...)})
	}
	return out
}
