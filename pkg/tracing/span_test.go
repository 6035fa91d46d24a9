package tracing

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildSpansAttachToParent(t *testing.T) {
	ctx, root := StartSpan(context.Background(), "search", "req-1")
	_, resolve := StartChildSpan(ctx, "resolve")
	resolve.SetAttr("chunks", 3)
	resolve.End()
	root.End()

	children := root.Children()
	require.Len(t, children, 1)
	assert.Equal(t, "req-1", children[0].TraceID)
	v, ok := children[0].Attr("chunks")
	require.True(t, ok)
	assert.EqualValues(t, 3, v)
	assert.GreaterOrEqual(t, root.Duration(), resolve.Duration())
}

func TestDetachedChild(t *testing.T) {
	ctx, span := StartChildSpan(context.Background(), "orphan")
	assert.Empty(t, span.TraceID)
	assert.Same(t, span, SpanFromContext(ctx))
	assert.Nil(t, SpanFromContext(context.Background()))
}

func TestLogWritesOneRecord(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx, root := StartSpan(context.Background(), "search", "req-2")
	hctx, hydrate := StartChildSpan(ctx, "hydrate")
	_, fetch := StartChildSpan(hctx, "fetch")
	fetch.SetAttr("chunks", 2)
	fetch.End()
	hydrate.End()
	root.End()
	root.Log(logger)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "span=search")
	assert.Contains(t, lines[0], "trace_id=req-2")
	assert.Contains(t, lines[0], "hydrate.ms=")
	assert.Contains(t, lines[0], "hydrate.fetch.chunks=2")
}
