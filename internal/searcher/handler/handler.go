// Package handler serves GET /search over the loaded build and swaps in new
// builds when one is announced.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/publish"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/query"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/searcher/cache"
	apperrors "github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/tracing"
)

// Searcher is the evaluator surface the handler uses.
type Searcher interface {
	Search(ctx context.Context, q *query.Query) (*query.Page, error)
	MaxTerms() int
	MaxQueryBytes() int
	BuildID() string
	Autocomplete(field, prefix string) ([]string, error)
}

// Tracker receives one event per search request.
type Tracker interface {
	Track(event analytics.QueryEvent)
}

// Response is the body of a successful search.
type Response struct {
	Total        int               `json:"total"`
	Continuation *uint32           `json:"continuation"`
	Results      []json.RawMessage `json:"results"`
}

type Handler struct {
	searcher atomic.Pointer[Searcher]
	cache    *cache.QueryCache
	tracker  Tracker
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New builds a handler. cache, tracker and m may each be nil.
func New(s Searcher, queryCache *cache.QueryCache, tracker Tracker, m *metrics.Metrics) *Handler {
	h := &Handler{
		cache:   queryCache,
		tracker: tracker,
		metrics: m,
		logger:  slog.Default().With("component", "search-handler"),
	}
	h.searcher.Store(&s)
	return h
}

// Swap replaces the searcher; in-flight requests finish on the old one.
func (h *Handler) Swap(s Searcher) {
	h.searcher.Store(&s)
}

func (h *Handler) current() Searcher {
	return *h.searcher.Load()
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := middleware.GetRequestID(r.Context())
	ctx, span := tracing.StartSpan(r.Context(), "search", requestID)
	log := logger.FromContext(ctx)
	defer func() {
		span.End()
		span.Log(log)
	}()

	s := h.current()
	event := analytics.QueryEvent{
		Type:        analytics.EventQuery,
		Query:       r.URL.RawQuery,
		BuildID:     s.BuildID(),
		CacheStatus: "none",
		RequestID:   requestID,
	}

	if limit := s.MaxQueryBytes(); limit > 0 && len(r.URL.RawQuery) > limit {
		err := apperrors.Detailf(apperrors.ErrMalformedQuery, "query is %d bytes, limit is %d", len(r.URL.RawQuery), limit)
		h.fail(w, log, &event, start, "malformed", err)
		return
	}

	q, err := query.ParseValues(r.URL.Query(), s.MaxTerms())
	if err != nil {
		h.fail(w, log, &event, start, "malformed", err)
		return
	}
	event.Query = q.Canonical()
	event.TermCount = q.TermCount()
	span.SetAttr("terms", event.TermCount)

	compute := func() ([]byte, error) {
		page, err := s.Search(ctx, q)
		if err != nil {
			return nil, err
		}
		return render(page)
	}

	var body []byte
	if h.cache != nil {
		var hit bool
		body, hit, err = h.cache.GetOrCompute(ctx, cache.Key(s.BuildID(), event.Query), compute)
		event.CacheStatus = "miss"
		if hit {
			event.CacheStatus = "hit"
		}
	} else {
		body, err = compute()
	}
	if err != nil {
		h.fail(w, log, &event, start, "error", err)
		return
	}

	var summary struct {
		Total   int               `json:"total"`
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(body, &summary); err == nil {
		event.Total = summary.Total
		event.Returned = len(summary.Results)
	}

	outcome := "ok"
	if event.Total == 0 {
		outcome = "empty"
	}
	h.observe(outcome, event.CacheStatus, start, event.Returned)
	log.Info("search completed",
		"query", event.Query,
		"total", event.Total,
		"returned", event.Returned,
		"cache_status", event.CacheStatus,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	h.track(&event, start)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

// render serialises a page. Hits are already ordered by ordinal.
func render(page *query.Page) ([]byte, error) {
	resp := Response{
		Total:        page.Total,
		Continuation: page.Continuation,
		Results:      make([]json.RawMessage, 0, len(page.Hits)),
	}
	for _, hit := range page.Hits {
		raw, ok := hit.Document.(json.RawMessage)
		if !ok {
			var err error
			if raw, err = json.Marshal(hit.Document); err != nil {
				return nil, fmt.Errorf("encoding document %d: %w", hit.Ordinal, err)
			}
		}
		resp.Results = append(resp.Results, raw)
	}
	return json.Marshal(resp)
}

func (h *Handler) fail(w http.ResponseWriter, log *slog.Logger, event *analytics.QueryEvent, start time.Time, outcome string, err error) {
	status := apperrors.HTTPStatusCode(err)
	event.Type = analytics.EventFailure
	event.ErrorKind = errorKind(err)
	if status >= http.StatusInternalServerError {
		log.Error("search failed", "query", event.Query, "kind", event.ErrorKind, "error", err)
	} else {
		log.Info("search rejected", "query", event.Query, "error", err)
	}
	h.observe(outcome, event.CacheStatus, start, -1)
	h.track(event, start)
	h.writeJSON(w, status, map[string]string{"error": apperrors.PublicMessage(err)})
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrMalformedQuery):
		return "malformed_query"
	case errors.Is(err, apperrors.ErrChunkFetch):
		return "chunk_fetch"
	case errors.Is(err, apperrors.ErrCorruptChunk):
		return "corrupt_chunk"
	case errors.Is(err, apperrors.ErrNativeModule):
		return "native_module"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, apperrors.ErrTimeout):
		return "timeout"
	default:
		return "internal"
	}
}

func (h *Handler) observe(outcome, cacheStatus string, start time.Time, returned int) {
	if h.metrics == nil {
		return
	}
	h.metrics.SearchQueriesTotal.WithLabelValues(outcome).Inc()
	h.metrics.SearchLatency.WithLabelValues(cacheStatus).Observe(time.Since(start).Seconds())
	if returned >= 0 {
		h.metrics.SearchResultsCount.Observe(float64(returned))
	}
}

func (h *Handler) track(event *analytics.QueryEvent, start time.Time) {
	if h.tracker == nil {
		return
	}
	event.LatencyMs = time.Since(start).Milliseconds()
	event.Timestamp = time.Now().UTC()
	h.tracker.Track(*event)
}

// paramField names the field an autocomplete prefix is matched in.
const paramField = "f"

// Autocomplete serves GET /autocomplete?f=<field>&t=<prefix> with the
// indexed words of field that start with prefix.
func (h *Handler) Autocomplete(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	field := values.Get(paramField)
	if field == "" || !values.Has(query.ParamTerm) {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "autocomplete needs f and t parameters"})
		return
	}
	words, err := h.current().Autocomplete(field, values.Get(query.ParamTerm))
	if err != nil {
		logger.FromContext(r.Context()).Info("autocomplete rejected", "field", field, "error", err)
		h.writeJSON(w, apperrors.HTTPStatusCode(err), map[string]string{"error": apperrors.PublicMessage(err)})
		return
	}
	h.writeJSON(w, http.StatusOK, words)
}

// BuildID names the build currently served.
func (h *Handler) BuildID() string {
	return h.current().BuildID()
}

func (h *Handler) Build(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"build_id": h.BuildID()})
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	hits, misses := h.cache.Stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "caching is disabled"})
		return
	}
	if err := h.cache.Invalidate(r.Context()); err != nil {
		h.logger.Error("cache invalidation failed", "error", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cache invalidation failed"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

// Loader opens the build currently in the store.
type Loader func(ctx context.Context) (Searcher, error)

// OnIndexPublished reloads the build when an announcement names a build
// other than the one being served, then drops cached responses of old
// builds. Failed reloads keep serving the current build.
func (h *Handler) OnIndexPublished(load Loader) kafka.MessageHandler {
	return func(ctx context.Context, _ []byte, value []byte) error {
		event, err := kafka.DecodeJSON[publish.Event](value)
		if err != nil {
			h.logger.Error("failed to decode index.published event", "error", err)
			return nil
		}
		if event.BuildID == h.current().BuildID() {
			h.logger.Debug("build already served", "build_id", event.BuildID)
			return nil
		}
		next, err := load(ctx)
		if err != nil {
			h.logger.Error("reloading build failed", "build_id", event.BuildID, "error", err)
			return fmt.Errorf("reloading build %s: %w", event.BuildID, err)
		}
		h.Swap(next)
		h.logger.Info("build swapped", "announced", event.BuildID, "serving", next.BuildID(), "event_id", event.EventID)
		if h.cache != nil {
			if err := h.cache.Invalidate(ctx); err != nil {
				h.logger.Warn("cache invalidation after swap failed", "error", err)
			}
		}
		return nil
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}
