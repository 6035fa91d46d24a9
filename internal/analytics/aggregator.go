package analytics

import (
	"cmp"
	"context"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/kafka"
)

const (
	// maxLatencySamples bounds the window percentiles are taken over.
	maxLatencySamples = 10000
	topListSize       = 10
	// termParam is the query parameter holding one search term.
	termParam = "t"
)

type AggregatedStats struct {
	TotalQueries      int64        `json:"total_queries"`
	FailedQueries     int64        `json:"failed_queries"`
	CacheHits         int64        `json:"cache_hits"`
	CacheMisses       int64        `json:"cache_misses"`
	ZeroResultCount   int64        `json:"zero_result_count"`
	AvgLatencyMs      float64      `json:"avg_latency_ms"`
	P50LatencyMs      int64        `json:"p50_latency_ms"`
	P95LatencyMs      int64        `json:"p95_latency_ms"`
	P99LatencyMs      int64        `json:"p99_latency_ms"`
	TopQueries        []QueryCount `json:"top_queries"`
	TopTerms          []QueryCount `json:"top_terms"`
	ZeroResultQueries []QueryCount `json:"zero_result_queries"`
	ErrorKinds        []QueryCount `json:"error_kinds"`
	Builds            []QueryCount `json:"builds"`
	QueriesPerMinute  float64      `json:"queries_per_minute"`
	BuildID           string       `json:"build_id"`
}

// QueryCount pairs a key (query, term, error kind or build) with how often
// it was seen.
type QueryCount struct {
	Query string `json:"query"`
	Count int64  `json:"count"`
}

// tally counts occurrences per key.
type tally map[string]int64

// top orders by count, then by key so ties are stable.
func (t tally) top(n int) []QueryCount {
	out := make([]QueryCount, 0, len(t))
	for k, c := range t {
		out = append(out, QueryCount{Query: k, Count: c})
	}
	slices.SortFunc(out, func(a, b QueryCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Query, b.Query)
	})
	return out[:min(n, len(out))]
}

// latencyWindow keeps the most recent samples in a ring.
type latencyWindow struct {
	samples []int64
	next    int
}

func (w *latencyWindow) add(ms int64) {
	if len(w.samples) < maxLatencySamples {
		w.samples = append(w.samples, ms)
		return
	}
	w.samples[w.next] = ms
	w.next = (w.next + 1) % maxLatencySamples
}

func (w *latencyWindow) fill(stats *AggregatedStats) {
	if len(w.samples) == 0 {
		return
	}
	sorted := slices.Clone(w.samples)
	slices.Sort(sorted)
	var sum int64
	for _, ms := range sorted {
		sum += ms
	}
	at := func(pct int) int64 {
		return sorted[min(pct*len(sorted)/100, len(sorted)-1)]
	}
	stats.AvgLatencyMs = float64(sum) / float64(len(sorted))
	stats.P50LatencyMs = at(50)
	stats.P95LatencyMs = at(95)
	stats.P99LatencyMs = at(99)
}

// Aggregator folds query events into running totals. It is safe for
// concurrent use.
type Aggregator struct {
	mu      sync.Mutex
	totals  AggregatedStats
	latency latencyWindow
	queries tally
	terms   tally
	zero    tally
	errors  tally
	builds  tally
	started time.Time
	logger  *slog.Logger
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		queries: tally{},
		terms:   tally{},
		zero:    tally{},
		errors:  tally{},
		builds:  tally{},
		started: time.Now(),
		logger:  slog.Default().With("component", "analytics-aggregator"),
	}
}

// HandleMessage decodes one Kafka record. Undecodable records are logged and
// skipped so that a bad producer cannot stall the consumer group.
func (a *Aggregator) HandleMessage(_ context.Context, _ []byte, value []byte) error {
	event, err := kafka.DecodeJSON[QueryEvent](value)
	if err != nil {
		a.logger.Error("failed to decode query event", "error", err)
		return nil
	}
	a.Record(event)
	return nil
}

func (a *Aggregator) Record(event QueryEvent) {
	zero := event.Type == EventQuery && event.Total == 0
	terms := termsOf(event.Query)

	a.mu.Lock()
	defer a.mu.Unlock()
	t := &a.totals
	t.TotalQueries++
	if event.Type == EventFailure {
		t.FailedQueries++
	}
	switch event.CacheStatus {
	case "hit":
		t.CacheHits++
	case "miss":
		t.CacheMisses++
	}
	a.latency.add(event.LatencyMs)
	a.queries[event.Query]++
	for _, term := range terms {
		a.terms[term]++
	}
	if zero {
		t.ZeroResultCount++
		a.zero[event.Query]++
	}
	if event.ErrorKind != "" {
		a.errors[event.ErrorKind]++
	}
	if event.BuildID != "" {
		t.BuildID = event.BuildID
		a.builds[event.BuildID]++
	}
}

// termsOf lists the terms of a canonical query; malformed queries have none.
func termsOf(query string) []string {
	values, err := url.ParseQuery(query)
	if err != nil {
		return nil
	}
	return values[termParam]
}

func (a *Aggregator) Stats() AggregatedStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	stats := a.totals
	a.latency.fill(&stats)
	stats.TopQueries = a.queries.top(topListSize)
	stats.TopTerms = a.terms.top(topListSize)
	stats.ZeroResultQueries = a.zero.top(topListSize)
	stats.ErrorKinds = a.errors.top(topListSize)
	stats.Builds = a.builds.top(topListSize)
	if elapsed := time.Since(a.started).Minutes(); elapsed > 0 {
		stats.QueriesPerMinute = float64(stats.TotalQueries) / elapsed
	}
	return stats
}
