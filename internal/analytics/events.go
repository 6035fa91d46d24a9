// Package analytics aggregates query events published by searchers: query
// volume, latency percentiles, cache effectiveness, error rate and the most
// frequent and zero-result queries.
package analytics

import "time"

type EventType string

const (
	EventQuery   EventType = "query"
	EventFailure EventType = "query_failed"
)

// QueryEvent describes one answered (or failed) search request. Query is the
// canonical wire form, so equal queries aggregate together.
type QueryEvent struct {
	Type        EventType `json:"type"`
	Query       string    `json:"query"`
	TermCount   int       `json:"term_count"`
	Total       int       `json:"total"`
	Returned    int       `json:"returned"`
	LatencyMs   int64     `json:"latency_ms"`
	CacheStatus string    `json:"cache_status"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	BuildID     string    `json:"build_id"`
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"request_id"`
}
