// Package query parses search requests and evaluates them against a loaded
// deployment: resolve terms to bitsets, combine them in the native module,
// paginate and hydrate the matching documents.
package query

import (
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/bridge"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/index"
	apperrors "github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/errors"
)

// URL parameters of a search request.
const (
	ParamTerm         = "t"
	ParamContinuation = "c"
)

var modeNames = map[string]bridge.Mode{
	"0":       bridge.ModeRequire,
	"1":       bridge.ModeContain,
	"2":       bridge.ModeExclude,
	"require": bridge.ModeRequire,
	"contain": bridge.ModeContain,
	"exclude": bridge.ModeExclude,
}

// Query is a parsed search request. Terms holds composite keys
// ("field_word") per mode, in ascending order without duplicates.
type Query struct {
	Terms        [3][]string
	Continuation uint32
}

// TermCount is the number of terms across all modes.
func (q *Query) TermCount() int {
	n := 0
	for _, terms := range q.Terms {
		n += len(terms)
	}
	return n
}

// Canonical renders q in its accepted wire form. Two requests that parse to
// the same query always render identically.
func (q *Query) Canonical() string {
	var sb strings.Builder
	for _, mode := range bridge.Modes {
		for _, key := range q.Terms[mode] {
			sb.WriteString(ParamTerm)
			sb.WriteByte('=')
			sb.WriteString(strconv.Itoa(int(mode)))
			sb.WriteByte('_')
			sb.WriteString(url.QueryEscape(key))
			sb.WriteByte('&')
		}
	}
	sb.WriteString(ParamContinuation)
	sb.WriteByte('=')
	sb.WriteString(strconv.FormatUint(uint64(q.Continuation), 10))
	return sb.String()
}

// ParseValues reads the t and c parameters of a request URL.
func ParseValues(values url.Values, maxTerms int) (*Query, error) {
	var continuation uint32
	if raw := values.Get(ParamContinuation); raw != "" {
		c, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || c > math.MaxInt32 {
			return nil, malformed("invalid continuation %q", raw)
		}
		continuation = uint32(c)
	}
	return ParseTokens(values[ParamTerm], continuation, maxTerms)
}

// ParseTokens parses "mode_field_word" tokens. Tokens must arrive grouped by
// mode in require, contain, exclude order, by field within a mode, and with
// strictly ascending words within a field, so every query has exactly one
// accepted spelling.
func ParseTokens(tokens []string, continuation uint32, maxTerms int) (*Query, error) {
	if len(tokens) > maxTerms {
		return nil, malformed("%d terms exceed the limit of %d", len(tokens), maxTerms)
	}
	q := &Query{Continuation: continuation}
	lastMode := bridge.Mode(-1)
	var lastField, lastWord string
	for _, tok := range tokens {
		mode, field, word, ok := splitToken(tok)
		if !ok {
			return nil, malformed("invalid term %q", tok)
		}
		switch {
		case mode < lastMode:
			return nil, malformed("term %q is out of mode order", tok)
		case mode > lastMode:
			lastMode, lastField, lastWord = mode, field, ""
		case field < lastField:
			return nil, malformed("term %q is out of field order", tok)
		case field > lastField:
			lastField, lastWord = field, ""
		case word <= lastWord:
			return nil, malformed("term %q is duplicated or out of order", tok)
		}
		lastWord = word
		q.Terms[mode] = append(q.Terms[mode], field+index.TermSeparator+word)
	}
	return q, nil
}

func splitToken(tok string) (bridge.Mode, string, string, bool) {
	name, rest, ok := strings.Cut(tok, "_")
	if !ok {
		return 0, "", "", false
	}
	mode, ok := modeNames[name]
	if !ok {
		return 0, "", "", false
	}
	field, word, ok := strings.Cut(rest, index.TermSeparator)
	if !ok || field == "" || word == "" {
		return 0, "", "", false
	}
	return mode, field, word, true
}

func malformed(format string, args ...any) error {
	return apperrors.Detailf(apperrors.ErrMalformedQuery, format, args...)
}
