// Package extract turns raw field text into the set of normalised words
// that get indexed. Extractors are pluggable; the index builder and the
// query tooling only depend on the Extractor interface.
package extract

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/clipperhouse/uax29/v2/words"
	"github.com/kljensen/snowball/english"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Extractor maps text to a sorted, deduplicated list of words.
type Extractor interface {
	Extract(text string) []string
}

// Func adapts a plain function to Extractor. The result is sorted and
// deduplicated for it.
type Func func(text string) []string

func (f Func) Extract(text string) []string { return dedupe(f(text)) }

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "for": {}, "from": {}, "has": {}, "he": {},
	"in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {}, "this": {}, "but": {}, "they": {},
	"have": {}, "had": {}, "what": {}, "when": {}, "where": {},
	"who": {}, "which": {}, "their": {}, "if": {}, "each": {},
	"do": {}, "not": {}, "no": {}, "so": {}, "can": {},
}

// Simple lower-cases text and splits it on every rune that is neither a
// letter nor a digit.
type Simple struct {
	DropStopWords bool
}

func (s Simple) Extract(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if s.DropStopWords {
		fields = withoutStopWords(fields)
	}
	return dedupe(fields)
}

// Unicode segments text with UAX#29 word boundaries after NFKC
// normalisation and case folding. Segments without a letter or digit
// (spaces, punctuation) are dropped.
type Unicode struct {
	DropStopWords bool
}

func (u Unicode) Extract(text string) []string {
	folded := cases.Fold().String(norm.NFKC.String(text))
	segments := words.FromString(folded)
	var out []string
	for segments.Next() {
		w := segments.Value()
		if strings.IndexFunc(w, isWordRune) < 0 {
			continue
		}
		out = append(out, w)
	}
	if u.DropStopWords {
		out = withoutStopWords(out)
	}
	return dedupe(out)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Stemming reduces every word from Base to its English Snowball stem.
type Stemming struct {
	Base Extractor
}

func (s Stemming) Extract(text string) []string {
	base := s.Base.Extract(text)
	out := make([]string, 0, len(base))
	for _, w := range base {
		if stem := english.Stem(w, false); stem != "" {
			out = append(out, stem)
		}
	}
	return dedupe(out)
}

// ByName returns the extractor configured under name.
func ByName(name string) (Extractor, error) {
	switch name {
	case "", "simple":
		return Simple{}, nil
	case "simple-stop":
		return Simple{DropStopWords: true}, nil
	case "unicode":
		return Unicode{}, nil
	case "stem":
		return Stemming{Base: Unicode{DropStopWords: true}}, nil
	default:
		return nil, fmt.Errorf("unknown extractor %q", name)
	}
}

func withoutStopWords(in []string) []string {
	out := in[:0]
	for _, w := range in {
		if _, stop := stopWords[w]; !stop {
			out = append(out, w)
		}
	}
	return out
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	sort.Strings(in)
	out := in[:1]
	for _, w := range in[1:] {
		if w != out[len(out)-1] && w != "" {
			out = append(out, w)
		}
	}
	if out[0] == "" {
		out = out[1:]
	}
	return out
}
