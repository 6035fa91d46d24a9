package index

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var ErrBadDocument = errors.New("document does not decode")

// encodeDocument serialises the display payload of one entry. JSON payloads
// hold the display fields (every field when none are configured) with keys
// in sorted order; text payloads are the single display field verbatim.
func encodeDocument(e Entry, cfg Config) ([]byte, error) {
	if cfg.DocumentEncoding == EncodingText {
		return []byte(e[cfg.DisplayFields[0]]), nil
	}
	doc := map[string]string(e)
	if len(cfg.DisplayFields) > 0 {
		doc = make(map[string]string, len(cfg.DisplayFields))
		for _, f := range cfg.DisplayFields {
			if v, ok := e[f]; ok {
				doc[f] = v
			}
		}
	}
	return json.Marshal(doc)
}

// DecodeDocument turns a stored payload into the value returned to callers:
// a json.RawMessage for JSON documents, a string for text documents.
func DecodeDocument(enc DocumentEncoding, data []byte) (any, error) {
	switch enc {
	case EncodingText:
		return string(data), nil
	case EncodingJSON:
		if !json.Valid(data) {
			return nil, fmt.Errorf("%w: invalid JSON payload of %d bytes", ErrBadDocument, len(data))
		}
		return json.RawMessage(append([]byte(nil), data...)), nil
	default:
		return nil, fmt.Errorf("%w: unknown encoding %q", ErrBadDocument, enc)
	}
}

// ReadEntries decodes a JSON Lines corpus, one object of string fields per
// line. Blank lines are skipped; ordinals follow line order.
func ReadEntries(r io.Reader) ([]Entry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var entries []Entry
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("parsing entry on line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading entries: %w", err)
	}
	return entries, nil
}
