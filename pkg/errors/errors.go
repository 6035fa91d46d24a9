// Package errors holds the failure kinds shared across services and maps
// them onto HTTP responses.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrMalformedQuery = errors.New("malformed query")
	ErrChunkFetch     = errors.New("chunk fetch failed")
	ErrCorruptChunk   = errors.New("corrupt chunk")
	ErrNativeModule   = errors.New("native module failure")
	ErrTimeout        = errors.New("operation timed out")
)

// Detailed is a failure kind plus a message meant for the caller.
type Detailed struct {
	Kind   error
	Detail string
}

func (e *Detailed) Error() string {
	return e.Kind.Error() + ": " + e.Detail
}

func (e *Detailed) Unwrap() error {
	return e.Kind
}

// Detailf builds a Detailed error of the given kind.
func Detailf(kind error, format string, args ...any) error {
	return &Detailed{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a sentinel kind to an underlying cause so that both
// errors.Is(err, sentinel) and errors.Is(err, cause) hold.
func Wrap(sentinel error, cause error) error {
	return fmt.Errorf("%w: %w", sentinel, cause)
}

func HTTPStatusCode(err error) int {
	switch {
	case errors.Is(err, ErrMalformedQuery):
		return http.StatusBadRequest
	case errors.Is(err, ErrChunkFetch):
		return http.StatusBadGateway
	case errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the text shown to a caller. Only client errors carry
// their diagnostic, so chunk layout details stay in the logs.
func PublicMessage(err error) string {
	if status := HTTPStatusCode(err); status >= http.StatusInternalServerError {
		return "internal error"
	}
	var d *Detailed
	if errors.As(err, &d) {
		return d.Detail
	}
	return err.Error()
}
