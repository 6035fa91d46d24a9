package native

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/bridge"
	apperrors "github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/errors"
)

// Host is the caller's side of the module boundary. It decodes diagnostics
// and hands out one Session at a time, since the module's heap is reset
// between calls rather than collected.
type Host struct {
	mu     sync.Mutex
	module *Module
	logger *slog.Logger
	fatals []string
}

// NewHost loads img into a fresh module. heapBytes of zero sizes the heap
// for the image's limits.
func NewHost(img *Image, heapBytes int) (*Host, error) {
	h := &Host{logger: slog.Default().With("component", "native-host")}
	m, err := New(img, Options{HeapBytes: heapBytes, Diagnostics: h.onDiagnostic})
	if err != nil {
		return nil, err
	}
	h.module = m
	return h, nil
}

func (h *Host) Module() *Module { return h.module }

func (h *Host) onDiagnostic(sev bridge.Severity, fmtPtr, argsPtr uint32) {
	msg, err := bridge.Format(h.module.Cursor(fmtPtr), h.module.Cursor(argsPtr))
	if err != nil {
		msg = "undecodable diagnostic: " + err.Error()
		sev = bridge.SeverityFatal
	}
	switch sev {
	case bridge.SeverityLog:
		h.logger.Debug("native diagnostic", "source", "native", "message", msg)
	default:
		h.logger.Error("native diagnostic", "source", "native", "severity", sev.String(), "message", msg)
		h.fatals = append(h.fatals, msg)
	}
}

// Begin blocks until the module is free and returns a session over a clean
// heap. The session must be ended.
func (h *Host) Begin() *Session {
	h.mu.Lock()
	h.module.Reset()
	h.fatals = nil
	return &Session{h: h}
}

// Session is exclusive use of the module for one request.
type Session struct {
	h     *Host
	ended bool
}

// End releases the module, discarding everything the session allocated.
func (s *Session) End() {
	if s.ended {
		return
	}
	s.ended = true
	s.h.module.Reset()
	s.h.mu.Unlock()
}

// Load copies a bitset fetched from the store into module memory.
func (s *Session) Load(data []byte) (bridge.Operand, error) {
	ptr, err := s.h.module.writeBytes(data)
	if err != nil {
		return bridge.Operand{}, apperrors.Wrap(apperrors.ErrNativeModule, err)
	}
	return bridge.Operand{Len: uint32(len(data)), Ptr: ptr}, nil
}

// Package addresses a popular-term bitset already resident in the module.
func (s *Session) Package(pkg int, offset, length uint32) (bridge.Operand, error) {
	ptr, err := s.h.module.PackagePtr(pkg, offset, length)
	if err != nil {
		return bridge.Operand{}, apperrors.Wrap(apperrors.ErrCorruptChunk, err)
	}
	return bridge.Operand{Len: length, Ptr: ptr}, nil
}

// Sentinel addresses the all-zero bitset.
func (s *Session) Sentinel() bridge.Operand {
	return bridge.Operand{Len: uint32(s.h.module.BitsetBytes()), Ptr: s.h.module.SentinelPtr()}
}

// Evaluate marshals q into module memory, runs it and decodes the result.
// A failure pointer or any fatal diagnostic fails the call.
func (s *Session) Evaluate(q *bridge.Query) (*bridge.Result, error) {
	m := s.h.module
	ptr, err := m.Alloc(uint32(q.Size()))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNativeModule, err)
	}
	if err := bridge.WriteQuery(m.Cursor(ptr), q); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNativeModule, fmt.Errorf("writing query: %w", err))
	}

	s.h.fatals = nil
	out := m.Query(ptr)
	if len(s.h.fatals) > 0 {
		return nil, apperrors.Wrap(apperrors.ErrNativeModule, fmt.Errorf("%s", strings.Join(s.h.fatals, "; ")))
	}
	if out == Failure {
		return nil, apperrors.Wrap(apperrors.ErrNativeModule, fmt.Errorf("query returned failure sentinel"))
	}

	res, err := bridge.ReadResult(m.Cursor(out))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNativeModule, fmt.Errorf("reading result: %w", err))
	}
	return res, nil
}
