// Package diag provides the diagnostics side channel: raw responses,
// screenshots and notes captured per orchestration run for offline
// troubleshooting. Sinks are best-effort and never fail the caller.
package diag

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"pixeloff/internal/httputil"
)

// DefaultMaxBytes bounds a single record.
const DefaultMaxBytes = 256 * 1024

// Sink receives diagnostic records.
type Sink interface {
	// Record stores payload under label. It must not block for long or panic.
	Record(label string, payload []byte)

	// Reset discards the records of the previous run.
	Reset()
}

type sinkKey struct{}

// NewContext returns a context carrying s. Strategies pick it up with FromContext.
func NewContext(ctx context.Context, s Sink) context.Context {
	return context.WithValue(ctx, sinkKey{}, s)
}

// FromContext returns the sink carried by ctx, or Nop.
func FromContext(ctx context.Context) Sink {
	if s, ok := ctx.Value(sinkKey{}).(Sink); ok && s != nil {
		return s
	}
	return Nop{}
}

// RecordString is a convenience wrapper for textual payloads.
func RecordString(s Sink, label, payload string) {
	if s == nil {
		return
	}
	s.Record(label, []byte(payload))
}

// Truncate caps payload at max bytes, appending a marker with the dropped size.
func Truncate(payload []byte, max int) []byte {
	if max <= 0 || len(payload) <= max {
		return payload
	}
	marker := fmt.Sprintf("\n...[truncated %d bytes]", len(payload)-max)
	out := make([]byte, 0, max+len(marker))
	out = append(out, payload[:max]...)
	return append(out, marker...)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(string, []byte) {}
func (Nop) Reset()                {}

// Entry is one in-memory record.
type Entry struct {
	Label   string
	Payload []byte
}

// Memory keeps records in memory. Safe for concurrent use.
type Memory struct {
	MaxBytes int

	mu      sync.Mutex
	entries []Entry
}

func (m *Memory) Record(label string, payload []byte) {
	max := m.MaxBytes
	if max == 0 {
		max = DefaultMaxBytes
	}
	cp := append([]byte(nil), Truncate(payload, max)...)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, Entry{Label: label, Payload: cp})
}

func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
}

// Entries returns a copy of the recorded entries in order.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// File writes each record to its own file under Dir.
// Reset removes the previous run's files.
type File struct {
	Dir      string
	MaxBytes int
	Logger   *slog.Logger

	mu  sync.Mutex
	seq int
}

// NewFile creates a file-backed sink rooted at dir.
func NewFile(dir string, maxBytes int, logger *slog.Logger) *File {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &File{Dir: dir, MaxBytes: maxBytes, Logger: logger}
}

func (f *File) Record(label string, payload []byte) {
	f.mu.Lock()
	f.seq++
	seq := f.seq
	f.mu.Unlock()

	if err := os.MkdirAll(f.Dir, 0700); err != nil {
		f.Logger.Debug("diag: creating dir failed", "dir", f.Dir, "err", err)
		return
	}

	name := fmt.Sprintf("%03d-%s", seq, fileLabel(label))
	path, err := httputil.SafePath(f.Dir, name)
	if err != nil {
		f.Logger.Debug("diag: rejecting label", "label", label, "err", err)
		return
	}

	if err := os.WriteFile(path, Truncate(payload, f.MaxBytes), 0600); err != nil {
		f.Logger.Debug("diag: write failed", "path", path, "err", err)
	}
}

func (f *File) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq = 0
	if err := os.RemoveAll(f.Dir); err != nil {
		f.Logger.Debug("diag: reset failed", "dir", f.Dir, "err", err)
	}
}

// fileLabel turns a label into a file name, keeping an extension when the
// label carries one (e.g. "render.screenshot.png") and defaulting to ".txt".
func fileLabel(label string) string {
	name := httputil.SanitizeFilename(strings.ToLower(label))
	if filepath.Ext(name) == "" {
		name += ".txt"
	}
	return name
}
