package logging

import (
	"bytes"
	"os"
	"sync"
)

// LineRing keeps the last N complete log records in memory. It implements
// io.Writer; each handler write is one record (slog writes whole lines).
type LineRing struct {
	mu    sync.Mutex
	lines [][]byte
	next  int
	full  bool
}

// NewLineRing creates a ring holding up to n records.
func NewLineRing(n int) *LineRing {
	if n <= 0 {
		n = 2000
	}
	return &LineRing{lines: make([][]byte, n)}
}

// Write stores p as one record, splitting on newlines when a caller writes
// several records at once.
func (r *LineRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range bytes.SplitAfter(p, []byte("\n")) {
		if len(rec) == 0 {
			continue
		}
		line := make([]byte, len(rec))
		copy(line, rec)
		r.lines[r.next] = line
		r.next++
		if r.next == len(r.lines) {
			r.next = 0
			r.full = true
		}
	}
	return len(p), nil
}

// Len returns the number of records currently held.
func (r *LineRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.lines)
	}
	return r.next
}

// Bytes returns the held records oldest first.
func (r *LineRing) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	var buf bytes.Buffer
	if r.full {
		for _, l := range r.lines[r.next:] {
			buf.Write(l)
		}
	}
	for _, l := range r.lines[:r.next] {
		buf.Write(l)
	}
	return buf.Bytes()
}

// DumpToFile writes the held records to path.
func (r *LineRing) DumpToFile(path string) error {
	return os.WriteFile(path, r.Bytes(), 0o644)
}
