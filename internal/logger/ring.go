package logger

import (
	"log/slog"
	"sync"
	"time"
)

// LogEntry is one append-only diagnostic record retained for display.
// Not part of protocol correctness.
type LogEntry struct {
	Time     time.Time
	Severity slog.Level
	Message  string
}

// Ring is a fixed-capacity buffer of log entries. When full, the oldest
// entry is dropped. Safe for concurrent append and snapshot; it
// implements Sink so it can be registered with AddSink.
type Ring struct {
	mu    sync.RWMutex
	buf   []LogEntry
	head  int
	count int
}

// NewRing creates a ring retaining at most capacity entries.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 256
	}
	return &Ring{buf: make([]LogEntry, capacity)}
}

// Write implements Sink.
func (r *Ring) Write(level slog.Level, message string) {
	r.Append(LogEntry{Time: time.Now(), Severity: level, Message: message})
}

// Append adds an entry, dropping the oldest when full.
func (r *Ring) Append(e LogEntry) {
	r.mu.Lock()
	idx := (r.head + r.count) % len(r.buf)
	r.buf[idx] = e
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.count++
	}
	r.mu.Unlock()
}

// Snapshot returns a copy of the retained entries, oldest first.
func (r *Ring) Snapshot() []LogEntry {
	r.mu.RLock()
	out := make([]LogEntry, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.mu.RUnlock()
	return out
}

// Len returns the number of retained entries.
func (r *Ring) Len() int {
	r.mu.RLock()
	n := r.count
	r.mu.RUnlock()
	return n
}
