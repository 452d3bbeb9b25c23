// Package memlog is an in-process, slice-backed binlog.Replicator for unit
// tests: no durability, just enough behavior to drive the recovery driver.
package memlog

import (
	"context"
	"io"
	"sync"

	"github.com/nicktill/tinyagg/pkg/binlog"
)

// Log is an in-memory binlog.Replicator.
type Log struct {
	mu      sync.Mutex
	entries []binlog.LogEntry
	signal  chan struct{}
	closed  bool
}

// New creates an empty in-memory log.
func New() *Log {
	return &Log{signal: make(chan struct{})}
}

// AppendEntry implements binlog.Replicator.
func (l *Log) AppendEntry(ctx context.Context, entry binlog.LogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	old := l.signal
	l.signal = make(chan struct{})
	l.mu.Unlock()
	close(old)
	return nil
}

// Notify implements binlog.Replicator by waking any blocked readers.
func (l *Log) Notify() {
	l.mu.Lock()
	old := l.signal
	l.signal = make(chan struct{})
	l.mu.Unlock()
	close(old)
}

// Reader implements binlog.Replicator.
func (l *Log) Reader(fromIndex uint64) (binlog.Reader, error) {
	return &reader{log: l, fromIndex: fromIndex}, nil
}

// Close implements binlog.Replicator.
func (l *Log) Close() error {
	l.mu.Lock()
	l.closed = true
	old := l.signal
	l.signal = make(chan struct{})
	l.mu.Unlock()
	close(old)
	return nil
}

type reader struct {
	log       *Log
	fromIndex uint64
	pos       int
}

// Next implements binlog.Reader.
func (r *reader) Next(ctx context.Context) (binlog.LogEntry, error) {
	r.log.mu.Lock()
	if r.pos == 0 {
		// Fast-forward to the first entry with LogIndex > fromIndex.
		for r.pos < len(r.log.entries) && r.log.entries[r.pos].LogIndex <= r.fromIndex {
			r.pos++
		}
	}
	if r.pos < len(r.log.entries) {
		e := r.log.entries[r.pos]
		r.pos++
		r.log.mu.Unlock()
		return e, nil
	}
	closed := r.log.closed
	r.log.mu.Unlock()

	if closed {
		return binlog.LogEntry{}, io.EOF
	}
	select {
	case <-ctx.Done():
		return binlog.LogEntry{}, ctx.Err()
	default:
		return binlog.LogEntry{}, binlog.ErrWaitRecord
	}
}

// Close implements binlog.Reader.
func (r *reader) Close() error { return nil }
