// Package binlog defines the write-ahead log the base table appends to and
// the aggregator's recovery driver replays from, plus the aggregate
// table's own replicator that the flush writer appends to.
package binlog

import (
	"context"
	"errors"

	"github.com/nicktill/tinyagg/pkg/store"
)

// ErrWaitRecord is returned by Reader.Next when the reader has caught up to
// the writer but more segments may still arrive later (the source's
// WaitRecord state).
var ErrWaitRecord = errors.New("binlog: wait for record")

// LogEntry is one record of the write-ahead log.
type LogEntry struct {
	LogIndex   uint64
	Dimensions []store.Dimension
	Value      []byte
	Term       uint64
}

// Replicator is the write side of the log: the base table's writer appends
// entries to it, and the aggregator's flush writer appends the aggregate
// table's own entries to its replicator.
type Replicator interface {
	AppendEntry(ctx context.Context, entry LogEntry) error
	// Notify wakes any reader blocked on ErrWaitRecord.
	Notify()
	// Reader opens a reader positioned to replay entries with
	// LogIndex > fromIndex.
	Reader(fromIndex uint64) (Reader, error)
	Close() error
}

// Reader replays log entries in LogIndex order.
type Reader interface {
	// Next returns the next entry, ErrWaitRecord when the reader has
	// caught up to the writer but the replicator is still open (more
	// entries may arrive later), or io.EOF when the replicator has been
	// closed and there is nothing further to read.
	Next(ctx context.Context) (LogEntry, error)
	Close() error
}
