// Package store defines the base/aggregate table collaborator interfaces
// the aggregation engine depends on, plus two implementations: an in-memory
// memtable for tests and a BadgerDB-backed table for the server binary.
package store

import "context"

// Dimension names one indexed column of a Put so a table can place the row
// under the right index key.
type Dimension struct {
	Idx uint32
	Key string
}

// Table is the collaborator interface the aggregator depends on for both
// the base table and the aggregate table: append rows, and traverse them
// by primary key in descending-timestamp order.
type Table interface {
	Put(ctx context.Context, tsMillis int64, row []byte, dims []Dimension) error
	NewTraverseIterator(idx uint32) (Iterator, error)
	Count() (uint64, error)
	Close() error
}

// Iterator traverses a table's rows for one index, ordered by primary key
// ascending and, within a primary key, by timestamp descending.
type Iterator interface {
	// Seek positions the iterator at the first entry for pk whose timestamp
	// is <= tsMillis (descending order), or invalidates it if none exists.
	Seek(pk string, tsMillis int64)
	Valid() bool
	Next()
	// NextPK drives whole-table traversal one primary key at a time: a
	// freshly created iterator has no current position, so the first call
	// lands on the first distinct primary key, and each call after that
	// skips any remaining rows of the current key and lands on the next
	// one. Returns false once exhausted. It is never mixed with
	// Seek/Valid/Next on the same iterator, which instead serve point
	// lookups within one known primary key.
	NextPK() bool
	Key() string
	Value() []byte
	Close()
}
