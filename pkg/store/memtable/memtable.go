// Package memtable is an in-memory store.Table: a map-backed,
// mutex-guarded collaborator used by unit tests that need a Table without
// paying for BadgerDB.
package memtable

import (
	"context"
	"sort"
	"sync"

	"github.com/nicktill/tinyagg/pkg/store"
)

type entry struct {
	ts  int64
	row []byte
}

type index struct {
	byPK map[string][]entry // each slice kept sorted descending by ts
	pks  []string           // kept sorted ascending
}

func newIndex() *index {
	return &index{byPK: make(map[string][]entry)}
}

func (ix *index) put(pk string, ts int64, row []byte) {
	entries, ok := ix.byPK[pk]
	if !ok {
		i := sort.SearchStrings(ix.pks, pk)
		ix.pks = append(ix.pks, "")
		copy(ix.pks[i+1:], ix.pks[i:])
		ix.pks[i] = pk
	}
	// insert keeping descending-by-ts order; replace an equal ts in place
	// (Put overwrites a prior row for the same (pk, ts), as §3.2 invariant 1
	// requires for the aggregate table).
	i := 0
	for i < len(entries) && entries[i].ts > ts {
		i++
	}
	if i < len(entries) && entries[i].ts == ts {
		entries[i].row = row
		ix.byPK[pk] = entries
		return
	}
	entries = append(entries, entry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = entry{ts: ts, row: row}
	ix.byPK[pk] = entries
}

// Table is an in-memory implementation of store.Table.
type Table struct {
	mu      sync.RWMutex
	indexes map[uint32]*index
	count   uint64
}

// New creates an empty in-memory table.
func New() *Table {
	return &Table{indexes: make(map[uint32]*index)}
}

// Put implements store.Table.
func (t *Table) Put(_ context.Context, tsMillis int64, row []byte, dims []store.Dimension) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range dims {
		ix, ok := t.indexes[d.Idx]
		if !ok {
			ix = newIndex()
			t.indexes[d.Idx] = ix
		}
		ix.put(d.Key, tsMillis, row)
	}
	t.count++
	return nil
}

// NewTraverseIterator implements store.Table.
func (t *Table) NewTraverseIterator(idx uint32) (store.Iterator, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ix, ok := t.indexes[idx]
	if !ok {
		return &iterator{}, nil
	}
	pks := make([]string, len(ix.pks))
	copy(pks, ix.pks)
	byPK := make(map[string][]entry, len(ix.byPK))
	for k, v := range ix.byPK {
		cp := make([]entry, len(v))
		copy(cp, v)
		byPK[k] = cp
	}
	return &iterator{pks: pks, byPK: byPK, pkIdx: -1}, nil
}

// Count implements store.Table.
func (t *Table) Count() (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count, nil
}

// Close implements store.Table.
func (t *Table) Close() error { return nil }

type iterator struct {
	pks   []string
	byPK  map[string][]entry
	pkIdx int
	eIdx  int
}

func (it *iterator) Seek(pk string, tsMillis int64) {
	i := sort.SearchStrings(it.pks, pk)
	if i >= len(it.pks) || it.pks[i] != pk {
		it.pkIdx = len(it.pks)
		return
	}
	it.pkIdx = i
	entries := it.byPK[pk]
	j := 0
	for j < len(entries) && entries[j].ts > tsMillis {
		j++
	}
	it.eIdx = j
}

func (it *iterator) Valid() bool {
	if it.pkIdx < 0 || it.pkIdx >= len(it.pks) {
		return false
	}
	return it.eIdx < len(it.byPK[it.pks[it.pkIdx]])
}

func (it *iterator) Next() {
	it.eIdx++
}

// NextPK drives pk-by-pk traversal from before the first key: the
// iterator starts positioned "before the beginning", so the first call
// lands on the first key and each call after that lands on the next one.
// It is the sole navigation primitive for whole-table traversal (§4.F);
// Seek/Valid/Next instead serve the late-arrival merge's point lookups and
// are never mixed with NextPK on the same iterator.
func (it *iterator) NextPK() bool {
	it.pkIdx++
	it.eIdx = 0
	return it.pkIdx < len(it.pks)
}

func (it *iterator) Key() string {
	return it.pks[it.pkIdx]
}

func (it *iterator) Value() []byte {
	return it.byPK[it.pks[it.pkIdx]][it.eIdx].row
}

func (it *iterator) Close() {}
