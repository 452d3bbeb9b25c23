// Package badger implements store.Table on top of BadgerDB: bounded
// memtable/block-cache/index-cache option tuning, keyed for
// descending-by-timestamp traversal within a primary key rather than a
// flat series-hash layout.
package badger

import (
	"context"
	"encoding/binary"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"golang.org/x/sync/singleflight"

	"github.com/nicktill/tinyagg/pkg/store"
)

// Config holds BadgerDB configuration.
type Config struct {
	// Path to store database files.
	Path string

	// InMemory mode (for testing).
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults).
	MaxMemoryMB int64
}

// Open opens a BadgerDB database with laptop-friendly memory bounds.
func Open(cfg Config) (*badgerdb.DB, error) {
	opts := badgerdb.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	var memTableSize int64
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	} else {
		memTableSize = 16 * 1024 * 1024
	}
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20)

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return db, nil
}

// Table implements store.Table over a shared *badger.DB, namespaced by a
// single prefix byte so one process can host both the base table and the
// aggregate table in one database.
type Table struct {
	db     *badgerdb.DB
	prefix byte
	counts singleflight.Group
}

// NewTable wraps db as a store.Table under the given namespace prefix.
func NewTable(db *badgerdb.DB, prefix byte) *Table {
	return &Table{db: db, prefix: prefix}
}

// encodeKey builds prefix || idx(4 BE) || pk || 0x00 || ^ts(8 BE). The
// timestamp is bit-inverted so that badger's native ascending byte order
// yields descending-by-timestamp traversal within a primary key, which is
// what Seek(pk, ts) needs to land on the latest bucket with ts_begin<=ts.
func (t *Table) encodeKey(idx uint32, pk string, tsMillis int64) []byte {
	key := make([]byte, 0, 1+4+len(pk)+1+8)
	key = append(key, t.prefix)
	idxBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(idxBuf, idx)
	key = append(key, idxBuf...)
	key = append(key, pk...)
	key = append(key, 0x00)
	tsBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBuf, ^uint64(tsMillis))
	key = append(key, tsBuf...)
	return key
}

func (t *Table) indexPrefix(idx uint32) []byte {
	prefix := make([]byte, 0, 5)
	prefix = append(prefix, t.prefix)
	idxBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(idxBuf, idx)
	return append(prefix, idxBuf...)
}

// Put implements store.Table.
func (t *Table) Put(ctx context.Context, tsMillis int64, row []byte, dims []store.Dimension) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.db.Update(func(txn *badgerdb.Txn) error {
		for _, d := range dims {
			key := t.encodeKey(d.Idx, d.Key, tsMillis)
			if err := txn.Set(key, row); err != nil {
				return fmt.Errorf("badger put: %w", err)
			}
		}
		return nil
	})
}

// Count implements store.Table by scanning this table's namespace. It is
// not on any hot path. Concurrent callers collapse onto one scan via
// singleflight, since a burst of Count calls arriving while a scan is
// already running would otherwise each pay for their own full-table walk.
func (t *Table) Count() (uint64, error) {
	v, err, _ := t.counts.Do("count", func() (interface{}, error) {
		var n uint64
		err := t.db.View(func(txn *badgerdb.Txn) error {
			opts := badgerdb.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = []byte{t.prefix}
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Rewind(); it.Valid(); it.Next() {
				n++
			}
			return nil
		})
		return n, err
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

// Close closes the underlying database.
func (t *Table) Close() error {
	return t.db.Close()
}

// RunGC reclaims space in db's value log by rewriting files where the
// fraction of discardable data exceeds discardRatio. It returns nil when a
// run completes, and badgerdb.ErrNoRewrite (not treated as a failure by
// callers) when there was nothing worth compacting this cycle. Left
// unrun, badger's value log grows without bound as rows are overwritten by
// later flushes and replayed puts, since old versions aren't reclaimed
// until something calls this.
func RunGC(db *badgerdb.DB, discardRatio float64) error {
	return db.RunValueLogGC(discardRatio)
}

// NewTraverseIterator implements store.Table.
func (t *Table) NewTraverseIterator(idx uint32) (store.Iterator, error) {
	txn := t.db.NewTransaction(false)
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = t.indexPrefix(idx)
	it := txn.NewIterator(opts)
	return &iterator{table: t, idx: idx, txn: txn, it: it, prefix: opts.Prefix}, nil
}

type iterator struct {
	table   *Table
	idx     uint32
	txn     *badgerdb.Txn
	it      *badgerdb.Iterator
	prefix  []byte
	seekPfx []byte // prefix || pk || 0x00 of the last Seek, nil before any
	seeked  bool
	started bool
}

// Seek positions at the first entry for pk with ts <= tsMillis. After a
// Seek, Valid reports false once the iterator has left pk's rows.
func (it *iterator) Seek(pk string, tsMillis int64) {
	key := it.table.encodeKey(it.idx, pk, tsMillis)
	it.seekPfx = append(append(append([]byte{}, it.prefix...), pk...), 0x00)
	it.it.Seek(key)
	it.seeked = true
}

func (it *iterator) Valid() bool {
	if !it.seeked {
		it.it.Rewind()
		it.seeked = true
	}
	if it.seekPfx != nil {
		return it.it.ValidForPrefix(it.seekPfx)
	}
	return it.it.ValidForPrefix(it.prefix)
}

func (it *iterator) Next() {
	it.it.Next()
}

// NextPK drives pk-by-pk traversal from before the first key, matching
// store/memtable's iterator: the first call rewinds to and lands on the
// first key without skipping anything, and every call after that skips
// the remainder of the current primary key's rows by seeking just past
// its 0x00 separator.
func (it *iterator) NextPK() bool {
	if !it.started {
		it.started = true
		return it.Valid()
	}
	if !it.Valid() {
		return false
	}
	pk := it.currentPK()
	skipKey := append(append([]byte{}, it.prefix...), pk...)
	skipKey = append(skipKey, 0x01)
	it.it.Seek(skipKey)
	return it.it.ValidForPrefix(it.prefix)
}

func (it *iterator) currentPK() []byte {
	key := it.it.Item().KeyCopy(nil)
	body := key[len(it.prefix):]
	sep := len(body) - 1 - 8
	return body[:sep]
}

func (it *iterator) Key() string {
	return string(it.currentPK())
}

func (it *iterator) Value() []byte {
	val, err := it.it.Item().ValueCopy(nil)
	if err != nil {
		return nil
	}
	return val
}

func (it *iterator) Close() {
	it.it.Close()
	it.txn.Discard()
}
