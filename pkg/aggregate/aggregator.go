package aggregate

import (
	"context"
	"errors"
	"log"

	"github.com/nicktill/tinyagg/pkg/binlog"
	"github.com/nicktill/tinyagg/pkg/row"
	"github.com/nicktill/tinyagg/pkg/schema"
	"github.com/nicktill/tinyagg/pkg/store"
)

var (
	errNotInited         = errors.New("aggregator not initialised")
	errOffsetRegressed   = errors.New("offset regressed outside recovery")
	errLateRowOutOfRange = errors.New("late row outside its historical bucket's range")
)

// Update incorporates one base-table row into the aggregator (§4.D). key is
// the row's primary key (without any filter suffix); recover is true only
// while the recovery driver (§4.F) replays the base log.
//
// The store index for a key is the full bucket key (primary key plus any
// COUNT_WHERE filter suffix), not the bare primary key: §4.E's "split
// bucket_key into primary_key and filter_suffix" step only produces the two
// row fields persisted for readability, not the store's own index key.
// Indexing by the bare primary key would let two distinct filter partitions
// of the same key collide on the same ts_begin; see DESIGN.md.
func (a *Aggregator) Update(ctx context.Context, key string, rowData []byte, offset uint64, recover bool) (bool, error) {
	if !recover && Status(a.status.Load()) != Inited {
		return false, newErr(StateError, "Update", errNotInited)
	}

	view, err := row.NewView(a.baseMeta, rowData)
	if err != nil {
		return false, newErr(IOError, "Update", err)
	}
	curTs := a.extractTs(view)
	bucketKey := key + a.filterValue(view)

	lb := a.buckets.getOrCreate(bucketKey, func() AggrBuffer {
		return newAggrBuffer(a.valueKind, a.aggrColType, uint32(len(key)))
	})

	lb.mu.Lock()
	decision := classify(&lb.buf, curTs, a.windowKind, a.windowSize)
	if decision == Rollover {
		snapshot := lb.buf.snapshot()
		nextTsBegin := snapshot.TsEnd + 1
		lb.buf.reinit(nextTsBegin, snapshot.BinlogOffset+1)
		if a.windowKind == TimeRanged {
			lb.buf.TsEnd = nextTsBegin + a.windowSize - 1
		}
		lb.mu.Unlock()
		if err := a.flush(ctx, bucketKey, snapshot); err != nil {
			log.Printf("aggregate: flush failed for bucket %q: %v", bucketKey, err)
		}
		lb.mu.Lock()
		decision = InBucket
	}

	if offset < lb.buf.BinlogOffset {
		lb.mu.Unlock()
		if recover {
			return true, nil
		}
		return false, newErr(LogicError, "Update", errOffsetRegressed)
	}

	if decision == Late {
		lb.mu.Unlock()
		if recover {
			return true, nil
		}
		return a.lateArrivalMerge(ctx, bucketKey, key, curTs, view, offset)
	}

	defer lb.mu.Unlock()
	lb.buf.AggrCnt++
	lb.buf.BinlogOffset = offset
	if a.windowKind == RowCount {
		lb.buf.TsEnd = curTs
	}
	if err := a.fold(view, &lb.buf); err != nil {
		return false, err
	}
	return true, nil
}

// extractTs reads the row's timestamp column. The factory already rejected
// any ts_col type other than BigInt/Timestamp (§4.D step 2), so no other
// case can reach here.
func (a *Aggregator) extractTs(view *row.View) int64 {
	if a.tsColType == schema.BigInt {
		return view.GetInt64(a.tsColIdx)
	}
	return view.GetTimestamp(a.tsColIdx)
}

func (a *Aggregator) filterValue(view *row.View) string {
	if a.filterColIdx < 0 || view.IsNull(a.filterColIdx) {
		return ""
	}
	return string(view.GetString(a.filterColIdx))
}

func (a *Aggregator) fold(view *row.View, buf *AggrBuffer) error {
	in := FoldInput{Row: view, ColIdx: a.aggrColIdx, ColType: a.aggrColType, CountAll: a.countAll}
	return a.kernel.Fold(in, buf)
}

// lateArrivalMerge implements §4.D's late-arrival path: a row whose
// timestamp precedes the live bucket must be merged into whichever
// historical aggregate-table row already covers it (or a fresh singleton
// bucket, if none does), then re-flushed at the same ts_begin.
func (a *Aggregator) lateArrivalMerge(ctx context.Context, bucketKey, key string, curTs int64, view *row.View, offset uint64) (bool, error) {
	it, err := a.aggrTable.NewTraverseIterator(0)
	if err != nil {
		return false, newErr(IOError, "Update", err)
	}
	defer it.Close()

	it.Seek(bucketKey, curTs)

	var buf AggrBuffer
	if it.Valid() {
		_, decoded, err := a.decodeAggrRow(it.Value())
		if err != nil {
			return false, newErr(IOError, "Update", err)
		}
		if curTs < decoded.TsBegin || curTs > decoded.TsEnd {
			return false, newErr(LogicError, "Update", errLateRowOutOfRange)
		}
		buf = decoded
	} else {
		buf = newAggrBuffer(a.valueKind, a.aggrColType, uint32(len(key)))
		buf.TsBegin = curTs
		buf.TsEnd = curTs
	}

	buf.AggrCnt++
	buf.BinlogOffset = offset
	if err := a.fold(view, &buf); err != nil {
		return false, err
	}
	if err := a.flush(ctx, bucketKey, buf); err != nil {
		return false, err
	}
	return true, nil
}

// decodeAggrRow restores an AggrBuffer from an aggregate-table row (§4.C
// decode), used by both the late-arrival merge and recovery seeding. It
// also reconstructs the row's full bucket key (primary key plus any
// COUNT_WHERE filter suffix) and fixes the buffer's KeyEnd boundary at the
// primary key's length, without requiring the caller to already know it.
func (a *Aggregator) decodeAggrRow(data []byte) (bucketKey string, buf AggrBuffer, err error) {
	view, err := row.NewView(a.aggrMeta, data)
	if err != nil {
		return "", AggrBuffer{}, err
	}
	pk := string(view.GetString(schema.AggrColPK))
	var filterSuffix string
	if !view.IsNull(schema.AggrColFilterSuffix) {
		filterSuffix = string(view.GetString(schema.AggrColFilterSuffix))
	}
	bucketKey = pk + filterSuffix

	buf = newAggrBuffer(a.valueKind, a.aggrColType, uint32(len(pk)))
	buf.TsBegin = view.GetTimestamp(schema.AggrColTsBegin)
	buf.TsEnd = view.GetTimestamp(schema.AggrColTsEnd)
	buf.AggrCnt = view.GetInt32(schema.AggrColCnt)
	buf.BinlogOffset = uint64(view.GetInt64(schema.AggrColOffset))

	isNull := view.IsNull(schema.AggrColVal)
	var valBytes []byte
	if !isNull {
		valBytes = view.GetString(schema.AggrColVal)
	}
	if err := a.kernel.Decode(valBytes, isNull, &buf); err != nil {
		return "", AggrBuffer{}, err
	}
	return bucketKey, buf, nil
}

// flush writes a closed bucket's snapshot as one aggregate-table row and
// appends the matching LogEntry to the aggregate replicator (§4.E). A
// flush failure is reported to the caller but never unwinds the live
// bucket, which the caller has already re-initialised (§9 open question 1).
func (a *Aggregator) flush(ctx context.Context, bucketKey string, buf AggrBuffer) error {
	data, isNull := a.kernel.Encode(&buf)
	primaryKey := bucketKey[:buf.KeyEnd]
	filterSuffix := bucketKey[buf.KeyEnd:]

	b := row.NewBuilder(a.aggrMeta)
	b.PutString([]byte(primaryKey))
	b.PutTimestamp(buf.TsBegin)
	b.PutTimestamp(buf.TsEnd)
	b.PutInt32(buf.AggrCnt)
	if isNull {
		b.PutNull()
	} else {
		b.PutString(data)
	}
	b.PutInt64(int64(buf.BinlogOffset))
	if filterSuffix == "" {
		b.PutNull()
	} else {
		b.PutString([]byte(filterSuffix))
	}
	encoded := b.Build()

	if err := a.aggrTable.Put(ctx, buf.TsBegin, encoded, []store.Dimension{{Idx: 0, Key: bucketKey}}); err != nil {
		return newErr(IOError, "flush", err)
	}

	entry := binlog.LogEntry{
		LogIndex:   buf.BinlogOffset,
		Dimensions: []store.Dimension{{Idx: 0, Key: bucketKey}},
		Value:      encoded,
		Term:       a.leaderTerm,
	}
	if err := a.aggrReplicator.AppendEntry(ctx, entry); err != nil {
		return newErr(IOError, "flush", err)
	}
	if a.notifyOnPut {
		a.aggrReplicator.Notify()
	}
	if a.onFlush != nil {
		a.onFlush(bucketKey, buf)
	}
	return nil
}

// FlushAll snapshots and flushes every live bucket across all shards,
// re-initialising each one exactly as a rollover would, for cmd/server's
// background flush ticker.
func (a *Aggregator) FlushAll(ctx context.Context) error {
	var firstErr error
	a.buckets.forEach(func(bucketKey string, lb *lockedBuffer) {
		if firstErr != nil {
			return
		}
		lb.mu.Lock()
		if lb.buf.Empty() && lb.buf.AggrCnt == 0 {
			lb.mu.Unlock()
			return
		}
		snapshot := lb.buf.snapshot()
		nextTsBegin := snapshot.TsEnd + 1
		lb.buf.reinit(nextTsBegin, snapshot.BinlogOffset+1)
		if a.windowKind == TimeRanged {
			lb.buf.TsEnd = nextTsBegin + a.windowSize - 1
		}
		lb.mu.Unlock()
		if err := a.flush(ctx, bucketKey, snapshot); err != nil {
			firstErr = err
		}
	})
	return firstErr
}
