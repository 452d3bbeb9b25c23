package aggregate

import (
	"context"
	"errors"
	"io"

	"github.com/nicktill/tinyagg/pkg/binlog"
)

// Init runs the recovery driver (§4.F): seed live buckets from the
// aggregate table, then replay the base table's write-ahead log forward
// from the oldest recovered offset. It must be called once, before any
// live Update, with the base table's own replicator.
func (a *Aggregator) Init(ctx context.Context, baseReplicator binlog.Replicator) (bool, error) {
	a.status.Store(int32(Recovering))

	recoveryOffset, aggrLatestOffset, err := a.seedFromAggrTable()
	if err != nil {
		a.status.Store(int32(UnInit))
		return false, err
	}

	reader, err := baseReplicator.Reader(recoveryOffset)
	if err != nil {
		a.status.Store(int32(UnInit))
		return false, newErr(IOError, "Init", err)
	}
	defer reader.Close()

	curOffset := recoveryOffset
	for {
		entry, err := reader.Next(ctx)
		if err != nil {
			if errors.Is(err, binlog.ErrWaitRecord) || errors.Is(err, io.EOF) {
				break
			}
			a.status.Store(int32(UnInit))
			return false, newErr(IOError, "Init", err)
		}
		curOffset = entry.LogIndex

		for _, dim := range entry.Dimensions {
			if dim.Idx != a.indexPos {
				continue
			}
			if _, err := a.Update(ctx, dim.Key, entry.Value, entry.LogIndex, true); err != nil {
				a.status.Store(int32(UnInit))
				return false, err
			}
		}
	}

	if curOffset < aggrLatestOffset {
		a.status.Store(int32(UnInit))
		return false, newErrf(StateError, "Init",
			"base log replay reached offset %d, behind aggregate table's latest durable offset %d", curOffset, aggrLatestOffset)
	}

	a.status.Store(int32(Inited))
	return true, nil
}

// seedFromAggrTable traverses the aggregate table once (one row per
// distinct bucket key, via NextPK), reconstructing each key's live bucket
// from its most recent flushed row and re-initialising it for the window
// that follows. It returns the oldest and newest binlog offsets seen,
// which bound the base-log replay that follows (§4.F step 3). An empty
// aggregate table yields recoveryOffset == aggrLatestOffset == 0, which
// lets the base-log replay and the final offset check both degenerate to
// the "nothing to recover" case without a separate empty-table branch.
func (a *Aggregator) seedFromAggrTable() (recoveryOffset, aggrLatestOffset uint64, err error) {
	it, err := a.aggrTable.NewTraverseIterator(0)
	if err != nil {
		return 0, 0, newErr(IOError, "Init", err)
	}
	defer it.Close()

	first := true
	for it.NextPK() {
		bucketKey, buf, derr := a.decodeAggrRow(it.Value())
		if derr != nil {
			return 0, 0, newErr(IOError, "Init", derr)
		}
		if first || buf.BinlogOffset < recoveryOffset {
			recoveryOffset = buf.BinlogOffset
		}
		if first || buf.BinlogOffset > aggrLatestOffset {
			aggrLatestOffset = buf.BinlogOffset
		}
		first = false

		lb := a.buckets.getOrCreate(bucketKey, func() AggrBuffer { return buf })
		lb.mu.Lock()
		lb.buf = buf
		nextTsBegin := buf.TsEnd + 1
		lb.buf.reinit(nextTsBegin, buf.BinlogOffset+1)
		if a.windowKind == TimeRanged {
			lb.buf.TsEnd = nextTsBegin + a.windowSize - 1
		}
		lb.mu.Unlock()
	}
	return recoveryOffset, aggrLatestOffset, nil
}
