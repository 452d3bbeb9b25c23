package aggregate

import (
	"sync"

	"github.com/nicktill/tinyagg/pkg/schema"
)

// AggrBuffer is the live, per-key partial aggregate state (§3.1).
type AggrBuffer struct {
	TsBegin      int64 // inclusive lower bound; -1 = empty/uninitialised
	TsEnd        int64 // inclusive upper bound
	AggrCnt      int32 // rows folded, including nulls
	NonNullCnt   int64 // non-null contributions
	BinlogOffset uint64
	Val          AggrValue
	DataType     schema.ColumnType
	KeyEnd       uint32 // length of the primary key within the bucket key
}

// newAggrBuffer returns an empty buffer for the given accumulator kind.
func newAggrBuffer(kind ValueKind, dataType schema.ColumnType, keyEnd uint32) AggrBuffer {
	return AggrBuffer{
		TsBegin:  -1,
		Val:      NewAggrValue(kind),
		DataType: dataType,
		KeyEnd:   keyEnd,
	}
}

// Empty reports whether no non-null row has ever been folded into this
// buffer (§4.A): MIN/MAX publish NULL rather than a zero for such buckets.
func (b *AggrBuffer) Empty() bool { return b.NonNullCnt == 0 }

// reinit clears the accumulator in place, keeping the arm kind, data type
// and key-end boundary fixed, and seeds ts_begin/binlog_offset for the
// bucket that follows the one just flushed (§3.2 invariant 3, §4.B
// Rollover).
func (b *AggrBuffer) reinit(tsBegin int64, binlogOffset uint64) {
	b.TsBegin = tsBegin
	b.TsEnd = 0
	b.AggrCnt = 0
	b.NonNullCnt = 0
	b.BinlogOffset = binlogOffset
	b.Val.Reset()
}

// snapshot returns a value copy suitable for flushing without holding the
// live buffer's lock during I/O (§5).
func (b *AggrBuffer) snapshot() AggrBuffer {
	cp := *b
	if b.Val.str != nil {
		cp.Val.str = append([]byte(nil), b.Val.str...)
	}
	return cp
}

// lockedBuffer pins one bucket's mutex next to its data so a concurrent
// map rehash never moves the lock out from under a thread holding it
// (§9 "pinned-allocation policy"): the map stores *lockedBuffer pointers,
// never values.
type lockedBuffer struct {
	mu  sync.Mutex
	buf AggrBuffer
}
