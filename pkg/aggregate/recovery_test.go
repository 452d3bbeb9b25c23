package aggregate

import (
	"context"
	"testing"

	"github.com/nicktill/tinyagg/pkg/binlog"
	"github.com/nicktill/tinyagg/pkg/binlog/memlog"
	"github.com/nicktill/tinyagg/pkg/row"
	"github.com/nicktill/tinyagg/pkg/schema"
	"github.com/nicktill/tinyagg/pkg/store"
	"github.com/nicktill/tinyagg/pkg/store/memtable"
)

func recoveryTestBaseMeta() schema.TableMeta {
	return schema.TableMeta{Columns: []schema.ColumnDesc{
		{Name: "ts", Type: schema.BigInt},
		{Name: "val", Type: schema.Int},
	}}
}

func buildRecoveryRow(ts int64, val int32) []byte {
	b := row.NewBuilder(recoveryTestBaseMeta())
	b.PutInt64(ts)
	b.PutInt32(val)
	return b.Build()
}

func newRecoveryTestAggregator(t *testing.T, aggrTable store.Table) *Aggregator {
	t.Helper()
	a, err := New(Config{
		BaseMeta:       recoveryTestBaseMeta(),
		AggrMeta:       schema.AggregateTableMeta(),
		AggrTable:      aggrTable,
		AggrReplicator: memlog.New(),
		IndexPos:       0,
		AggrFunc:       "sum",
		AggrCol:        "val",
		TSCol:          "ts",
		BucketSize:     "2",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestAggregator_Init_EmptyAggregateTableReplaysFromScratch(t *testing.T) {
	a := newRecoveryTestAggregator(t, memtable.New())
	ctx := context.Background()

	base := memlog.New()
	base.AppendEntry(ctx, binlog.LogEntry{LogIndex: 1, Dimensions: []store.Dimension{{Idx: 0, Key: "dev1"}}, Value: buildRecoveryRow(1, 5)})
	base.AppendEntry(ctx, binlog.LogEntry{LogIndex: 2, Dimensions: []store.Dimension{{Idx: 0, Key: "dev1"}}, Value: buildRecoveryRow(2, 7)})
	base.Close()

	ok, err := a.Init(ctx, base)
	if err != nil || !ok {
		t.Fatalf("Init: ok=%v err=%v", ok, err)
	}
	if a.GetStat() != Inited {
		t.Fatalf("status = %s, want inited", a.GetStat())
	}

	lb := a.buckets.getOrCreate("dev1", func() AggrBuffer { return AggrBuffer{} })
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.buf.Val.I64() != 12 {
		t.Fatalf("sum = %d, want 12", lb.buf.Val.I64())
	}
	if lb.buf.AggrCnt != 2 {
		t.Fatalf("AggrCnt = %d, want 2", lb.buf.AggrCnt)
	}
}

func TestAggregator_Init_SeedsFromAggregateTableThenReplaysTail(t *testing.T) {
	aggrTable := memtable.New()
	a := newRecoveryTestAggregator(t, aggrTable)
	ctx := context.Background()

	// Simulate a bucket already flushed before the process restarted:
	// two rows folded at offsets 1 and 2, covering ts [1,2].
	historical := newAggrBuffer(a.valueKind, a.aggrColType, uint32(len("dev1")))
	historical.TsBegin = 1
	historical.TsEnd = 2
	historical.AggrCnt = 2
	historical.NonNullCnt = 2
	historical.BinlogOffset = 2
	historical.Val.SetI64(30)
	if err := a.flush(ctx, "dev1", historical); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// The base log has two more rows past what's captured in the
	// aggregate table: offsets 3 and 4.
	base := memlog.New()
	base.AppendEntry(ctx, binlog.LogEntry{LogIndex: 3, Dimensions: []store.Dimension{{Idx: 0, Key: "dev1"}}, Value: buildRecoveryRow(3, 5)})
	base.AppendEntry(ctx, binlog.LogEntry{LogIndex: 4, Dimensions: []store.Dimension{{Idx: 0, Key: "dev1"}}, Value: buildRecoveryRow(4, 7)})
	base.Close()

	ok, err := a.Init(ctx, base)
	if err != nil || !ok {
		t.Fatalf("Init: ok=%v err=%v", ok, err)
	}
	if a.GetStat() != Inited {
		t.Fatalf("status = %s, want inited", a.GetStat())
	}

	lb := a.buckets.getOrCreate("dev1", func() AggrBuffer { return AggrBuffer{} })
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.buf.TsBegin != 3 || lb.buf.TsEnd != 4 {
		t.Fatalf("window = [%d,%d], want [3,4]", lb.buf.TsBegin, lb.buf.TsEnd)
	}
	if lb.buf.AggrCnt != 2 {
		t.Fatalf("AggrCnt = %d, want 2", lb.buf.AggrCnt)
	}
	if lb.buf.Val.I64() != 12 {
		t.Fatalf("sum = %d, want 12 (5+7, the historical 30 is not re-folded)", lb.buf.Val.I64())
	}
	if lb.buf.BinlogOffset != 4 {
		t.Fatalf("BinlogOffset = %d, want 4", lb.buf.BinlogOffset)
	}
}

func TestAggregator_Init_FailsWhenReplayLagsAggregateTable(t *testing.T) {
	aggrTable := memtable.New()
	a := newRecoveryTestAggregator(t, aggrTable)
	ctx := context.Background()

	devA := newAggrBuffer(a.valueKind, a.aggrColType, uint32(len("devA")))
	devA.TsBegin, devA.TsEnd, devA.BinlogOffset = 1, 2, 2
	devA.AggrCnt, devA.NonNullCnt = 2, 2
	devA.Val.SetI64(10)
	if err := a.flush(ctx, "devA", devA); err != nil {
		t.Fatalf("flush devA: %v", err)
	}

	devB := newAggrBuffer(a.valueKind, a.aggrColType, uint32(len("devB")))
	devB.TsBegin, devB.TsEnd, devB.BinlogOffset = 1, 5, 5
	devB.AggrCnt, devB.NonNullCnt = 2, 2
	devB.Val.SetI64(20)
	if err := a.flush(ctx, "devB", devB); err != nil {
		t.Fatalf("flush devB: %v", err)
	}

	// The base log only has one entry past devA's recovered offset, and
	// stays open (more could still arrive), so replay stalls on
	// ErrWaitRecord before catching up to devB's durable offset of 5.
	base := memlog.New()
	base.AppendEntry(ctx, binlog.LogEntry{LogIndex: 3, Dimensions: []store.Dimension{{Idx: 0, Key: "devA"}}, Value: buildRecoveryRow(3, 1)})

	ok, err := a.Init(ctx, base)
	if ok || err == nil {
		t.Fatalf("expected Init to fail, got ok=%v err=%v", ok, err)
	}
	if !IsStateError(err) {
		t.Fatalf("expected a StateError, got %v", err)
	}
	if a.GetStat() != UnInit {
		t.Fatalf("status after a failed Init = %s, want uninit", a.GetStat())
	}
}

func TestAggregator_RecoverModeIgnoresRegressedOffsets(t *testing.T) {
	a := newRecoveryTestAggregator(t, memtable.New())
	a.status.Store(int32(Inited))
	ctx := context.Background()

	if ok, err := a.Update(ctx, "dev1", buildRecoveryRow(1, 5), 5, true); err != nil || !ok {
		t.Fatalf("Update: ok=%v err=%v", ok, err)
	}
	// A duplicate/out-of-order replay of an older offset must be a no-op
	// during recovery, not an error.
	ok, err := a.Update(ctx, "dev1", buildRecoveryRow(1, 999), 3, true)
	if err != nil {
		t.Fatalf("recover-mode Update returned an error for a regressed offset: %v", err)
	}
	if !ok {
		t.Fatalf("recover-mode Update should report true for a harmless regressed offset")
	}

	lb := a.buckets.getOrCreate("dev1", func() AggrBuffer { return AggrBuffer{} })
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.buf.Val.I64() != 5 {
		t.Fatalf("sum = %d, want 5 (the regressed-offset row must not be folded)", lb.buf.Val.I64())
	}
}
