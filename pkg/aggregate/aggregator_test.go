package aggregate

import (
	"context"
	"testing"

	"github.com/nicktill/tinyagg/pkg/binlog/memlog"
	"github.com/nicktill/tinyagg/pkg/row"
	"github.com/nicktill/tinyagg/pkg/schema"
	"github.com/nicktill/tinyagg/pkg/store/memtable"
)

func aggregatorTestBaseMeta() schema.TableMeta {
	return schema.TableMeta{Columns: []schema.ColumnDesc{
		{Name: "ts", Type: schema.BigInt},
		{Name: "val", Type: schema.Int},
		{Name: "tag", Type: schema.String},
	}}
}

func buildAggregatorRow(ts int64, val int32, tag string, nullTag bool) []byte {
	b := row.NewBuilder(aggregatorTestBaseMeta())
	b.PutInt64(ts)
	b.PutInt32(val)
	if nullTag {
		b.PutNull()
	} else {
		b.PutString([]byte(tag))
	}
	return b.Build()
}

func newTestAggregator(t *testing.T, cfg Config) *Aggregator {
	t.Helper()
	if cfg.BaseMeta.Columns == nil {
		cfg.BaseMeta = aggregatorTestBaseMeta()
	}
	if cfg.AggrMeta.Columns == nil {
		cfg.AggrMeta = schema.AggregateTableMeta()
	}
	if cfg.AggrTable == nil {
		cfg.AggrTable = memtable.New()
	}
	if cfg.AggrReplicator == nil {
		cfg.AggrReplicator = memlog.New()
	}
	if cfg.TSCol == "" {
		cfg.TSCol = "ts"
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.status.Store(int32(Inited))
	return a
}

func TestAggregator_FoldsRowsUntilRowCountRollover(t *testing.T) {
	a := newTestAggregator(t, Config{AggrFunc: "sum", AggrCol: "val", BucketSize: "3"})
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		ok, err := a.Update(ctx, "dev1", buildAggregatorRow(i, int32(i*10), "", true), uint64(i), false)
		if err != nil || !ok {
			t.Fatalf("Update(%d): ok=%v err=%v", i, ok, err)
		}
	}

	lb := a.buckets.getOrCreate("dev1", func() AggrBuffer { return AggrBuffer{} })
	lb.mu.Lock()
	sum := lb.buf.Val.I64()
	cnt := lb.buf.AggrCnt
	lb.mu.Unlock()
	if sum != 60 {
		t.Fatalf("sum = %d, want 60", sum)
	}
	if cnt != 3 {
		t.Fatalf("AggrCnt = %d, want 3", cnt)
	}

	// A 4th row rolls the full bucket over: it flushes {10,20,30}=60 and
	// starts a fresh bucket containing only the new row.
	ok, err := a.Update(ctx, "dev1", buildAggregatorRow(4, 40, "", true), 4, false)
	if err != nil || !ok {
		t.Fatalf("Update(4): ok=%v err=%v", ok, err)
	}

	lb.mu.Lock()
	sum = lb.buf.Val.I64()
	cnt = lb.buf.AggrCnt
	lb.mu.Unlock()
	if cnt != 1 {
		t.Fatalf("AggrCnt after rollover = %d, want 1", cnt)
	}
	if sum != 40 {
		t.Fatalf("sum after rollover = %d, want 40", sum)
	}

	n, err := a.aggrTable.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("aggregate table should hold 1 flushed bucket, got %d", n)
	}
}

func TestAggregator_TimeRangedWindowRollsOverPastTheEnd(t *testing.T) {
	a := newTestAggregator(t, Config{AggrFunc: "sum", AggrCol: "val", BucketSize: "1s"})
	ctx := context.Background()

	if ok, err := a.Update(ctx, "dev1", buildAggregatorRow(0, 1, "", true), 1, false); err != nil || !ok {
		t.Fatalf("Update(ts=0): ok=%v err=%v", ok, err)
	}
	if ok, err := a.Update(ctx, "dev1", buildAggregatorRow(500, 2, "", true), 2, false); err != nil || !ok {
		t.Fatalf("Update(ts=500): ok=%v err=%v", ok, err)
	}
	// ts=1500 is past the first bucket's [0,999] window: it rolls over.
	if ok, err := a.Update(ctx, "dev1", buildAggregatorRow(1500, 3, "", true), 3, false); err != nil || !ok {
		t.Fatalf("Update(ts=1500): ok=%v err=%v", ok, err)
	}

	n, err := a.aggrTable.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 flushed bucket after rollover, got %d", n)
	}

	lb := a.buckets.getOrCreate("dev1", func() AggrBuffer { return AggrBuffer{} })
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.buf.Val.I64() != 3 {
		t.Fatalf("live bucket sum = %d, want 3 (only the row that rolled over)", lb.buf.Val.I64())
	}
	if lb.buf.TsBegin != 1000 || lb.buf.TsEnd != 1999 {
		t.Fatalf("live bucket window = [%d,%d], want [1000,1999]", lb.buf.TsBegin, lb.buf.TsEnd)
	}
}

func TestAggregator_CountWherePartitionsByFilterValue(t *testing.T) {
	a := newTestAggregator(t, Config{
		AggrFunc:   "count_where",
		AggrCol:    "*",
		FilterCol:  "tag",
		BucketSize: "10",
	})
	ctx := context.Background()

	rows := []string{"ok", "error", "ok", "error", "error"}
	for i, tag := range rows {
		ok, err := a.Update(ctx, "dev1", buildAggregatorRow(int64(i), 0, tag, false), uint64(i+1), false)
		if err != nil || !ok {
			t.Fatalf("Update(%d): ok=%v err=%v", i, ok, err)
		}
	}

	okLb := a.buckets.getOrCreate("dev1ok", func() AggrBuffer { return AggrBuffer{} })
	okLb.mu.Lock()
	okCnt := okLb.buf.NonNullCnt
	okLb.mu.Unlock()
	if okCnt != 2 {
		t.Fatalf("tag=ok count = %d, want 2", okCnt)
	}

	errLb := a.buckets.getOrCreate("dev1error", func() AggrBuffer { return AggrBuffer{} })
	errLb.mu.Lock()
	errCnt := errLb.buf.NonNullCnt
	errLb.mu.Unlock()
	if errCnt != 3 {
		t.Fatalf("tag=error count = %d, want 3", errCnt)
	}
}

func TestAggregator_UpdateRejectsRegressedOffsetOutsideRecovery(t *testing.T) {
	a := newTestAggregator(t, Config{AggrFunc: "sum", AggrCol: "val", BucketSize: "10"})
	ctx := context.Background()

	if ok, err := a.Update(ctx, "dev1", buildAggregatorRow(1, 1, "", true), 5, false); err != nil || !ok {
		t.Fatalf("Update: ok=%v err=%v", ok, err)
	}
	_, err := a.Update(ctx, "dev1", buildAggregatorRow(2, 1, "", true), 3, false)
	if !IsLogicError(err) {
		t.Fatalf("expected a LogicError for a regressed offset, got %v", err)
	}
}

func TestAggregator_UpdateBeforeInitIsRejected(t *testing.T) {
	a, err := New(Config{
		BaseMeta:       aggregatorTestBaseMeta(),
		AggrMeta:       schema.AggregateTableMeta(),
		AggrTable:      memtable.New(),
		AggrReplicator: memlog.New(),
		AggrFunc:       "sum",
		AggrCol:        "val",
		TSCol:          "ts",
		BucketSize:     "10",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = a.Update(context.Background(), "dev1", buildAggregatorRow(1, 1, "", true), 1, false)
	if !IsStateError(err) {
		t.Fatalf("expected a StateError before Init, got %v", err)
	}
}

func TestAggregator_LateArrivalMergesIntoFlushedBucket(t *testing.T) {
	a := newTestAggregator(t, Config{AggrFunc: "sum", AggrCol: "val", BucketSize: "3"})
	ctx := context.Background()

	// Fill and roll over a full 3-row bucket covering offsets 1..3, then
	// start a fresh live bucket with row ts=10.
	for i := int64(1); i <= 3; i++ {
		if ok, err := a.Update(ctx, "dev1", buildAggregatorRow(i, 10, "", true), uint64(i), false); err != nil || !ok {
			t.Fatalf("Update(%d): ok=%v err=%v", i, ok, err)
		}
	}
	if ok, err := a.Update(ctx, "dev1", buildAggregatorRow(10, 100, "", true), 4, false); err != nil || !ok {
		t.Fatalf("Update(ts=10): ok=%v err=%v", ok, err)
	}

	// ts=2 is behind the live bucket's ts_begin=4 (the flushed bucket's
	// ts_end 3, plus 1): it belongs to the
	// already-flushed [1,3] historical bucket and must merge into it.
	ok, err := a.Update(ctx, "dev1", buildAggregatorRow(2, 5, "", true), 5, false)
	if err != nil || !ok {
		t.Fatalf("late Update: ok=%v err=%v", ok, err)
	}

	it, err := a.aggrTable.NewTraverseIterator(0)
	if err != nil {
		t.Fatalf("NewTraverseIterator: %v", err)
	}
	defer it.Close()
	it.Seek("dev1", 2)
	if !it.Valid() {
		t.Fatalf("expected a flushed row covering ts=2")
	}
	_, buf, err := a.decodeAggrRow(it.Value())
	if err != nil {
		t.Fatalf("decodeAggrRow: %v", err)
	}
	if buf.Val.I64() != 35 {
		t.Fatalf("merged historical sum = %d, want 35 (10+10+10+5)", buf.Val.I64())
	}
}

func TestAggregator_FlushAllFlushesEveryLiveBucket(t *testing.T) {
	a := newTestAggregator(t, Config{AggrFunc: "sum", AggrCol: "val", BucketSize: "1000"})
	ctx := context.Background()

	for i, key := range []string{"dev1", "dev2", "dev3"} {
		if ok, err := a.Update(ctx, key, buildAggregatorRow(int64(i), 1, "", true), uint64(i+1), false); err != nil || !ok {
			t.Fatalf("Update(%s): ok=%v err=%v", key, ok, err)
		}
	}

	if err := a.FlushAll(ctx); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}

	n, err := a.aggrTable.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 flushed rows, got %d", n)
	}
}
