package filelog

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/nicktill/tinyagg/pkg/binlog"
	"github.com/nicktill/tinyagg/pkg/store"
)

func TestReplicator_AppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	rep, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()

	for i := uint64(1); i <= 3; i++ {
		entry := binlog.LogEntry{
			LogIndex:   i,
			Dimensions: []store.Dimension{{Idx: 0, Key: "id1|id2"}},
			Value:      []byte{byte(i)},
		}
		if err := rep.AppendEntry(ctx, entry); err != nil {
			t.Fatalf("AppendEntry: %v", err)
		}
	}
	if err := rep.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rep2, err := Open(dir)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	defer rep2.Close()

	r, err := rep2.Reader(0)
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	defer r.Close()

	var got []uint64
	for {
		e, err := r.Next(ctx)
		if errors.Is(err, binlog.ErrWaitRecord) || errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, e.LogIndex)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %v", got)
	}
	for i, idx := range got {
		if idx != uint64(i+1) {
			t.Fatalf("expected sequential indices, got %v", got)
		}
	}
}

func TestReplicator_SegmentRollover(t *testing.T) {
	dir := t.TempDir()
	rep, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rep.maxPerSeg = 2
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		if err := rep.AppendEntry(ctx, binlog.LogEntry{LogIndex: i}); err != nil {
			t.Fatalf("AppendEntry: %v", err)
		}
	}
	rep.Close()

	names, err := rep.segmentFiles()
	if err != nil {
		t.Fatalf("segmentFiles: %v", err)
	}
	if len(names) < 3 {
		t.Fatalf("expected at least 3 segments for 5 entries at maxPerSeg=2, got %d", len(names))
	}

	rep2, _ := Open(dir)
	defer rep2.Close()
	r, _ := rep2.Reader(0)
	defer r.Close()

	count := 0
	for {
		_, err := r.Next(ctx)
		if errors.Is(err, binlog.ErrWaitRecord) || errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		count++
	}
	if count != 5 {
		t.Fatalf("expected 5 entries across segments, got %d", count)
	}
}

func TestReplicator_ReplayFromIndex(t *testing.T) {
	dir := t.TempDir()
	rep, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		rep.AppendEntry(ctx, binlog.LogEntry{LogIndex: i})
	}

	r, err := rep.Reader(3)
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	defer r.Close()

	var got []uint64
	for {
		e, err := r.Next(ctx)
		if errors.Is(err, binlog.ErrWaitRecord) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, e.LogIndex)
	}
	if len(got) != 2 || got[0] != 4 || got[1] != 5 {
		t.Fatalf("expected [4 5], got %v", got)
	}
	rep.Close()
}
