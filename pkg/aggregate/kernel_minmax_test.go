package aggregate

import (
	"testing"

	"github.com/nicktill/tinyagg/pkg/row"
	"github.com/nicktill/tinyagg/pkg/schema"
)

func minMaxTestMeta() schema.TableMeta {
	return schema.TableMeta{Columns: []schema.ColumnDesc{
		{Name: "ts", Type: schema.BigInt},
		{Name: "val", Type: schema.Int},
		{Name: "tag", Type: schema.String},
	}}
}

func buildMinMaxRow(val int32, tag string, nullVal bool) []byte {
	b := row.NewBuilder(minMaxTestMeta())
	b.PutInt64(1)
	if nullVal {
		b.PutNull()
	} else {
		b.PutInt32(val)
	}
	b.PutString([]byte(tag))
	return b.Build()
}

func TestMinKernel_Int(t *testing.T) {
	k := minMaxKernel{isMax: false}
	buf := newAggrBuffer(KindI32, schema.Int, 0)
	for _, v := range []int32{10, 3, 7} {
		view, err := row.NewView(minMaxTestMeta(), buildMinMaxRow(v, "x", false))
		if err != nil {
			t.Fatalf("NewView: %v", err)
		}
		in := FoldInput{Row: view, ColIdx: 1, ColType: schema.Int}
		if err := k.Fold(in, &buf); err != nil {
			t.Fatalf("Fold: %v", err)
		}
	}
	if buf.Val.I32() != 3 {
		t.Fatalf("min = %d, want 3", buf.Val.I32())
	}
}

func TestMaxKernel_String(t *testing.T) {
	k := minMaxKernel{isMax: true}
	buf := newAggrBuffer(KindString, schema.String, 0)
	for _, tag := range []string{"apple", "zebra", "mango"} {
		view, err := row.NewView(minMaxTestMeta(), buildMinMaxRow(0, tag, true))
		if err != nil {
			t.Fatalf("NewView: %v", err)
		}
		in := FoldInput{Row: view, ColIdx: 2, ColType: schema.String}
		if err := k.Fold(in, &buf); err != nil {
			t.Fatalf("Fold: %v", err)
		}
	}
	if string(buf.Val.Bytes()) != "zebra" {
		t.Fatalf("max = %q, want zebra", buf.Val.Bytes())
	}
}

func TestMinKernel_ShorterPrefixSortsLower(t *testing.T) {
	k := minMaxKernel{isMax: false}
	buf := newAggrBuffer(KindString, schema.String, 0)
	for _, tag := range []string{"ab", "a"} {
		view, err := row.NewView(minMaxTestMeta(), buildMinMaxRow(0, tag, true))
		if err != nil {
			t.Fatalf("NewView: %v", err)
		}
		in := FoldInput{Row: view, ColIdx: 2, ColType: schema.String}
		if err := k.Fold(in, &buf); err != nil {
			t.Fatalf("Fold: %v", err)
		}
	}
	if string(buf.Val.Bytes()) != "a" {
		t.Fatalf("min = %q, want %q", buf.Val.Bytes(), "a")
	}
}

func TestMinMaxKernel_EmptyBucketEncodesNull(t *testing.T) {
	k := minMaxKernel{isMax: false}
	buf := newAggrBuffer(KindI32, schema.Int, 0)

	data, isNull := k.Encode(&buf)
	if !isNull || data != nil {
		t.Fatalf("empty bucket should encode as NULL, got data=%v isNull=%v", data, isNull)
	}
}

func TestMinMaxKernel_NullInputsIgnored(t *testing.T) {
	k := minMaxKernel{isMax: false}
	buf := newAggrBuffer(KindI32, schema.Int, 0)

	view, err := row.NewView(minMaxTestMeta(), buildMinMaxRow(0, "x", true))
	if err != nil {
		t.Fatalf("NewView: %v", err)
	}
	in := FoldInput{Row: view, ColIdx: 1, ColType: schema.Int}
	if err := k.Fold(in, &buf); err != nil {
		t.Fatalf("Fold: %v", err)
	}
	if !buf.Empty() {
		t.Fatalf("a null row must not end the bucket's empty state")
	}
}

func TestMinMaxKernel_DecodeNullResetsNonNullCnt(t *testing.T) {
	k := minMaxKernel{isMax: true}
	buf := newAggrBuffer(KindI32, schema.Int, 0)
	buf.NonNullCnt = 5
	if err := k.Decode(nil, true, &buf); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if buf.NonNullCnt != 0 {
		t.Fatalf("decoding a NULL aggregate value must reset NonNullCnt to 0")
	}
}
