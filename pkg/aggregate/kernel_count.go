package aggregate

import (
	"encoding/binary"

	"github.com/nicktill/tinyagg/pkg/schema"
)

// countKernel backs both "count" and "count_where" and keeps no accumulator
// of its own: the count is AggrBuffer.NonNullCnt (§4.A's KindNone arm). The
// filter predicate for count_where is not evaluated here: it is baked into
// the bucket key's filter suffix by Aggregator.Update, so every row that
// reaches this kernel's Fold already matched the predicate and is counted
// unconditionally. Plain "count" instead counts non-null contributions of
// aggr_col, unless aggr_col is "*" (CountAll).
type countKernel struct {
	label string
}

func (k countKernel) Name() string { return k.label }

func (countKernel) ValueKind(colType schema.ColumnType) (ValueKind, error) {
	return KindNone, nil
}

func (k countKernel) Fold(in FoldInput, buf *AggrBuffer) error {
	if k.label == "count" && isNullInput(in) {
		return nil
	}
	buf.NonNullCnt++
	return nil
}

func (countKernel) Encode(buf *AggrBuffer) ([]byte, bool) {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(buf.NonNullCnt))
	return out, false
}

func (countKernel) Decode(data []byte, isNull bool, buf *AggrBuffer) error {
	buf.NonNullCnt = int64(binary.LittleEndian.Uint64(data))
	return nil
}
