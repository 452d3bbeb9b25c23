package aggregate

import (
	"encoding/binary"
	"math"

	"github.com/nicktill/tinyagg/pkg/schema"
)

// sumKernel widens integer families to i64 and preserves float width,
// grounded on the source's SumAggregator::UpdateAggrVal.
type sumKernel struct{}

func (sumKernel) Name() string { return "sum" }

func (sumKernel) ValueKind(colType schema.ColumnType) (ValueKind, error) {
	switch colType {
	case schema.SmallInt, schema.Int, schema.BigInt, schema.Timestamp:
		return KindI64, nil
	case schema.Float:
		return KindF32, nil
	case schema.Double:
		return KindF64, nil
	default:
		return 0, unsupportedColumnType("sumKernel.ValueKind", colType)
	}
}

func (sumKernel) Fold(in FoldInput, buf *AggrBuffer) error {
	if isNullInput(in) {
		return nil
	}
	v := in.Row
	switch in.ColType {
	case schema.SmallInt:
		buf.Val.SetI64(buf.Val.I64() + int64(v.GetInt16(in.ColIdx)))
	case schema.Int:
		buf.Val.SetI64(buf.Val.I64() + int64(v.GetInt32(in.ColIdx)))
	case schema.BigInt, schema.Timestamp:
		buf.Val.SetI64(buf.Val.I64() + v.GetInt64(in.ColIdx))
	case schema.Float:
		buf.Val.SetF32(buf.Val.F32() + v.GetFloat32(in.ColIdx))
	case schema.Double:
		buf.Val.SetF64(buf.Val.F64() + v.GetFloat64(in.ColIdx))
	default:
		return unsupportedColumnType("sumKernel.Fold", in.ColType)
	}
	buf.NonNullCnt++
	return nil
}

func (sumKernel) Encode(buf *AggrBuffer) ([]byte, bool) {
	out := make([]byte, 8)
	switch buf.Val.Kind() {
	case KindI64:
		binary.LittleEndian.PutUint64(out, uint64(buf.Val.I64()))
	case KindF32:
		out = out[:4]
		binary.LittleEndian.PutUint32(out, math.Float32bits(buf.Val.F32()))
	case KindF64:
		binary.LittleEndian.PutUint64(out, math.Float64bits(buf.Val.F64()))
	}
	return out, false
}

func (sumKernel) Decode(data []byte, isNull bool, buf *AggrBuffer) error {
	switch buf.Val.Kind() {
	case KindI64:
		buf.Val.SetI64(int64(binary.LittleEndian.Uint64(data)))
	case KindF32:
		buf.Val.SetF32(math.Float32frombits(binary.LittleEndian.Uint32(data)))
	case KindF64:
		buf.Val.SetF64(math.Float64frombits(binary.LittleEndian.Uint64(data)))
	}
	buf.NonNullCnt = 1
	return nil
}
