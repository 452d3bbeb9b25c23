package aggregate

import (
	"encoding/binary"
	"math"

	"github.com/nicktill/tinyagg/pkg/schema"
)

// avgKernel keeps a running f64 sum alongside AggrBuffer's own NonNullCnt,
// and encodes both so the ratio survives a flush/recover round trip exactly
// (§4.C: AVG is the one function whose published value is derived, not
// folded, from the stored state).
type avgKernel struct{}

func (avgKernel) Name() string { return "avg" }

func (avgKernel) ValueKind(colType schema.ColumnType) (ValueKind, error) {
	switch colType {
	case schema.SmallInt, schema.Int, schema.BigInt, schema.Float, schema.Double:
		return KindF64, nil
	default:
		return 0, unsupportedColumnType("avgKernel.ValueKind", colType)
	}
}

func (avgKernel) Fold(in FoldInput, buf *AggrBuffer) error {
	if isNullInput(in) {
		return nil
	}
	v := in.Row
	var x float64
	switch in.ColType {
	case schema.SmallInt:
		x = float64(v.GetInt16(in.ColIdx))
	case schema.Int:
		x = float64(v.GetInt32(in.ColIdx))
	case schema.BigInt:
		x = float64(v.GetInt64(in.ColIdx))
	case schema.Float:
		x = float64(v.GetFloat32(in.ColIdx))
	case schema.Double:
		x = v.GetFloat64(in.ColIdx)
	default:
		return unsupportedColumnType("avgKernel.Fold", in.ColType)
	}
	buf.Val.SetF64(buf.Val.F64() + x)
	buf.NonNullCnt++
	return nil
}

// Encode writes a 16-byte form: running sum (f64) followed by the non-null
// count (i64), so Decode can restore both exactly rather than only the
// derived average.
func (avgKernel) Encode(buf *AggrBuffer) ([]byte, bool) {
	out := make([]byte, 16)
	binary.LittleEndian.PutUint64(out[0:8], math.Float64bits(buf.Val.F64()))
	binary.LittleEndian.PutUint64(out[8:16], uint64(buf.NonNullCnt))
	return out, false
}

func (avgKernel) Decode(data []byte, isNull bool, buf *AggrBuffer) error {
	buf.Val.SetF64(math.Float64frombits(binary.LittleEndian.Uint64(data[0:8])))
	buf.NonNullCnt = int64(binary.LittleEndian.Uint64(data[8:16]))
	return nil
}
