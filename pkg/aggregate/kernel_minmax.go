package aggregate

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/nicktill/tinyagg/pkg/schema"
)

// minMaxKernel preserves the input column's native width (dates as i32,
// per §6.1) and compares strings by unsigned-byte lexical order with ties
// broken by the shorter string (§4.C).
type minMaxKernel struct {
	isMax bool
}

func (k minMaxKernel) Name() string {
	if k.isMax {
		return "max"
	}
	return "min"
}

func (minMaxKernel) ValueKind(colType schema.ColumnType) (ValueKind, error) {
	switch colType {
	case schema.SmallInt:
		return KindI16, nil
	case schema.Int, schema.Date:
		return KindI32, nil
	case schema.BigInt, schema.Timestamp:
		return KindI64, nil
	case schema.Float:
		return KindF32, nil
	case schema.Double:
		return KindF64, nil
	case schema.String:
		return KindString, nil
	default:
		return 0, unsupportedColumnType("minMaxKernel.ValueKind", colType)
	}
}

// better reports whether candidate beats current under this kernel's
// direction (min wants smaller, max wants larger).
func (k minMaxKernel) betterInt(candidate, current int64) bool {
	if k.isMax {
		return candidate > current
	}
	return candidate < current
}

func (k minMaxKernel) betterFloat(candidate, current float64) bool {
	if k.isMax {
		return candidate > current
	}
	return candidate < current
}

// betterBytes implements unsigned-byte lex order, ties broken by shorter.
func (k minMaxKernel) betterBytes(candidate, current []byte) bool {
	cmp := bytes.Compare(candidate, current)
	if cmp == 0 {
		return len(candidate) < len(current)
	}
	if k.isMax {
		return cmp > 0
	}
	return cmp < 0
}

func (k minMaxKernel) Fold(in FoldInput, buf *AggrBuffer) error {
	if isNullInput(in) {
		return nil
	}
	v := in.Row
	empty := buf.Empty()
	switch in.ColType {
	case schema.SmallInt:
		x := v.GetInt16(in.ColIdx)
		if empty || k.betterInt(int64(x), int64(buf.Val.I16())) {
			buf.Val.SetI16(x)
		}
	case schema.Int, schema.Date:
		x := v.GetInt32(in.ColIdx)
		if empty || k.betterInt(int64(x), int64(buf.Val.I32())) {
			buf.Val.SetI32(x)
		}
	case schema.BigInt, schema.Timestamp:
		x := v.GetInt64(in.ColIdx)
		if empty || k.betterInt(x, buf.Val.I64()) {
			buf.Val.SetI64(x)
		}
	case schema.Float:
		x := v.GetFloat32(in.ColIdx)
		if empty || k.betterFloat(float64(x), float64(buf.Val.F32())) {
			buf.Val.SetF32(x)
		}
	case schema.Double:
		x := v.GetFloat64(in.ColIdx)
		if empty || k.betterFloat(x, buf.Val.F64()) {
			buf.Val.SetF64(x)
		}
	case schema.String:
		x := v.GetString(in.ColIdx)
		if empty || k.betterBytes(x, buf.Val.Bytes()) {
			buf.Val.SetBytes(x)
		}
	default:
		return unsupportedColumnType("minMaxKernel.Fold", in.ColType)
	}
	buf.NonNullCnt++
	return nil
}

func (minMaxKernel) Encode(buf *AggrBuffer) ([]byte, bool) {
	if buf.Empty() {
		return nil, true
	}
	switch buf.Val.Kind() {
	case KindI16:
		out := make([]byte, 2)
		binary.LittleEndian.PutUint16(out, uint16(buf.Val.I16()))
		return out, false
	case KindI32:
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, uint32(buf.Val.I32()))
		return out, false
	case KindI64:
		out := make([]byte, 8)
		binary.LittleEndian.PutUint64(out, uint64(buf.Val.I64()))
		return out, false
	case KindF32:
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, math.Float32bits(buf.Val.F32()))
		return out, false
	case KindF64:
		out := make([]byte, 8)
		binary.LittleEndian.PutUint64(out, math.Float64bits(buf.Val.F64()))
		return out, false
	case KindString:
		return buf.Val.Bytes(), false
	default:
		return nil, true
	}
}

func (minMaxKernel) Decode(data []byte, isNull bool, buf *AggrBuffer) error {
	if isNull {
		buf.NonNullCnt = 0
		return nil
	}
	switch buf.Val.Kind() {
	case KindI16:
		buf.Val.SetI16(int16(binary.LittleEndian.Uint16(data)))
	case KindI32:
		buf.Val.SetI32(int32(binary.LittleEndian.Uint32(data)))
	case KindI64:
		buf.Val.SetI64(int64(binary.LittleEndian.Uint64(data)))
	case KindF32:
		buf.Val.SetF32(math.Float32frombits(binary.LittleEndian.Uint32(data)))
	case KindF64:
		buf.Val.SetF64(math.Float64frombits(binary.LittleEndian.Uint64(data)))
	case KindString:
		buf.Val.SetBytes(data)
	}
	buf.NonNullCnt = 1
	return nil
}
