package aggregate

// ValueKind is the fixed tag of an AggrValue's active arm, chosen once at
// aggregator construction from the aggregate column's type and function
// (§4.A): SUM widens small integers to i64, AVG always uses f64, MIN/MAX
// preserve the input's width, and COUNT ignores the tag entirely.
type ValueKind int

const (
	KindI16 ValueKind = iota
	KindI32
	KindI64
	KindF32
	KindF64
	KindString
	// KindNone marks kernels (COUNT, COUNT_WHERE) whose accumulator lives
	// entirely in AggrBuffer.NonNullCnt; AggrValue is unused.
	KindNone
)

// AggrValue is a fixed-tag variant over the numeric/string accumulator
// types a kernel can hold. The active arm never changes after
// construction, so fold paths never need to branch on the tag to decide
// which arm is live.
type AggrValue struct {
	kind ValueKind
	i16  int16
	i32  int32
	i64  int64
	f32  float32
	f64  float64
	str  []byte
}

// NewAggrValue creates a zero-valued accumulator with a fixed arm.
func NewAggrValue(kind ValueKind) AggrValue {
	return AggrValue{kind: kind}
}

// Kind reports the active arm.
func (v *AggrValue) Kind() ValueKind { return v.kind }

func (v *AggrValue) I16() int16     { return v.i16 }
func (v *AggrValue) I32() int32     { return v.i32 }
func (v *AggrValue) I64() int64     { return v.i64 }
func (v *AggrValue) F32() float32   { return v.f32 }
func (v *AggrValue) F64() float64   { return v.f64 }
func (v *AggrValue) Bytes() []byte  { return v.str }

func (v *AggrValue) SetI16(x int16)     { v.i16 = x }
func (v *AggrValue) SetI32(x int32)     { v.i32 = x }
func (v *AggrValue) SetI64(x int64)     { v.i64 = x }
func (v *AggrValue) SetF32(x float32)   { v.f32 = x }
func (v *AggrValue) SetF64(x float64)   { v.f64 = x }

// SetBytes stores s, reusing the existing buffer in place when it already
// has enough capacity and only reallocating when it doesn't — avoids a
// per-update allocation under steady-state MIN/MAX string comparisons.
func (v *AggrValue) SetBytes(s []byte) {
	if cap(v.str) >= len(s) {
		v.str = v.str[:len(s)]
		copy(v.str, s)
		return
	}
	v.str = append([]byte(nil), s...)
}

// Interface returns the active arm's value boxed for JSON encoding, the
// way a window-query response surfaces whichever accumulator type the
// aggregate's kernel chose.
func (v *AggrValue) Interface() interface{} {
	switch v.kind {
	case KindI16:
		return v.i16
	case KindI32:
		return v.i32
	case KindI64:
		return v.i64
	case KindF32:
		return v.f32
	case KindF64:
		return v.f64
	case KindString:
		return string(v.str)
	default:
		return nil
	}
}

// Reset clears the accumulator in place without changing its arm.
func (v *AggrValue) Reset() {
	v.i16, v.i32, v.i64 = 0, 0, 0
	v.f32, v.f64 = 0, 0
	if v.str != nil {
		v.str = v.str[:0]
	}
}
