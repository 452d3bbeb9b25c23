// Package row provides a packed binary row codec for base-table and
// aggregate-table records: a leading null-bitmap, fixed-width columns in
// schema order, then length-prefixed string columns appended at the end.
package row

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nicktill/tinyagg/pkg/schema"
)

func fixedWidth(t schema.ColumnType) int {
	switch t {
	case schema.Bool:
		return 1
	case schema.SmallInt:
		return 2
	case schema.Int, schema.Date, schema.Float:
		return 4
	case schema.BigInt, schema.Timestamp, schema.Double:
		return 8
	default:
		return 0
	}
}

// Builder assembles a packed row in schema order. Callers must call exactly
// one Put* per column, in column order.
type Builder struct {
	meta  schema.TableMeta
	nulls []byte
	fixed []byte
	strs  [][]byte
	col   int
}

// NewBuilder starts building a row for the given schema.
func NewBuilder(meta schema.TableMeta) *Builder {
	return &Builder{
		meta:  meta,
		nulls: make([]byte, (len(meta.Columns)+7)/8),
		strs:  make([][]byte, len(meta.Columns)),
	}
}

func (b *Builder) markNull() {
	b.nulls[b.col/8] |= 1 << uint(b.col%8)
}

// PutNull appends a NULL for the current column.
func (b *Builder) PutNull() {
	col := b.meta.Columns[b.col]
	b.markNull()
	if col.Type == schema.String {
		b.strs[b.col] = nil
	} else {
		b.fixed = append(b.fixed, make([]byte, fixedWidth(col.Type))...)
	}
	b.col++
}

func (b *Builder) putFixed(buf []byte) {
	b.fixed = append(b.fixed, buf...)
	b.col++
}

// PutBool appends a bool column value.
func (b *Builder) PutBool(v bool) {
	if v {
		b.putFixed([]byte{1})
	} else {
		b.putFixed([]byte{0})
	}
}

// PutInt16 appends a smallint column value.
func (b *Builder) PutInt16(v int16) {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(v))
	b.putFixed(buf)
}

// PutInt32 appends an int column value.
func (b *Builder) PutInt32(v int32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	b.putFixed(buf)
}

// PutInt64 appends a bigint column value.
func (b *Builder) PutInt64(v int64) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	b.putFixed(buf)
}

// PutFloat32 appends a float column value.
func (b *Builder) PutFloat32(v float32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
	b.putFixed(buf)
}

// PutFloat64 appends a double column value.
func (b *Builder) PutFloat64(v float64) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
	b.putFixed(buf)
}

// PutDate appends a date column value (days since epoch, as int32).
func (b *Builder) PutDate(v int32) {
	b.PutInt32(v)
}

// PutTimestamp appends a timestamp column value (milliseconds since epoch).
func (b *Builder) PutTimestamp(v int64) {
	b.PutInt64(v)
}

// PutString appends a string column value, or a NULL string column.
func (b *Builder) PutString(v []byte) {
	b.strs[b.col] = v
	b.col++
}

// Build finalizes the row into its packed byte form.
func (b *Builder) Build() []byte {
	out := make([]byte, 0, len(b.nulls)+len(b.fixed)+64)
	out = append(out, b.nulls...)
	out = append(out, b.fixed...)
	for i, c := range b.meta.Columns {
		if c.Type != schema.String {
			continue
		}
		s := b.strs[i]
		lenBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(s)))
		out = append(out, lenBuf...)
		out = append(out, s...)
	}
	return out
}

// View reads typed columns out of a packed row by column index. A View is
// only valid for the lifetime of the backing byte slice it was built on.
type View struct {
	meta   schema.TableMeta
	data   []byte
	fixOff []int // byte offset of each fixed column within the fixed section, -1 for string cols
	strOff []int // byte offset of each string column's length prefix, -1 for fixed cols
}

// NewView parses a packed row's column offsets against the given schema.
func NewView(meta schema.TableMeta, data []byte) (*View, error) {
	nbitmap := (len(meta.Columns) + 7) / 8
	if len(data) < nbitmap {
		return nil, fmt.Errorf("row: truncated null bitmap")
	}
	v := &View{
		meta:   meta,
		data:   data,
		fixOff: make([]int, len(meta.Columns)),
		strOff: make([]int, len(meta.Columns)),
	}
	fixOff := nbitmap
	for i, c := range meta.Columns {
		if c.Type == schema.String {
			v.fixOff[i] = -1
			continue
		}
		v.fixOff[i] = fixOff
		fixOff += fixedWidth(c.Type)
	}
	strOff := fixOff
	for i, c := range meta.Columns {
		if c.Type != schema.String {
			v.strOff[i] = -1
			continue
		}
		if v.IsNull(i) {
			// Build still writes a zero length prefix for a NULL string.
			v.strOff[i] = strOff
			strOff += 4
			continue
		}
		if strOff+4 > len(data) {
			return nil, fmt.Errorf("row: truncated string length for column %d", i)
		}
		slen := int(binary.LittleEndian.Uint32(data[strOff : strOff+4]))
		v.strOff[i] = strOff
		strOff += 4 + slen
	}
	return v, nil
}

// IsNull reports whether column idx is NULL in this row.
func (v *View) IsNull(idx int) bool {
	byteIdx := idx / 8
	if byteIdx >= len(v.data) {
		return true
	}
	return v.data[byteIdx]&(1<<uint(idx%8)) != 0
}

func (v *View) fixedBytes(idx int, width int) []byte {
	off := v.fixOff[idx]
	return v.data[off : off+width]
}

// GetInt16 reads a smallint column.
func (v *View) GetInt16(idx int) int16 {
	return int16(binary.LittleEndian.Uint16(v.fixedBytes(idx, 2)))
}

// GetInt32 reads an int column.
func (v *View) GetInt32(idx int) int32 {
	return int32(binary.LittleEndian.Uint32(v.fixedBytes(idx, 4)))
}

// GetInt64 reads a bigint column.
func (v *View) GetInt64(idx int) int64 {
	return int64(binary.LittleEndian.Uint64(v.fixedBytes(idx, 8)))
}

// GetFloat32 reads a float column.
func (v *View) GetFloat32(idx int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(v.fixedBytes(idx, 4)))
}

// GetFloat64 reads a double column.
func (v *View) GetFloat64(idx int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(v.fixedBytes(idx, 8)))
}

// GetDate reads a date column (days since epoch).
func (v *View) GetDate(idx int) int32 {
	return v.GetInt32(idx)
}

// GetTimestamp reads a timestamp column (milliseconds since epoch).
func (v *View) GetTimestamp(idx int) int64 {
	return v.GetInt64(idx)
}

// GetBool reads a bool column.
func (v *View) GetBool(idx int) bool {
	return v.fixedBytes(idx, 1)[0] != 0
}

// GetString reads a string column's raw bytes. The slice aliases the row's
// backing array and must not be retained past the row's lifetime.
func (v *View) GetString(idx int) []byte {
	off := v.strOff[idx]
	if v.IsNull(idx) {
		return nil
	}
	slen := int(binary.LittleEndian.Uint32(v.data[off : off+4]))
	return v.data[off+4 : off+4+slen]
}
