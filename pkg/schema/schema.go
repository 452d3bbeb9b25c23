// Package schema describes the column layout of base and aggregate tables.
package schema

// ColumnType identifies the wire type of a column.
type ColumnType int

const (
	Bool ColumnType = iota
	SmallInt
	Int
	BigInt
	Float
	Double
	Date
	Timestamp
	String
)

func (t ColumnType) String() string {
	switch t {
	case Bool:
		return "bool"
	case SmallInt:
		return "smallint"
	case Int:
		return "int"
	case BigInt:
		return "bigint"
	case Float:
		return "float"
	case Double:
		return "double"
	case Date:
		return "date"
	case Timestamp:
		return "timestamp"
	case String:
		return "string"
	default:
		return "unknown"
	}
}

// IsNumeric reports whether the column type participates in SUM/MIN/MAX arithmetic.
func (t ColumnType) IsNumeric() bool {
	switch t {
	case SmallInt, Int, BigInt, Float, Double:
		return true
	default:
		return false
	}
}

// ColumnDesc is one column of a table.
type ColumnDesc struct {
	Name string
	Type ColumnType
}

// TableMeta is the ordered column list of a table.
type TableMeta struct {
	Columns []ColumnDesc
}

// IndexOf returns the position of the named column.
func (m TableMeta) IndexOf(name string) (int, bool) {
	for i, c := range m.Columns {
		if c.Name == name {
			return i, true
		}
	}
	return 0, false
}

// AggregateTableMeta is the fixed seven-column layout every aggregate table
// uses regardless of the kernel it backs: primary key, window bounds, row
// count, encoded accumulator, replay offset, and an optional filter suffix.
func AggregateTableMeta() TableMeta {
	return TableMeta{Columns: []ColumnDesc{
		{Name: "pk", Type: String},
		{Name: "ts_begin", Type: Timestamp},
		{Name: "ts_end", Type: Timestamp},
		{Name: "aggr_cnt", Type: Int},
		{Name: "aggr_val", Type: String},
		{Name: "binlog_offset", Type: BigInt},
		{Name: "filter_suffix", Type: String},
	}}
}

const (
	AggrColPK = iota
	AggrColTsBegin
	AggrColTsEnd
	AggrColCnt
	AggrColVal
	AggrColOffset
	AggrColFilterSuffix
)
