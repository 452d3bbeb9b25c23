// Kernels implement the per-function fold/encode/decode triplet (§4.C).
// Each kernel is a stateless value: all per-aggregator state (column
// index, column type, count_all flag) lives in FoldInput, supplied by the
// owning Aggregator, not in the kernel itself (§9 redesign note: replace
// the class-hierarchy-of-kernels pattern with a capability chosen by the
// factory and dispatched in one place).
package aggregate

import (
	"github.com/nicktill/tinyagg/pkg/row"
	"github.com/nicktill/tinyagg/pkg/schema"
)

// FoldInput carries one row's fold-time context.
type FoldInput struct {
	Row      *row.View
	ColIdx   int
	ColType  schema.ColumnType
	CountAll bool // aggr_col == "*": count every row regardless of null
}

// Kernel is the fold/encode/decode capability behind one aggregate
// function. Null inputs never raise (§4.C); a kernel reports failure only
// for an unsupported column type.
type Kernel interface {
	// Name is the case-insensitive function name this kernel implements.
	Name() string
	// ValueKind picks AggrValue's fixed arm for the given input column
	// type, or an error if the type is unsupported by this function.
	ValueKind(colType schema.ColumnType) (ValueKind, error)
	// Fold incorporates one row's column into buf's accumulator. It does
	// not touch AggrCnt/BinlogOffset/TsEnd — the bucket manager (§4.D)
	// owns those.
	Fold(in FoldInput, buf *AggrBuffer) error
	// Encode renders buf's accumulator as the aggregate-table's field 4
	// bytes, or reports isNull when the bucket has no non-null
	// contribution (MIN/MAX nullity rule, §3.2 invariant 5).
	Encode(buf *AggrBuffer) (data []byte, isNull bool)
	// Decode restores buf's accumulator (and, where recoverable, its
	// NonNullCnt) from a previously encoded field-4 value.
	Decode(data []byte, isNull bool, buf *AggrBuffer) error
}

// KernelByName resolves a lower-case aggregate function name to its Kernel.
// It matches names exactly; New lowercases the configured name before
// calling it, which is what makes the factory's grammar case-insensitive
// (§4.G).
func KernelByName(name string) (Kernel, error) {
	switch name {
	case "sum":
		return sumKernel{}, nil
	case "min":
		return minMaxKernel{isMax: false}, nil
	case "max":
		return minMaxKernel{isMax: true}, nil
	case "count":
		return countKernel{label: "count"}, nil
	case "count_where":
		return countKernel{label: "count_where"}, nil
	case "avg":
		return avgKernel{}, nil
	default:
		return nil, newErrf(ConfigError, "KernelByName", "unsupported aggregate function %q", name)
	}
}

func unsupportedColumnType(op string, t schema.ColumnType) error {
	return newErrf(ConfigError, op, "unsupported column type %s", t)
}

func isNullInput(in FoldInput) bool {
	if in.CountAll {
		return false
	}
	return in.Row.IsNull(in.ColIdx)
}
