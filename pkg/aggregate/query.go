package aggregate

import "math"

// WindowPoint is one bucket of a window-query response: either a flushed
// aggregate-table row or the live, not-yet-flushed tail.
type WindowPoint struct {
	TsBegin    int64       `json:"ts_begin"`
	TsEnd      int64       `json:"ts_end"`
	AggrCnt    int32       `json:"aggr_cnt"`
	NonNullCnt int64       `json:"non_null_cnt"`
	Value      interface{} `json:"value"`
	Live       bool        `json:"live"`
}

// displayValue derives a window point's published value from its kernel:
// COUNT/COUNT_WHERE report the row count, AVG divides its running sum by
// its running count, and the rest report the kernel's accumulator as-is.
func (a *Aggregator) displayValue(buf AggrBuffer) interface{} {
	switch a.kernel.Name() {
	case "count", "count_where":
		return buf.NonNullCnt
	case "avg":
		if buf.NonNullCnt == 0 {
			return nil
		}
		return buf.Val.F64() / float64(buf.NonNullCnt)
	default:
		if buf.Empty() {
			return nil
		}
		return buf.Val.Interface()
	}
}

// Windows answers a window query for bucketKey (the primary key, plus any
// COUNT_WHERE filter suffix): the live bucket tail first, when it holds any
// row, then the most recently flushed aggregate-table rows, newest first,
// until limit points are collected. The live tail counts toward limit. It
// is read-only: it never mutates the live bucket or the aggregate table.
func (a *Aggregator) Windows(bucketKey string, limit int) ([]WindowPoint, error) {
	var points []WindowPoint

	if lb, ok := a.buckets.get(bucketKey); ok {
		lb.mu.Lock()
		if lb.buf.AggrCnt > 0 {
			points = append(points, WindowPoint{
				TsBegin:    lb.buf.TsBegin,
				TsEnd:      lb.buf.TsEnd,
				AggrCnt:    lb.buf.AggrCnt,
				NonNullCnt: lb.buf.NonNullCnt,
				Value:      a.displayValue(lb.buf),
				Live:       true,
			})
		}
		lb.mu.Unlock()
	}

	it, err := a.aggrTable.NewTraverseIterator(0)
	if err != nil {
		return nil, newErr(IOError, "Windows", err)
	}
	defer it.Close()

	it.Seek(bucketKey, math.MaxInt64)
	for it.Valid() && len(points) < limit {
		_, buf, derr := a.decodeAggrRow(it.Value())
		if derr != nil {
			return nil, newErr(IOError, "Windows", derr)
		}
		points = append(points, WindowPoint{
			TsBegin:    buf.TsBegin,
			TsEnd:      buf.TsEnd,
			AggrCnt:    buf.AggrCnt,
			NonNullCnt: buf.NonNullCnt,
			Value:      a.displayValue(buf),
		})
		it.Next()
	}
	return points, nil
}
