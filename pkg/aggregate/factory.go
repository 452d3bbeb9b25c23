package aggregate

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/nicktill/tinyagg/pkg/binlog"
	"github.com/nicktill/tinyagg/pkg/schema"
	"github.com/nicktill/tinyagg/pkg/store"
)

// Status is the aggregator's recovery lifecycle (§4.F): UnInit → Recovering
// → Inited, or back to UnInit on a failed recovery.
type Status int32

const (
	UnInit Status = iota
	Recovering
	Inited
)

func (s Status) String() string {
	switch s {
	case UnInit:
		return "uninit"
	case Recovering:
		return "recovering"
	case Inited:
		return "inited"
	default:
		return "unknown"
	}
}

// Aggregator maintains the live buckets for one (index, column, function,
// window) combination and flushes closed buckets into an aggregate table.
type Aggregator struct {
	baseMeta schema.TableMeta
	aggrMeta schema.TableMeta

	aggrTable      store.Table
	aggrReplicator binlog.Replicator

	indexPos uint32

	aggrColIdx  int
	countAll    bool
	aggrColType schema.ColumnType

	tsColIdx  int
	tsColType schema.ColumnType

	filterColIdx int

	kernel     Kernel
	valueKind  ValueKind
	windowKind WindowKind
	windowSize int64

	notifyOnPut bool
	leaderTerm  uint64
	onFlush     func(bucketKey string, buf AggrBuffer)

	buckets *shardMap

	status atomic.Int32
}

// Config collects an Aggregator's construction parameters (§6.2).
type Config struct {
	BaseMeta       schema.TableMeta
	AggrMeta       schema.TableMeta
	AggrTable      store.Table
	AggrReplicator binlog.Replicator
	IndexPos       uint32
	AggrCol        string // column name, or "*" for count_all
	AggrFunc       string // case-insensitive: sum, min, max, count, avg, count_where
	TSCol          string
	BucketSize     string
	FilterCol      string // required for count_where, ignored otherwise
	NotifyOnPut    bool
	LeaderTerm     uint64
	// OnFlush, if set, is called after every successful flush (rollover,
	// late-arrival merge, or FlushAll) with the bucket that was written.
	// cmd/server uses it to broadcast bucket-flush events over pkg/stream.
	OnFlush func(bucketKey string, buf AggrBuffer)
}

// New builds an Aggregator from cfg, resolving column indices and parsing
// the bucket-size and function grammars (§4.G). A ConfigError is returned
// for any unresolvable name, unsupported column type, or malformed
// bucket-size spec; the source's "factory returns no aggregator" signal
// becomes a returned error here, per the §7 ConfigError contract.
func New(cfg Config) (*Aggregator, error) {
	kernel, err := KernelByName(strings.ToLower(cfg.AggrFunc))
	if err != nil {
		return nil, err
	}

	windowKind, windowSize, err := ParseBucketSize(cfg.BucketSize)
	if err != nil {
		return nil, err
	}

	tsColIdx, ok := cfg.BaseMeta.IndexOf(cfg.TSCol)
	if !ok {
		return nil, newErrf(ConfigError, "New", "ts column %q not found", cfg.TSCol)
	}
	tsColType := cfg.BaseMeta.Columns[tsColIdx].Type
	if tsColType != schema.BigInt && tsColType != schema.Timestamp {
		return nil, newErrf(ConfigError, "New", "ts column %q has unsupported type %s", cfg.TSCol, tsColType)
	}

	countAll := cfg.AggrCol == "*"
	aggrColIdx := -1
	var aggrColType schema.ColumnType
	valueKind := KindI64
	if countAll {
		if kernel.Name() != "count" && kernel.Name() != "count_where" {
			return nil, newErrf(ConfigError, "New", "aggr_col \"*\" only valid for count/count_where, got %s", kernel.Name())
		}
	} else {
		idx, ok := cfg.BaseMeta.IndexOf(cfg.AggrCol)
		if !ok {
			return nil, newErrf(ConfigError, "New", "aggr column %q not found", cfg.AggrCol)
		}
		aggrColIdx = idx
		aggrColType = cfg.BaseMeta.Columns[idx].Type
		valueKind, err = kernel.ValueKind(aggrColType)
		if err != nil {
			return nil, err
		}
	}

	filterColIdx := -1
	if cfg.FilterCol != "" && kernel.Name() == "count_where" {
		idx, ok := cfg.BaseMeta.IndexOf(cfg.FilterCol)
		if !ok {
			return nil, newErrf(ConfigError, "New", "filter column %q not found", cfg.FilterCol)
		}
		if cfg.BaseMeta.Columns[idx].Type != schema.String {
			return nil, newErrf(ConfigError, "New", "filter column %q must be a string column", cfg.FilterCol)
		}
		filterColIdx = idx
	} else if kernel.Name() == "count_where" {
		return nil, newErrf(ConfigError, "New", "count_where requires a filter_col")
	}

	a := &Aggregator{
		baseMeta:       cfg.BaseMeta,
		aggrMeta:       cfg.AggrMeta,
		aggrTable:      cfg.AggrTable,
		aggrReplicator: cfg.AggrReplicator,
		indexPos:       cfg.IndexPos,
		aggrColIdx:     aggrColIdx,
		countAll:       countAll,
		aggrColType:    aggrColType,
		tsColIdx:       tsColIdx,
		tsColType:      tsColType,
		filterColIdx:   filterColIdx,
		kernel:         kernel,
		valueKind:      valueKind,
		windowKind:     windowKind,
		windowSize:     windowSize,
		notifyOnPut:    cfg.NotifyOnPut,
		leaderTerm:     cfg.LeaderTerm,
		onFlush:        cfg.OnFlush,
		buckets:        newShardMap(),
	}
	a.status.Store(int32(UnInit))
	return a, nil
}

// GetStat reports the aggregator's current lifecycle status without
// blocking on any lock (§4.F).
func (a *Aggregator) GetStat() Status {
	return Status(a.status.Load())
}

// ParseBucketSize parses the bucket-size grammar (§6.3): an all-digit
// string is a row-count window; otherwise the trailing character selects
// a case-insensitive time unit {s,m,h,d} multiplying the numeric prefix
// into milliseconds.
func ParseBucketSize(spec string) (WindowKind, int64, error) {
	if spec == "" {
		return 0, 0, newErrf(ConfigError, "ParseBucketSize", "bucket size is empty")
	}
	if isAllDigits(spec) {
		n, err := strconv.ParseInt(spec, 10, 64)
		if err != nil {
			return 0, 0, newErrf(ConfigError, "ParseBucketSize", "bucket size %q is not a valid row count: %v", spec, err)
		}
		return RowCount, n, nil
	}

	unit := spec[len(spec)-1]
	numPart := spec[:len(spec)-1]
	if !isAllDigits(numPart) {
		return 0, 0, newErrf(ConfigError, "ParseBucketSize", "bucket size %q is not a number", spec)
	}
	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, 0, newErrf(ConfigError, "ParseBucketSize", "bucket size %q is not a valid number: %v", spec, err)
	}

	var multiplier int64
	switch unit {
	case 's', 'S':
		multiplier = 1000
	case 'm', 'M':
		multiplier = 60 * 1000
	case 'h', 'H':
		multiplier = 60 * 60 * 1000
	case 'd', 'D':
		multiplier = 24 * 60 * 60 * 1000
	default:
		return 0, 0, newErrf(ConfigError, "ParseBucketSize", "bucket size %q has an unsupported time unit %q", spec, string(unit))
	}
	return TimeRanged, n * multiplier, nil
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
