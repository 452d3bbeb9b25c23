// Package config holds cmd/server's tunables: the base row schema, the
// static list of aggregates it maintains, and the server/storage/websocket
// defaults, kept as plain exported constants.
package config

import (
	"time"

	"github.com/nicktill/tinyagg/pkg/schema"
)

// Server defaults
const (
	DefaultPort        = "8080"
	DefaultMaxMemoryMB = 48

	// DefaultMaxStorageGB bounds the on-disk footprint cmd/server's storage
	// monitor reports against: a conservative 1 GB, sized for the
	// self-hosted laptop deployments this server targets rather than a
	// dedicated time-series cluster.
	DefaultMaxStorageGB = 1

	// StorageCacheDuration is how long the storage monitor reuses a
	// computed disk-usage figure before walking the data directory again.
	StorageCacheDuration = 10 * time.Second

	// DiskBlockSizeBytes is the block size the storage monitor assumes when
	// turning a file's allocated-blocks count (Unix) or a failed
	// compressed-size lookup (Windows) into a byte count, so sparse badger
	// value-log and binlog segment files report actual disk usage rather
	// than logical size on either platform.
	DiskBlockSizeBytes = 512
)

// Server timeouts
const (
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 10 * time.Second
	ShutdownTimeout    = 30 * time.Second
)

// FlushAllInterval is how often the background ticker closes and flushes
// every live bucket across all configured aggregates on a fixed interval
// rather than only on natural rollover.
const FlushAllInterval = 30 * time.Second

// BadgerGCInterval is how often the background ticker asks badger to
// reclaim value-log space. BadgerGCDiscardRatio is the fraction of a value
// log file that must be discardable before badger rewrites it.
const (
	BadgerGCInterval     = 10 * time.Minute
	BadgerGCDiscardRatio = 0.5
)

// WebSocket configuration, reused by pkg/stream's flush-event hub.
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// BasePrefix namespaces the base table inside the shared badger.DB (§4.I
// step 1). Each configured aggregate gets its own aggregate-table prefix
// from AggrTablePrefix, since pkg/aggregate's recovery seeding always
// traverses index 0 of whatever store.Table it's given — sharing one
// table across aggregates would collide their rows under that index.
const BasePrefix byte = 0x01

// AggrTablePrefix returns the badger key prefix for the i-th entry of
// DefaultAggregates.
func AggrTablePrefix(i int) byte {
	return 0x10 + byte(i)
}

// BaseRowSchema is the fixed column layout `POST /v1/rows` accepts: a
// timestamp, a numeric value, and an optional string tag usable as a
// COUNT_WHERE filter column. A SQL layer that decides the base schema is
// out of scope, so cmd/server fixes one schema rather than accepting an
// arbitrary one per request.
func BaseRowSchema() schema.TableMeta {
	return schema.TableMeta{Columns: []schema.ColumnDesc{
		{Name: "ts", Type: schema.BigInt},
		{Name: "value", Type: schema.Double},
		{Name: "tag", Type: schema.String},
	}}
}

// AggregateSpec names one aggregate to maintain over BaseRowSchema, a
// static stand-in for a SQL layer that would otherwise decide which
// aggregates to create.
type AggregateSpec struct {
	Name       string // identifies this aggregate in GET /v1/windows and /v1/health
	AggrFunc   string
	AggrCol    string
	FilterCol  string
	BucketSize string
}

// DefaultAggregates is the small static list cmd/server maintains over
// BaseRowSchema: a rolling sum and average of value, a min/max envelope,
// and a count_where partitioned by tag.
func DefaultAggregates() []AggregateSpec {
	return []AggregateSpec{
		{Name: "value_sum_10s", AggrFunc: "sum", AggrCol: "value", BucketSize: "10s"},
		{Name: "value_avg_10s", AggrFunc: "avg", AggrCol: "value", BucketSize: "10s"},
		{Name: "value_min_1m", AggrFunc: "min", AggrCol: "value", BucketSize: "1m"},
		{Name: "value_max_1m", AggrFunc: "max", AggrCol: "value", BucketSize: "1m"},
		{Name: "count_by_tag_1m", AggrFunc: "count_where", AggrCol: "*", FilterCol: "tag", BucketSize: "1m"},
	}
}
