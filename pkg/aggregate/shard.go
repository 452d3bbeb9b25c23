package aggregate

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// numShards is fixed at aggregator construction (§5 supplement): the
// map-level mutex only ever guards insertion of a brand new key into one
// shard's map; once a *lockedBuffer exists, readers and writers coordinate
// through its own mutex, never the shard's.
const numShards = 16

type shard struct {
	mu      sync.Mutex
	buffers map[string]*lockedBuffer
}

// shardMap partitions live bucket state across numShards independent
// shards keyed by xxhash of the bucket key, so concurrent updates to
// different keys never contend on a single lock.
type shardMap struct {
	shards [numShards]*shard
}

func newShardMap() *shardMap {
	sm := &shardMap{}
	for i := range sm.shards {
		sm.shards[i] = &shard{buffers: make(map[string]*lockedBuffer)}
	}
	return sm
}

func (sm *shardMap) shardFor(key string) *shard {
	return sm.shards[xxhash.Sum64String(key)%numShards]
}

// getOrCreate returns the existing *lockedBuffer for key, or inserts a
// fresh one built by newBuf. The map insertion is the only operation
// performed under the shard's mutex; all subsequent access to the
// returned buffer goes through its own mutex instead (§5).
func (sm *shardMap) getOrCreate(key string, newBuf func() AggrBuffer) *lockedBuffer {
	s := sm.shardFor(key)
	s.mu.Lock()
	lb, ok := s.buffers[key]
	if !ok {
		lb = &lockedBuffer{buf: newBuf()}
		s.buffers[key] = lb
	}
	s.mu.Unlock()
	return lb
}

// get returns the existing *lockedBuffer for key without creating one,
// for read-only lookups (e.g. a window query's live tail) that must not
// spin up state for a key that has never been updated.
func (sm *shardMap) get(key string) (*lockedBuffer, bool) {
	s := sm.shardFor(key)
	s.mu.Lock()
	lb, ok := s.buffers[key]
	s.mu.Unlock()
	return lb, ok
}

// forEach visits every live bucket across all shards, outside any shard
// mutex: the callback is responsible for locking each *lockedBuffer it
// touches, matching FlushAll's need to snapshot-and-reinit atomically per
// bucket without holding a shard lock across that work (§4.E).
func (sm *shardMap) forEach(fn func(key string, lb *lockedBuffer)) {
	for _, s := range sm.shards {
		s.mu.Lock()
		keys := make([]string, 0, len(s.buffers))
		lbs := make([]*lockedBuffer, 0, len(s.buffers))
		for k, lb := range s.buffers {
			keys = append(keys, k)
			lbs = append(lbs, lb)
		}
		s.mu.Unlock()
		for i, k := range keys {
			fn(k, lbs[i])
		}
	}
}
