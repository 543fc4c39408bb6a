package tlsecho

import (
	"hash/maphash"
	"sync"
)

// Shardmap is a generic map split into independently
// RWMutex-protected shards, so that writers touching
// different keys rarely contend. Unrelated sessions
// registering and unregistering never queue behind a
// single lock.
type Shardmap[K comparable, V any] struct {
	seed   maphash.Seed
	mask   uint64
	shards []*mapShard[K, V]
}

type mapShard[K comparable, V any] struct {
	mut sync.RWMutex
	m   map[K]V
}

// NewShardmap makes a Shardmap with n shards,
// rounded up to a power of two.
func NewShardmap[K comparable, V any](n int) *Shardmap[K, V] {
	if n <= 0 {
		n = DefaultShardCount
	}
	pow := 1
	for pow < n {
		pow <<= 1
	}
	s := &Shardmap[K, V]{
		seed:   maphash.MakeSeed(),
		mask:   uint64(pow - 1),
		shards: make([]*mapShard[K, V], pow),
	}
	for i := range s.shards {
		s.shards[i] = &mapShard[K, V]{m: make(map[K]V)}
	}
	return s
}

func (s *Shardmap[K, V]) shard(key K) *mapShard[K, V] {
	return s.shards[maphash.Comparable(s.seed, key)&s.mask]
}

// Get returns the value val for key.
func (s *Shardmap[K, V]) Get(key K) (val V, ok bool) {
	sh := s.shard(key)
	sh.mut.RLock()
	val, ok = sh.m[key]
	sh.mut.RUnlock()
	return
}

// SetIfAbsent stores val under key only if key is
// not present. Check and store are atomic.
func (s *Shardmap[K, V]) SetIfAbsent(key K, val V) (stored bool) {
	sh := s.shard(key)
	sh.mut.Lock()
	if _, already := sh.m[key]; !already {
		sh.m[key] = val
		stored = true
	}
	sh.mut.Unlock()
	return
}

// GetValNDel returns the val for key, and deletes it.
// ok is false if key was absent.
func (s *Shardmap[K, V]) GetValNDel(key K) (val V, ok bool) {
	sh := s.shard(key)
	sh.mut.Lock()
	val, ok = sh.m[key]
	if ok {
		delete(sh.m, key)
	}
	sh.mut.Unlock()
	return
}

// DelIf deletes key only while it still maps to a
// value for which match returns true.
func (s *Shardmap[K, V]) DelIf(key K, match func(V) bool) (deleted bool) {
	sh := s.shard(key)
	sh.mut.Lock()
	if val, ok := sh.m[key]; ok && match(val) {
		delete(sh.m, key)
		deleted = true
	}
	sh.mut.Unlock()
	return
}

// GetKeySlice returns the keys, one shard at a time.
// Each shard is copied under its own read lock, so
// the result is per-shard consistent; keys added
// to an already-visited shard are not seen.
func (s *Shardmap[K, V]) GetKeySlice() (slc []K) {
	for _, sh := range s.shards {
		sh.mut.RLock()
		for k := range sh.m {
			slc = append(slc, k)
		}
		sh.mut.RUnlock()
	}
	return
}

// Len sums shard sizes. Approximate while
// writers are active.
func (s *Shardmap[K, V]) Len() (n int) {
	for _, sh := range s.shards {
		sh.mut.RLock()
		n += len(sh.m)
		sh.mut.RUnlock()
	}
	return
}
