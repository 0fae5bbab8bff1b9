package microbatch

import (
	"maps"
)

// Custom metric names reported by the state store.
const (
	metricCacheHits       = "loadedMapCacheHitCount"
	metricCacheMisses     = "loadedMapCacheMissCount"
	metricCurrentSizeByte = "stateOnCurrentVersionSizeBytes"
)

// versionsRetainedInMemory is how many committed versions each partition caches.
const versionsRetainedInMemory = 2

// stateEntryBytes approximates one window-start to count entry.
const stateEntryBytes = 16 + 48

// stateStore is a versioned map from window start (unix ms) to row count,
// split into partitions by key.
type stateStore struct {
	partitions []*statePartition
}

type statePartition struct {
	version int64
	current map[int64]int64
	loaded  map[int64]map[int64]int64
	hits    int64
	misses  int64
}

func newStateStore(partitions int) *stateStore {
	if partitions <= 0 {
		partitions = 1
	}
	s := &stateStore{partitions: make([]*statePartition, partitions)}
	for i := range s.partitions {
		s.partitions[i] = &statePartition{loaded: make(map[int64]map[int64]int64)}
	}
	return s
}

// begin loads the latest committed version of every partition.
func (s *stateStore) begin() {
	for _, p := range s.partitions {
		if snap, ok := p.loaded[p.version]; ok {
			p.hits++
			p.current = maps.Clone(snap)
			continue
		}
		p.misses++
		p.current = make(map[int64]int64)
	}
}

// commit publishes the working maps as the next version.
func (s *stateStore) commit() {
	for _, p := range s.partitions {
		p.version++
		p.loaded[p.version] = maps.Clone(p.current)
		for v := range p.loaded {
			if v <= p.version-versionsRetainedInMemory {
				delete(p.loaded, v)
			}
		}
	}
}

func (s *stateStore) partition(key int64) *statePartition {
	idx := key % int64(len(s.partitions))
	if idx < 0 {
		idx = -idx
	}
	return s.partitions[idx]
}

func (s *stateStore) increment(key int64) int64 {
	p := s.partition(key)
	p.current[key]++
	return p.current[key]
}

func (s *stateStore) get(key int64) int64 {
	return s.partition(key).current[key]
}

// evict removes keys accepted by drop and returns how many were removed.
func (s *stateStore) evict(drop func(key int64) bool) int64 {
	var removed int64
	for _, p := range s.partitions {
		for key := range p.current {
			if drop(key) {
				delete(p.current, key)
				removed++
			}
		}
	}
	return removed
}

func (s *stateStore) numRows() int64 {
	var n int64
	for _, p := range s.partitions {
		n += int64(len(p.current))
	}
	return n
}

func (s *stateStore) memoryUsedBytes() int64 {
	var n int64
	for _, p := range s.partitions {
		for _, m := range p.loaded {
			n += int64(len(m)) * stateEntryBytes
		}
		n += int64(len(p.current)) * stateEntryBytes
	}
	return n
}

// customMetrics returns the store's custom metrics summed over partitions.
func (s *stateStore) customMetrics() map[string]int64 {
	var hits, misses int64
	for _, p := range s.partitions {
		hits += p.hits
		misses += p.misses
	}
	return map[string]int64{
		metricCacheHits:       hits,
		metricCacheMisses:     misses,
		metricCurrentSizeByte: s.numRows() * stateEntryBytes,
	}
}
