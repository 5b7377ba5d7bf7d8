package workqueue

import (
	"sync"
	"time"
)

// OrderingMode selects how records are sharded.
type OrderingMode int

const (
	// OrderingUnordered shards by (topic, partition) but does not
	// preserve per-key order within a shard: take_work may emit more
	// than one container from the same shard per call.
	OrderingUnordered OrderingMode = iota
	// OrderingPartition shards by (topic, partition) and enforces
	// head-of-line blocking within each shard.
	OrderingPartition
	// OrderingKey shards by the record key and enforces head-of-line
	// blocking within each shard.
	OrderingKey
)

// ShardKey identifies one processing shard.
type ShardKey struct {
	Topic     string
	Partition int32
	Key       string
}

// ShardKeyFor computes the shard key for r under ordering.
func ShardKeyFor(ordering OrderingMode, r Record) ShardKey {
	if ordering == OrderingKey {
		return ShardKey{Topic: r.Topic, Key: string(r.Key)}
	}
	return ShardKey{Topic: r.Topic, Partition: r.Partition}
}

type shard struct {
	items *orderedOffsetMap
}

// ShardMap routes work containers into per-key ordered queues and hands
// them out through a fair, resumable round-robin iterator.
//
// The traversal cursor is a plain index into an append-only key list
// plus a liveness map; removing a shard leaves a tombstoned slot behind
// rather than compacting the list, so the cursor never needs to be
// rebased mid-traversal. A shard key added after a traversal started is
// simply appended past the end of the current lap and is not visited
// until the next one.
type ShardMap struct {
	mu sync.Mutex

	ordering OrderingMode
	order    []ShardKey
	index    map[ShardKey]int // key -> position in order; kept after removal so a re-inserted key reuses its slot
	shards   map[ShardKey]*shard

	resumeIdx int
}

// NewShardMap creates an empty shard map for the given ordering mode.
func NewShardMap(ordering OrderingMode) *ShardMap {
	return &ShardMap{
		ordering: ordering,
		index:    make(map[ShardKey]int),
		shards:   make(map[ShardKey]*shard),
	}
}

// Insert registers wc at offset within the shard for key, creating the
// shard (and appending it to the traversal order) if it doesn't exist.
func (m *ShardMap) Insert(key ShardKey, offset int64, wc *WorkContainer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.shards[key]
	if !ok {
		s = &shard{items: newOrderedOffsetMap()}
		m.shards[key] = s
		// A key whose shard was GC'd while empty (OrderingKey mode) still
		// owns a slot in order; reuse it instead of listing the key twice.
		if _, seen := m.index[key]; !seen {
			m.index[key] = len(m.order)
			m.order = append(m.order, key)
		}
	}
	s.items.put(offset, wc)
}

// Remove drops offset from key's shard. In OrderingKey mode, if the
// shard becomes empty its entry is dropped entirely: no
// further messages for that key are expected soon, so its traversal slot
// is tombstoned and skipped on future laps.
func (m *ShardMap) Remove(key ShardKey, offset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(key, offset)
}

func (m *ShardMap) removeLocked(key ShardKey, offset int64) {
	s, ok := m.shards[key]
	if !ok {
		return
	}
	s.items.delete(offset)
	if s.items.len() == 0 && m.ordering == OrderingKey {
		delete(m.shards, key)
	}
}

// DropShard removes key's shard entirely, regardless of ordering mode or
// emptiness. Used by rebalance revoke/loss handling.
func (m *ShardMap) DropShard(key ShardKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.shards, key)
}

// Len reports the number of currently live (non-tombstoned) shards.
func (m *ShardMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.shards)
}

// TakeWork performs one fair traversal starting at the last resume
// point, taking up to budget takeable containers. It visits every shard
// key currently in the traversal order at most once per call, wrapping
// around exactly once. Unordered shards may yield more than one
// container per call; Partition and Key shards yield at most their
// head-of-line container, and nothing while it is blocked.
func (m *ShardMap) TakeWork(budget int, now time.Time) []*WorkContainer {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.order)
	if n == 0 || budget <= 0 {
		return nil
	}

	start := m.resumeIdx % n
	var taken []*WorkContainer

	for visited := 0; visited < n; visited++ {
		idx := (start + visited) % n
		key := m.order[idx]

		s, ok := m.shards[key]
		if !ok {
			continue // tombstoned: this shard was dropped since it was listed
		}

		full := false
		s.items.ascend(func(offset int64, wc *WorkContainer) bool {
			if !wc.Takeable(now) {
				// Ordered modes block on the head of the line; unordered
				// shards skip past a blocked container and keep scanning.
				return m.ordering == OrderingUnordered
			}
			wc.markTaken()
			taken = append(taken, wc)
			if len(taken) >= budget {
				full = true
				return false
			}
			// Ordered modes emit at most the head-of-line container per
			// shard per call, so no two containers from one shard are
			// ever in flight at once.
			return m.ordering == OrderingUnordered
		})

		if full {
			// Resume after the shard that filled the budget, not at it:
			// restarting on the same overfull shard would starve every
			// other shard under sustained supply in Unordered mode.
			m.resumeIdx = idx + 1
			return taken
		}
	}

	// Completed a full lap without filling the budget; next call starts
	// the next lap from the same point.
	m.resumeIdx = start
	return taken
}
