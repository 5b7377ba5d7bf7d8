package workqueue

import "sort"

// orderedOffsetMap is an ordered mapping from offset to work container,
// used both as a shard's queue and as a partition's commit queue; a
// single work container is referenced from both its shard and its
// partition queue. Offsets are kept sorted ascending; registration is
// mostly append-at-the-tail from the poller, with occasional
// out-of-order inserts from replay-suppressed recovery, so a sorted
// slice with binary-search insert is simpler and cache-friendlier here
// than a tree.
type orderedOffsetMap struct {
	offsets []int64
	items   map[int64]*WorkContainer
}

func newOrderedOffsetMap() *orderedOffsetMap {
	return &orderedOffsetMap{items: make(map[int64]*WorkContainer)}
}

func (m *orderedOffsetMap) put(offset int64, wc *WorkContainer) {
	if _, exists := m.items[offset]; exists {
		m.items[offset] = wc
		return
	}
	idx := sort.Search(len(m.offsets), func(i int) bool { return m.offsets[i] >= offset })
	m.offsets = append(m.offsets, 0)
	copy(m.offsets[idx+1:], m.offsets[idx:])
	m.offsets[idx] = offset
	m.items[offset] = wc
}

func (m *orderedOffsetMap) delete(offset int64) {
	if _, exists := m.items[offset]; !exists {
		return
	}
	delete(m.items, offset)
	idx := sort.Search(len(m.offsets), func(i int) bool { return m.offsets[i] >= offset })
	if idx < len(m.offsets) && m.offsets[idx] == offset {
		m.offsets = append(m.offsets[:idx], m.offsets[idx+1:]...)
	}
}

func (m *orderedOffsetMap) get(offset int64) (*WorkContainer, bool) {
	wc, ok := m.items[offset]
	return wc, ok
}

func (m *orderedOffsetMap) has(offset int64) bool {
	_, ok := m.items[offset]
	return ok
}

func (m *orderedOffsetMap) len() int { return len(m.offsets) }

// ascend calls fn for each entry in ascending offset order until fn
// returns false or entries are exhausted.
func (m *orderedOffsetMap) ascend(fn func(offset int64, wc *WorkContainer) bool) {
	for _, o := range m.offsets {
		if !fn(o, m.items[o]) {
			return
		}
	}
}

func (m *orderedOffsetMap) min() (int64, bool) {
	if len(m.offsets) == 0 {
		return 0, false
	}
	return m.offsets[0], true
}
