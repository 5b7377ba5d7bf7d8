package workqueue

import "go.uber.org/atomic"

// PartitionKey identifies one partition of one topic.
type PartitionKey struct {
	Topic     string
	Partition int32
}

// highWaterMarks tracks, per partition, the highest offset ever
// observed. It is raised by both the control thread (registration) and
// potentially a poller thread reading ahead, so raises go through an
// atomic compare-and-raise rather than a lock.
type highWaterMarks struct {
	marks map[PartitionKey]*atomic.Int64
}

func newHighWaterMarks() *highWaterMarks {
	return &highWaterMarks{marks: make(map[PartitionKey]*atomic.Int64)}
}

// raise bumps pk's HWM to offset if offset is higher than the current
// value, creating the counter on first use. Callers must already hold
// any lock needed to serialize creation of the counter itself; the CAS
// loop below only protects concurrent raises once it exists.
func (h *highWaterMarks) raise(pk PartitionKey, offset int64) {
	m, ok := h.marks[pk]
	if !ok {
		m = atomic.NewInt64(offset)
		h.marks[pk] = m
		return
	}
	for {
		cur := m.Load()
		if offset <= cur {
			return
		}
		if m.CAS(cur, offset) {
			return
		}
	}
}

// set unconditionally pins pk's HWM, used by rebalance assignment to
// seed it at the recovered base offset.
func (h *highWaterMarks) set(pk PartitionKey, offset int64) {
	if m, ok := h.marks[pk]; ok {
		m.Store(offset)
		return
	}
	h.marks[pk] = atomic.NewInt64(offset)
}

func (h *highWaterMarks) get(pk PartitionKey) (int64, bool) {
	m, ok := h.marks[pk]
	if !ok {
		return 0, false
	}
	return m.Load(), true
}

func (h *highWaterMarks) drop(pk PartitionKey) {
	delete(h.marks, pk)
}
