package workqueue

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Config selects the manager's ordering mode and capacity limits.
type Config struct {
	Ordering      OrderingMode
	MaxQueue      int
	MaxBeyondBase int
	// LoadingFactor multiplies MaxQueue in the throttle check. Zero is
	// treated as the default of 3.
	LoadingFactor int
	Clock         Clock
	Backoff       BackoffFunc
}

func (c Config) withDefaults() Config {
	if c.LoadingFactor <= 0 {
		c.LoadingFactor = 3
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Backoff == nil {
		c.Backoff = DefaultBackoff
	}
	return c
}

// Manager owns the inbox, the shard map, the per-partition commit
// queues, the high-water marks, and the incomplete-offset sets restored
// by rebalance assignment. It is the single writer of the shard and
// commit-queue maps: registration, success, and failure all
// run on the control thread or hand off through it, while workers only
// mutate a work container's own fields through Success/Fail.
type Manager struct {
	cfg Config

	inbox  *inbox
	shards *ShardMap

	mu           sync.Mutex
	commitQueues map[PartitionKey]*orderedOffsetMap
	hwm          *highWaterMarks
	incomplete   map[PartitionKey]map[int64]struct{}

	inFlightCount atomic.Int64
	dirty         atomic.Bool

	onSuccess []func(Record)
	onFail    []func(Record)
}

// NewManager creates an empty manager for cfg.
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:          cfg,
		inbox:        newInbox(),
		shards:       NewShardMap(cfg.Ordering),
		commitQueues: make(map[PartitionKey]*orderedOffsetMap),
		hwm:          newHighWaterMarks(),
		incomplete:   make(map[PartitionKey]map[int64]struct{}),
	}
}

// OnSuccess registers a listener invoked (on the calling goroutine) every
// time a container transitions to Succeeded. Used by callers that want
// to drive metrics or logging off success events without polling.
func (m *Manager) OnSuccess(fn func(Record)) {
	m.mu.Lock()
	m.onSuccess = append(m.onSuccess, fn)
	m.mu.Unlock()
}

// OnFail registers a listener invoked (on the calling goroutine) every
// time a container transitions to Failed, mirroring OnSuccess.
func (m *Manager) OnFail(fn func(Record)) {
	m.mu.Lock()
	m.onFail = append(m.onFail, fn)
	m.mu.Unlock()
}

// Push enqueues a record from the broker poller. Safe to call from any
// number of poller goroutines.
func (m *Manager) Push(r Record) {
	m.inbox.Push(r)
}

// DrainAndRegister drains the inbox and registers each record,
// returning the number actually registered (as opposed to dropped by
// replay suppression). Must only be called from the control thread.
func (m *Manager) DrainAndRegister(now time.Time) int {
	records := m.inbox.Drain()
	registered := 0
	for _, r := range records {
		if m.register(r, now) {
			registered++
		}
	}
	return registered
}

func (m *Manager) register(r Record, _ time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	pk := PartitionKey{Topic: r.Topic, Partition: r.Partition}

	if hwm, ok := m.hwm.get(pk); ok && r.Offset < hwm {
		if !m.isIncompleteLocked(pk, r.Offset) {
			return false // previously completed; drop (replay suppression)
		}
	}

	key := ShardKeyFor(m.cfg.Ordering, r)
	wc := NewWorkContainer(r, key)

	m.shards.Insert(key, r.Offset, wc)
	m.commitQueueFor(pk).put(r.Offset, wc)
	m.hwm.raise(pk, r.Offset)
	return true
}

func (m *Manager) isIncompleteLocked(pk PartitionKey, offset int64) bool {
	set, ok := m.incomplete[pk]
	if !ok {
		return false
	}
	_, ok = set[offset]
	return ok
}

func (m *Manager) commitQueueFor(pk PartitionKey) *orderedOffsetMap {
	q, ok := m.commitQueues[pk]
	if !ok {
		q = newOrderedOffsetMap()
		m.commitQueues[pk] = q
	}
	return q
}

// TakeWork returns up to requestedMax takeable containers. The
// effective budget also accounts for MaxQueue, MaxBeyondBase, and the
// number of containers currently in flight.
func (m *Manager) TakeWork(requestedMax int) []*WorkContainer {
	budget := requestedMax
	if m.cfg.MaxQueue > 0 && m.cfg.MaxQueue < budget {
		budget = m.cfg.MaxQueue
	}
	if m.cfg.MaxBeyondBase > 0 && m.cfg.MaxBeyondBase < budget {
		budget = m.cfg.MaxBeyondBase
	}
	budget -= int(m.inFlightCount.Load())
	if budget <= 0 {
		return nil
	}

	taken := m.shards.TakeWork(budget, m.cfg.Clock.Now())
	m.inFlightCount.Add(int64(len(taken)))
	return taken
}

// Success reports that wc's user function completed.
func (m *Manager) Success(wc *WorkContainer) {
	wasInFlight := wc.Succeed()
	if wasInFlight {
		m.inFlightCount.Add(-1)
	}
	m.dirty.Store(true)
	m.shards.Remove(wc.Shard, wc.Record.Offset)

	m.mu.Lock()
	listeners := append([]func(Record){}, m.onSuccess...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(wc.Record)
	}
}

// Fail reports that wc's latest attempt failed. The
// container remains in its shard, eligible to be retaken once its
// backoff delay elapses.
func (m *Manager) Fail(wc *WorkContainer) {
	wasInFlight := wc.Fail(m.cfg.Clock.Now(), m.cfg.Backoff)
	if wasInFlight {
		m.inFlightCount.Add(-1)
	}

	m.mu.Lock()
	listeners := append([]func(Record){}, m.onFail...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(wc.Record)
	}
}

// InFlightCount returns the current number of in-flight containers.
func (m *Manager) InFlightCount() int64 {
	return m.inFlightCount.Load()
}

// Dirty reports whether any container has succeeded since the last
// ClearDirty call.
func (m *Manager) Dirty() bool {
	return m.dirty.Load()
}

// ClearDirty resets the dirty flag, typically called by the committer
// right after it decides whether to commit.
func (m *Manager) ClearDirty() {
	m.dirty.Store(false)
}

// ShouldThrottle reports whether the poller should stop fetching
// because remaining work has outgrown either capacity limit.
func (m *Manager) ShouldThrottle() bool {
	remaining := m.remainingWork()
	if m.cfg.MaxQueue > 0 && remaining > m.cfg.MaxQueue*m.cfg.LoadingFactor {
		return true
	}
	if m.cfg.MaxBeyondBase > 0 && remaining > m.cfg.MaxBeyondBase {
		return true
	}
	return false
}

func (m *Manager) remainingWork() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, q := range m.commitQueues {
		total += q.len()
	}
	return total
}

// ShardCount reports the number of live shards, used by fairness tests
// and diagnostics.
func (m *Manager) ShardCount() int {
	return m.shards.Len()
}

// Assigned handles rebalance assignment for pk: it seeds the
// partition's high-water mark at baseOffset and records incomplete as
// the set of offsets the committer's offset-map codec reported as not
// yet processed, so a later register() of one of those offsets is not
// mistaken for replay.
//
// Assignment deliberately seeds the mark at the base offset rather
// than at the recovered window's upper bound: offsets between base and
// the previous next-expected that are absent from incomplete may be
// re-registered and reprocessed after a rebalance, the same
// replay-of-completed-work degradation a stripped metadata field
// already causes.
func (m *Manager) Assigned(pk PartitionKey, baseOffset int64, incomplete []int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hwm.set(pk, baseOffset)

	set := make(map[int64]struct{}, len(incomplete))
	for _, off := range incomplete {
		set[off] = struct{}{}
	}
	m.incomplete[pk] = set

	if _, ok := m.commitQueues[pk]; !ok {
		m.commitQueues[pk] = newOrderedOffsetMap()
	}
}

// Revoked handles a cooperative rebalance revoke of pk: every
// container still queued for pk is dropped from its shard and from pk's
// commit queue, and any in-flight accounting it held is released.
func (m *Manager) Revoked(pk PartitionKey) {
	m.forgetPartition(pk)
}

// Lost handles an involuntary loss of pk, identical in
// effect to Revoked: the partition may already be owned by another
// consumer by the time this call lands, so no commit should be attempted
// for it.
func (m *Manager) Lost(pk PartitionKey) {
	m.forgetPartition(pk)
}

func (m *Manager) forgetPartition(pk PartitionKey) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.commitQueues[pk]
	if ok {
		dropped := int64(0)
		q.ascend(func(offset int64, wc *WorkContainer) bool {
			// Clearing the flag here, not just counting it, keeps a
			// worker's post-revoke Success/Fail from releasing the same
			// in-flight slot a second time.
			if wc.release() {
				dropped++
			}
			m.shards.Remove(wc.Shard, offset)
			return true
		})
		if dropped > 0 {
			m.inFlightCount.Add(-dropped)
		}
		delete(m.commitQueues, pk)
	}

	// Partition and Unordered modes map one shard key to one partition;
	// that shard must be dropped explicitly since Remove only auto-GCs
	// empty shards in Key mode, where a shard can still hold entries for
	// other partitions.
	if m.cfg.Ordering != OrderingKey {
		m.shards.DropShard(ShardKey{Topic: pk.Topic, Partition: pk.Partition})
	}

	delete(m.incomplete, pk)
	m.hwm.drop(pk)
}

// Partitions returns the set of partitions with a live commit queue, for
// the commit planner to iterate.
func (m *Manager) Partitions() []PartitionKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PartitionKey, 0, len(m.commitQueues))
	for pk := range m.commitQueues {
		out = append(out, pk)
	}
	return out
}

// BaseOffset returns pk's current high-water mark, the highest offset
// ever observed for the partition (or the recovered base right after
// assignment, before any record lands).
func (m *Manager) BaseOffset(pk PartitionKey) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hwm.get(pk)
}

// Walk calls fn for every container currently queued for pk, in
// ascending offset order. fn must not call back into the Manager.
func (m *Manager) Walk(pk PartitionKey, fn func(offset int64, wc *WorkContainer)) {
	m.mu.Lock()
	q, ok := m.commitQueues[pk]
	m.mu.Unlock()
	if !ok {
		return
	}
	q.ascend(func(offset int64, wc *WorkContainer) bool {
		fn(offset, wc)
		return true
	})
}

// RemoveUpTo deletes every entry at or below offsetInclusive from pk's
// commit queue and its shard, called by the committer once it has
// computed a safe commit point.
func (m *Manager) RemoveUpTo(pk PartitionKey, offsetInclusive int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.commitQueues[pk]
	if !ok {
		return
	}

	var toRemove []int64
	q.ascend(func(offset int64, wc *WorkContainer) bool {
		if offset > offsetInclusive {
			return false
		}
		toRemove = append(toRemove, offset)
		return true
	})

	for _, offset := range toRemove {
		wc, _ := q.get(offset)
		if wc != nil {
			m.shards.Remove(wc.Shard, offset)
		}
		q.delete(offset)
	}
}
