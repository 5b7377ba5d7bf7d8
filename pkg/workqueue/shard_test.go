package workqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func offsetsOf(containers []*WorkContainer) []int64 {
	out := make([]int64, len(containers))
	for i, wc := range containers {
		out[i] = wc.Record.Offset
	}
	return out
}

func TestShardKeyForModes(t *testing.T) {
	r := Record{Topic: "t", Partition: 3, Key: []byte("k")}

	assert.Equal(t, ShardKey{Topic: "t", Partition: 3}, ShardKeyFor(OrderingUnordered, r))
	assert.Equal(t, ShardKey{Topic: "t", Partition: 3}, ShardKeyFor(OrderingPartition, r))
	assert.Equal(t, ShardKey{Topic: "t", Key: "k"}, ShardKeyFor(OrderingKey, r))
}

func TestShardMapPartitionModeHeadOfLineBlocking(t *testing.T) {
	m := NewShardMap(OrderingPartition)
	key := ShardKey{Topic: "t", Partition: 0}
	now := time.Unix(0, 0)

	for off := int64(0); off < 3; off++ {
		wc := NewWorkContainer(Record{Topic: "t", Partition: 0, Offset: off}, key)
		m.Insert(key, off, wc)
	}

	taken := m.TakeWork(10, now)
	require.Len(t, taken, 1, "ordered modes emit only the head of the line")
	assert.Equal(t, int64(0), taken[0].Record.Offset)

	// The head is in flight and unresolved, so the shard yields nothing
	// more even though offsets 1 and 2 sit takeable behind it.
	more := m.TakeWork(10, now)
	assert.Empty(t, more)

	taken[0].Succeed()
	m.Remove(key, 0)

	more = m.TakeWork(10, now)
	require.Len(t, more, 1)
	assert.Equal(t, int64(1), more[0].Record.Offset)
}

func TestShardMapUnorderedModeRetakesFailedEntry(t *testing.T) {
	m := NewShardMap(OrderingUnordered)
	key := ShardKey{Topic: "t", Partition: 0}
	now := time.Unix(0, 0)

	containers := make([]*WorkContainer, 3)
	for off := int64(0); off < 3; off++ {
		wc := NewWorkContainer(Record{Topic: "t", Partition: 0, Offset: off}, key)
		containers[off] = wc
		m.Insert(key, off, wc)
	}

	taken := m.TakeWork(10, now)
	require.Len(t, taken, 3)
	containers[0].markTaken() // re-mark in-flight, simulating it's still being worked

	more := m.TakeWork(10, now)
	assert.Empty(t, more, "everything was already taken")

	// Fail offset 0 with an immediate retry, leave 1 and 2 succeeded.
	containers[0].Fail(now, func(int) time.Duration { return 0 })
	containers[1].Succeed()
	containers[2].Succeed()
	m.Remove(key, 1)
	m.Remove(key, 2)

	more = m.TakeWork(10, now)
	require.Len(t, more, 1, "the failed offset 0 is takeable again once its retry delay has elapsed")
	assert.Equal(t, int64(0), more[0].Record.Offset)
}

func TestShardMapKeyModeGCsEmptyShard(t *testing.T) {
	m := NewShardMap(OrderingKey)
	key := ShardKey{Topic: "t", Key: "k"}
	wc := NewWorkContainer(Record{Topic: "t", Key: []byte("k"), Offset: 0}, key)

	m.Insert(key, 0, wc)
	require.Equal(t, 1, m.Len())

	m.Remove(key, 0)
	assert.Equal(t, 0, m.Len(), "an emptied key-mode shard is garbage collected")

	// A later message under the same key reuses the tombstoned slot
	// instead of duplicating it in the traversal order.
	wc2 := NewWorkContainer(Record{Topic: "t", Key: []byte("k"), Offset: 1}, key)
	m.Insert(key, 1, wc2)
	require.Equal(t, 1, m.Len())

	taken := m.TakeWork(10, time.Unix(0, 0))
	require.Len(t, taken, 1)
	assert.Equal(t, int64(1), taken[0].Record.Offset)
}

func TestShardMapFairRoundRobinAcrossShards(t *testing.T) {
	m := NewShardMap(OrderingPartition)
	now := time.Unix(0, 0)

	var keys []ShardKey
	for p := int32(0); p < 3; p++ {
		key := ShardKey{Topic: "t", Partition: p}
		keys = append(keys, key)
		wc := NewWorkContainer(Record{Topic: "t", Partition: p, Offset: 0}, key)
		m.Insert(key, 0, wc)
	}

	// Budget of 1 forces one shard per call; across three calls every
	// shard should be visited exactly once.
	var visited []int32
	for i := 0; i < 3; i++ {
		taken := m.TakeWork(1, now)
		require.Len(t, taken, 1)
		visited = append(visited, taken[0].Record.Partition)
	}
	assert.ElementsMatch(t, []int32{0, 1, 2}, visited)
}

// TestShardMapFairnessUnderSustainedSupply checks the fairness
// contract: with every shard holding more work than one call's budget,
// successive single-item calls must still rotate through all of them
// instead of draining the first shard dry.
func TestShardMapFairnessUnderSustainedSupply(t *testing.T) {
	m := NewShardMap(OrderingUnordered)
	now := time.Unix(0, 0)

	for p := int32(0); p < 4; p++ {
		key := ShardKey{Topic: "t", Partition: p}
		for off := int64(0); off < 10; off++ {
			m.Insert(key, off, NewWorkContainer(Record{Topic: "t", Partition: p, Offset: off}, key))
		}
	}

	var served []int32
	for i := 0; i < 8; i++ {
		taken := m.TakeWork(1, now)
		require.Len(t, taken, 1)
		served = append(served, taken[0].Record.Partition)
	}
	assert.Equal(t, []int32{0, 1, 2, 3, 0, 1, 2, 3}, served)
}

func TestShardMapDropShardRemovesRegardlessOfMode(t *testing.T) {
	m := NewShardMap(OrderingPartition)
	key := ShardKey{Topic: "t", Partition: 0}
	wc := NewWorkContainer(Record{Topic: "t", Partition: 0, Offset: 0}, key)
	m.Insert(key, 0, wc)

	m.DropShard(key)
	assert.Equal(t, 0, m.Len())
	assert.Empty(t, m.TakeWork(10, time.Unix(0, 0)))
}
