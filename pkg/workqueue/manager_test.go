package workqueue

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestManagerRegisterAndTakeWork(t *testing.T) {
	clock := fixedClock{now: time.Unix(0, 0)}
	m := NewManager(Config{Ordering: OrderingUnordered, Clock: clock})

	for off := int64(0); off < 4; off++ {
		m.Push(Record{Topic: "t", Partition: 0, Offset: off})
	}
	registered := m.DrainAndRegister(clock.now)
	assert.Equal(t, 4, registered)

	taken := m.TakeWork(10)
	require.Len(t, taken, 4)
	assert.Equal(t, int64(4), m.InFlightCount())
}

func TestManagerSuccessClearsInFlightAndRemovesFromShard(t *testing.T) {
	clock := fixedClock{now: time.Unix(0, 0)}
	m := NewManager(Config{Ordering: OrderingUnordered, Clock: clock})
	m.Push(Record{Topic: "t", Partition: 0, Offset: 0})
	m.DrainAndRegister(clock.now)

	taken := m.TakeWork(10)
	require.Len(t, taken, 1)
	assert.Equal(t, int64(1), m.InFlightCount())

	m.Success(taken[0])
	assert.Equal(t, int64(0), m.InFlightCount())
	assert.True(t, m.Dirty())

	// The shard entry is gone (no longer takeable or retried), but the
	// commit queue keeps the succeeded container until a commit plan
	// prunes it via RemoveUpTo.
	assert.False(t, m.shards.shards[ShardKey{Topic: "t", Partition: 0}].items.has(0))

	var remaining []int64
	m.Walk(PartitionKey{Topic: "t", Partition: 0}, func(offset int64, _ *WorkContainer) {
		remaining = append(remaining, offset)
	})
	assert.Equal(t, []int64{0}, remaining)
}

func TestManagerFailReleasesInFlightAndKeepsContainerQueued(t *testing.T) {
	clock := fixedClock{now: time.Unix(0, 0)}
	m := NewManager(Config{
		Ordering: OrderingUnordered,
		Clock:    clock,
		Backoff:  func(int) time.Duration { return time.Minute },
	})
	m.Push(Record{Topic: "t", Partition: 0, Offset: 0})
	m.DrainAndRegister(clock.now)

	taken := m.TakeWork(10)
	require.Len(t, taken, 1)

	m.Fail(taken[0])
	assert.Equal(t, int64(0), m.InFlightCount())

	again := m.TakeWork(10)
	assert.Empty(t, again, "still inside the backoff window")
}

func TestManagerReplaySuppressionDropsAlreadyCompletedOffsets(t *testing.T) {
	clock := fixedClock{now: time.Unix(0, 0)}
	m := NewManager(Config{Ordering: OrderingUnordered, Clock: clock})

	m.Push(Record{Topic: "t", Partition: 0, Offset: 0})
	m.Push(Record{Topic: "t", Partition: 0, Offset: 1})
	m.DrainAndRegister(clock.now)
	taken := m.TakeWork(10)
	for _, wc := range taken {
		m.Success(wc)
	}

	// A crash-recovery replay redelivers offset 0, which is below the
	// partition's high-water mark and not in the incomplete set: it must
	// be dropped rather than reprocessed.
	m.Push(Record{Topic: "t", Partition: 0, Offset: 0})
	registered := m.DrainAndRegister(clock.now)
	assert.Equal(t, 0, registered)
}

func TestManagerAssignedSeedsIncompleteSet(t *testing.T) {
	clock := fixedClock{now: time.Unix(0, 0)}
	m := NewManager(Config{Ordering: OrderingUnordered, Clock: clock})
	pk := PartitionKey{Topic: "t", Partition: 0}

	m.Assigned(pk, 10, []int64{9})

	// Offset 8 is below the HWM and not incomplete: replay suppressed.
	m.Push(Record{Topic: "t", Partition: 0, Offset: 8})
	registered := m.DrainAndRegister(clock.now)
	assert.Equal(t, 0, registered)

	// Offset 9 is below the HWM but listed incomplete: must register.
	m.Push(Record{Topic: "t", Partition: 0, Offset: 9})
	registered = m.DrainAndRegister(clock.now)
	assert.Equal(t, 1, registered)
}

func TestManagerRevokedDropsPartitionState(t *testing.T) {
	clock := fixedClock{now: time.Unix(0, 0)}
	m := NewManager(Config{Ordering: OrderingPartition, Clock: clock})
	pk := PartitionKey{Topic: "t", Partition: 0}

	m.Push(Record{Topic: "t", Partition: 0, Offset: 0})
	m.DrainAndRegister(clock.now)
	taken := m.TakeWork(10)
	require.Len(t, taken, 1)

	m.Revoked(pk)
	assert.Equal(t, int64(0), m.InFlightCount(), "in-flight accounting for the revoked partition is released")
	assert.Equal(t, 0, m.ShardCount())

	var walked []int64
	m.Walk(pk, func(offset int64, _ *WorkContainer) { walked = append(walked, offset) })
	assert.Empty(t, walked)
}

// TestManagerSuccessAfterRevokeIsNoOp: a worker still running when its
// partition is revoked must be able to report the outcome afterwards without disturbing in-flight accounting or the
// already-dropped shard and commit-queue state.
func TestManagerSuccessAfterRevokeIsNoOp(t *testing.T) {
	clock := fixedClock{now: time.Unix(0, 0)}
	m := NewManager(Config{Ordering: OrderingPartition, Clock: clock})
	pk := PartitionKey{Topic: "t", Partition: 0}

	m.Push(Record{Topic: "t", Partition: 0, Offset: 0})
	m.Push(Record{Topic: "t", Partition: 0, Offset: 1})
	m.DrainAndRegister(clock.now)
	taken := m.TakeWork(10)
	require.Len(t, taken, 1, "partition mode only hands out the head of the line")

	m.Revoked(pk)
	require.Equal(t, int64(0), m.InFlightCount())

	m.Success(taken[0])
	assert.Equal(t, int64(0), m.InFlightCount(), "revoke already settled this container's in-flight slot")

	m.Fail(taken[0])
	assert.Equal(t, int64(0), m.InFlightCount())
}

// TestManagerKeyModeShardGC checks that once every record for a key
// has succeeded, nothing remains in the shard map.
func TestManagerKeyModeShardGC(t *testing.T) {
	clock := fixedClock{now: time.Unix(0, 0)}
	m := NewManager(Config{Ordering: OrderingKey, Clock: clock})

	const keys = 10000
	for i := 0; i < keys; i++ {
		m.Push(Record{Topic: "t", Partition: 0, Offset: int64(i), Key: []byte(fmt.Sprintf("key-%d", i))})
	}
	require.Equal(t, keys, m.DrainAndRegister(clock.now))
	require.Equal(t, keys, m.ShardCount())

	taken := m.TakeWork(keys)
	require.Len(t, taken, keys)
	for _, wc := range taken {
		m.Success(wc)
	}
	assert.Equal(t, 0, m.ShardCount())
}

func TestManagerShouldThrottle(t *testing.T) {
	clock := fixedClock{now: time.Unix(0, 0)}
	m := NewManager(Config{Ordering: OrderingUnordered, Clock: clock, MaxQueue: 2, LoadingFactor: 2})

	for off := int64(0); off < 5; off++ {
		m.Push(Record{Topic: "t", Partition: 0, Offset: off})
	}
	m.DrainAndRegister(clock.now)
	assert.True(t, m.ShouldThrottle(), "5 queued exceeds MaxQueue(2) * LoadingFactor(2) = 4")
}

// TestManagerConcurrentTakeAndResolve drives many goroutines taking and
// resolving work concurrently to catch data races around the shared
// shard map and in-flight counter.
func TestManagerConcurrentTakeAndResolve(t *testing.T) {
	clock := fixedClock{now: time.Unix(0, 0)}
	m := NewManager(Config{Ordering: OrderingUnordered, Clock: clock})

	const n = 500
	for off := int64(0); off < n; off++ {
		m.Push(Record{Topic: "t", Partition: int32(off % 8), Offset: off})
	}
	m.DrainAndRegister(clock.now)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			consecutiveEmpty := 0
			for consecutiveEmpty < 50 {
				taken := m.TakeWork(4)
				if len(taken) == 0 {
					consecutiveEmpty++
					continue
				}
				consecutiveEmpty = 0
				for _, wc := range taken {
					m.Success(wc)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(0), m.InFlightCount())
}
