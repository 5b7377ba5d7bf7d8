package workqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkContainerTakeableLifecycle(t *testing.T) {
	now := time.Unix(0, 0)
	wc := NewWorkContainer(Record{Topic: "t", Partition: 0, Offset: 1}, ShardKey{Topic: "t", Partition: 0})

	assert.True(t, wc.Takeable(now))
	wc.markTaken()
	assert.False(t, wc.Takeable(now), "a taken container is not takeable again until it resolves")

	wasInFlight := wc.Succeed()
	assert.True(t, wasInFlight)
	assert.False(t, wc.Takeable(now), "a succeeded container is never takeable again")
	assert.Equal(t, ResultSucceeded, wc.ResultState())

	// A repeat Succeed (e.g. a worker reporting after a revoke already
	// dropped the container) must not claim it was still in flight.
	assert.False(t, wc.Succeed())
}

func TestWorkContainerFailSchedulesBackoff(t *testing.T) {
	now := time.Unix(1000, 0)
	wc := NewWorkContainer(Record{Topic: "t", Partition: 0, Offset: 1}, ShardKey{Topic: "t", Partition: 0})
	wc.markTaken()

	backoff := func(attempt int) time.Duration {
		require.Equal(t, 0, attempt)
		return 5 * time.Second
	}
	wasInFlight := wc.Fail(now, backoff)
	assert.True(t, wasInFlight)
	assert.Equal(t, ResultFailed, wc.ResultState())
	assert.Equal(t, 1, wc.Attempt())

	assert.False(t, wc.Takeable(now), "not yet past the backoff window")
	assert.True(t, wc.Takeable(now.Add(5*time.Second)), "takeable once the backoff window elapses")
}

func TestDefaultBackoffCaps(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, DefaultBackoff(1))
	assert.Equal(t, 30*time.Second, DefaultBackoff(1000))
}
