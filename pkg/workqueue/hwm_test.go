package workqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHighWaterMarksRaiseIsMonotonic(t *testing.T) {
	h := newHighWaterMarks()
	pk := PartitionKey{Topic: "t", Partition: 0}

	_, ok := h.get(pk)
	assert.False(t, ok)

	h.raise(pk, 5)
	v, ok := h.get(pk)
	require.True(t, ok)
	assert.Equal(t, int64(5), v)

	h.raise(pk, 3) // lower value must not regress the mark
	v, _ = h.get(pk)
	assert.Equal(t, int64(5), v)

	h.raise(pk, 10)
	v, _ = h.get(pk)
	assert.Equal(t, int64(10), v)
}

func TestHighWaterMarksSetPinsUnconditionally(t *testing.T) {
	h := newHighWaterMarks()
	pk := PartitionKey{Topic: "t", Partition: 0}

	h.raise(pk, 100)
	h.set(pk, 40) // rebalance-assign may rewind the mark

	v, ok := h.get(pk)
	require.True(t, ok)
	assert.Equal(t, int64(40), v)
}

func TestHighWaterMarksDrop(t *testing.T) {
	h := newHighWaterMarks()
	pk := PartitionKey{Topic: "t", Partition: 0}
	h.set(pk, 1)
	h.drop(pk)

	_, ok := h.get(pk)
	assert.False(t, ok)
}
