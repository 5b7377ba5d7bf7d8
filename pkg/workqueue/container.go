package workqueue

import (
	"sync"
	"time"
)

// Result is a work container's terminal outcome.
type Result int

const (
	// ResultPending means the record has not yet completed.
	ResultPending Result = iota
	// ResultSucceeded means the user function completed successfully.
	ResultSucceeded
	// ResultFailed means the most recent attempt failed; the container
	// is eligible to be retaken once its retry delay elapses.
	ResultFailed
)

func (r Result) String() string {
	switch r {
	case ResultSucceeded:
		return "succeeded"
	case ResultFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Record identifies a single message pulled from the broker.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	// Key is the opaque record key used to compute the shard key in
	// OrderingKey mode. Unused in the other ordering modes.
	Key []byte
}

// BackoffFunc computes a retry delay from the number of prior attempts.
type BackoffFunc func(attempt int) time.Duration

// DefaultBackoff grows linearly with the attempt count, capped at 30s.
func DefaultBackoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 500 * time.Millisecond
	const cap = 30 * time.Second
	if d > cap {
		return cap
	}
	return d
}

// WorkContainer is the per-record bookkeeping: an in-flight flag, an
// attempt count, a not-before instant for retry delay, and a terminal
// result. A single container is referenced from both its
// shard and its partition's commit queue; this struct is the shared slot
// both indices point at.
type WorkContainer struct {
	Record Record
	// Shard is the key this container was filed under at registration
	// time, kept so Success/Fail can locate and update its shard entry
	// without a separate reverse index.
	Shard ShardKey

	mu        sync.Mutex
	inFlight  bool
	attempt   int
	notBefore time.Time
	result    Result
}

// NewWorkContainer creates a pending, not-in-flight container for r,
// filed under shard.
func NewWorkContainer(r Record, shard ShardKey) *WorkContainer {
	return &WorkContainer{Record: r, Shard: shard}
}

// Takeable reports whether the container may be handed to a worker: not
// in-flight, not succeeded, and its retry delay (if any) has elapsed.
func (w *WorkContainer) Takeable(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.inFlight && w.result != ResultSucceeded && !now.Before(w.notBefore)
}

// markTaken flips the container to in-flight. Callers must have already
// confirmed Takeable under the same traversal; take_work never calls this
// on an unchecked container.
func (w *WorkContainer) markTaken() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inFlight = true
}

// Succeed marks the container Succeeded and clears in-flight, returning
// whether it actually transitioned out of in-flight. It is idempotent: a
// worker reporting success on a container a revoke already dropped from
// its shard sees wasInFlight == false on the repeat call, so callers can
// use the return value to avoid double-counting in_flight_count.
func (w *WorkContainer) Succeed() (wasInFlight bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	wasInFlight = w.inFlight
	w.inFlight = false
	w.result = ResultSucceeded
	return wasInFlight
}

// Fail marks the latest attempt failed, clears in-flight, and schedules
// the next eligible retry time using backoff. Returns whether it
// actually transitioned out of in-flight, for the same reason as Succeed.
func (w *WorkContainer) Fail(now time.Time, backoff BackoffFunc) (wasInFlight bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	wasInFlight = w.inFlight
	w.inFlight = false
	w.result = ResultFailed
	w.notBefore = now.Add(backoff(w.attempt))
	w.attempt++
	return wasInFlight
}

// release clears the in-flight flag without recording an outcome, used
// when a rebalance discards a partition while its workers are still
// running. Returns whether the flag was set, so the caller settles
// in-flight accounting exactly once; the worker's eventual Succeed or
// Fail then reports wasInFlight false and leaves the count alone.
func (w *WorkContainer) release() (wasInFlight bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	wasInFlight = w.inFlight
	w.inFlight = false
	return wasInFlight
}

// InFlight reports the container's current in-flight flag.
func (w *WorkContainer) InFlight() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight
}

// ResultState reports the container's current terminal result.
func (w *WorkContainer) ResultState() Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.result
}

// Attempt reports how many attempts have failed so far.
func (w *WorkContainer) Attempt() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attempt
}
