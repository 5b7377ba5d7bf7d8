// Package commitplan computes, for each partition a work manager is
// tracking, the offset that is safe to commit to the broker along with
// the offset-map metadata describing any out-of-order gaps above it.
package commitplan

import (
	"github.com/grafana/parallel-consumer/pkg/offsetcodec"
	"github.com/grafana/parallel-consumer/pkg/workqueue"
)

// metadataBudget is the broker's commit-metadata string size limit,
// applied to the summed payloads of all partitions in one commit round.
const metadataBudget = 4096

// PartitionOffset is one partition's commit plan: the offset to commit
// and the opaque metadata string to attach to it, if any.
type PartitionOffset struct {
	Offset   int64
	Metadata string
}

// Source is the read side of a workqueue.Manager the planner needs: the
// set of tracked partitions and their queued containers in ascending
// offset order.
type Source interface {
	Partitions() []workqueue.PartitionKey
	Walk(pk workqueue.PartitionKey, fn func(offset int64, wc *workqueue.WorkContainer))
	RemoveUpTo(pk workqueue.PartitionKey, offsetInclusive int64)
}

// Planner computes commit plans from a Source.
type Planner struct {
	forced    offsetcodec.Format
	hasForced bool
}

// NewPlanner returns a ready-to-use Planner. It holds no state: every
// Plan call derives its result entirely from the Source passed in.
func NewPlanner() *Planner {
	return &Planner{}
}

// NewPlannerWithForcedCodec returns a Planner whose metadata encoding is
// pinned to a single format instead of smallest-wins selection. Testing
// only: it exists so codec-specific behavior can be exercised through
// the full planning path.
func NewPlannerWithForcedCodec(f offsetcodec.Format) *Planner {
	return &Planner{forced: f, hasForced: true}
}

// Plan computes a commit offset and metadata string for every partition
// with at least one tracked offset. When remove is true, entries fully
// accounted for by the computed commit offset (i.e. everything below
// it) are deleted from src, matching the broker-ack-then-prune sequence
// a caller runs after a successful OffsetCommit.
//
// Once every partition's payload is built, their UTF-8 lengths are
// summed against the metadata budget. A single partition can fit
// comfortably within metadataBudget on its own yet still blow the
// aggregate across a few hundred partitions, so the strip decision is
// global, not per-partition — every metadata string is cleared this
// round rather than picking and choosing which partitions keep theirs.
func (p *Planner) Plan(src Source, remove bool) map[workqueue.PartitionKey]PartitionOffset {
	out := make(map[workqueue.PartitionKey]PartitionOffset)
	total := 0
	for _, pk := range src.Partitions() {
		po, ok := p.planPartition(src, pk)
		if !ok {
			continue
		}
		out[pk] = po
		total += len(po.Metadata)
		if remove && po.Offset > 0 {
			src.RemoveUpTo(pk, po.Offset-1)
		}
	}

	if total > metadataBudget {
		for pk, po := range out {
			po.Metadata = ""
			out[pk] = po
		}
	}
	return out
}

// planPartition walks the partition's commit queue in ascending
// order, advancing the commit candidate through every
// contiguous succeeded entry from the head of the queue, and collecting
// every not-yet-succeeded offset above the break point as incomplete.
// Succeeded entries above that point are out-of-order completions: they
// are not listed as incomplete, so the codec's "absent means complete"
// convention covers them without needing the commit candidate itself to
// reach them. When nothing at the head has succeeded the emitted offset
// is the first queued (and therefore smallest incomplete) offset, which
// keeps the commit valid and the metadata window anchored at it.
func (p *Planner) planPartition(src Source, pk workqueue.PartitionKey) (PartitionOffset, bool) {
	first := true
	contiguous := true
	var candidate, last int64
	var incomplete []uint64

	src.Walk(pk, func(offset int64, wc *workqueue.WorkContainer) {
		if first {
			candidate = offset
			first = false
		}
		last = offset

		succeeded := wc.ResultState() == workqueue.ResultSucceeded
		if contiguous && offset == candidate && succeeded {
			candidate = offset + 1
			return
		}
		// A queue gap (an offset never registered, or already pruned)
		// breaks contiguous growth the same way a pending entry does.
		contiguous = false
		if !succeeded {
			incomplete = append(incomplete, uint64(offset))
		}
	})

	if first {
		return PartitionOffset{}, false
	}

	meta := ""
	if len(incomplete) > 0 {
		var err error
		meta, err = p.encodeMetadata(uint64(candidate), uint64(last+1), incomplete)
		if err != nil {
			// No codec can express this partition's gaps; commit the
			// bare offset and drop crash-recovery replay suppression
			// for it rather than fail the whole commit.
			meta = ""
		}
	}

	return PartitionOffset{Offset: candidate, Metadata: meta}, true
}

func (p *Planner) encodeMetadata(base, next uint64, incomplete []uint64) (string, error) {
	if p.hasForced {
		return offsetcodec.EncodeMetadataWith(p.forced, base, next, incomplete)
	}
	return offsetcodec.EncodeMetadata(base, next, incomplete)
}
