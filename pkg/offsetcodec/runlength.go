package offsetcodec

import (
	"encoding/binary"
	"math"
)

// runLengthCodec encodes alternating run lengths of consecutive complete
// then incomplete offsets, starting from the base offset. The first run
// is always a "complete" run, even if it has length zero (i.e. the base
// offset itself is incomplete). There is no terminator or count prefix:
// the decoder reads fixed-width integers until the payload is exhausted
// and the runs must sum to exactly the window's range.
type runLengthCodec struct {
	long bool
}

func (c runLengthCodec) id() Format {
	if c.long {
		return FormatRunLengthLong
	}
	return FormatRunLengthShort
}

func (c runLengthCodec) maxRun() uint64 {
	if c.long {
		return math.MaxUint32
	}
	return math.MaxUint16
}

func (c runLengthCodec) applies(w Window) bool {
	runs := computeRuns(w)
	max := c.maxRun()
	for _, r := range runs {
		if r > max {
			return false
		}
	}
	return true
}

func (c runLengthCodec) encode(w Window) []byte {
	runs := computeRuns(w)

	width := 2
	if c.long {
		width = 4
	}

	out := make([]byte, 1+len(runs)*width)
	out[0] = byte(c.id())
	for i, r := range runs {
		off := 1 + i*width
		if c.long {
			binary.BigEndian.PutUint32(out[off:off+4], uint32(r))
		} else {
			binary.BigEndian.PutUint16(out[off:off+2], uint16(r))
		}
	}
	return out
}

func decodeRunLength(data []byte, base uint64, long bool) (next uint64, incomplete []uint64, err error) {
	width := 2
	if long {
		width = 4
	}
	if len(data)%width != 0 {
		return 0, nil, ErrTruncated
	}

	offset := base
	complete := true
	for i := 0; i+width <= len(data); i += width {
		var run uint64
		if long {
			run = uint64(binary.BigEndian.Uint32(data[i : i+4]))
		} else {
			run = uint64(binary.BigEndian.Uint16(data[i : i+2]))
		}

		if !complete {
			for o := offset; o < offset+run; o++ {
				incomplete = append(incomplete, o)
			}
		}
		offset += run
		complete = !complete
	}
	return offset, incomplete, nil
}

// computeRuns returns alternating complete/incomplete run lengths,
// always starting with a (possibly zero-length) complete run. It walks
// only the incomplete offsets, so its cost is independent of the
// window's range: a sparse incomplete set over a huge window is cheap to
// describe even though the window itself cannot be bitset-encoded.
func computeRuns(w Window) []uint64 {
	runs := make([]uint64, 0, len(w.Incomplete)*2+1)
	pos := w.Base
	i := 0

	for i < len(w.Incomplete) {
		runStart := w.Incomplete[i]
		runs = append(runs, runStart-pos) // complete run before this gap

		j := i
		for j+1 < len(w.Incomplete) && w.Incomplete[j+1] == w.Incomplete[j]+1 {
			j++
		}
		runs = append(runs, w.Incomplete[j]-runStart+1) // incomplete run

		pos = w.Incomplete[j] + 1
		i = j + 1
	}
	runs = append(runs, w.Next-pos) // trailing complete run
	return runs
}
