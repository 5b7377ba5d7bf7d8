package offsetcodec

import (
	"encoding/binary"
	"math"
)

// bitsetCodec encodes one bit per offset in the window; bit=1 iff that
// offset is incomplete. The window width is stored as a fixed-width
// integer immediately after the magic byte so the decoder knows how many
// bitset bytes follow. Bits are packed big-endian within each byte: bit i
// of the window lives at byte i/8, position 7-(i%8).
type bitsetCodec struct {
	long bool
}

const bitsetShortMaxRange = 32767

func (c bitsetCodec) id() Format {
	if c.long {
		return FormatBitsetLong
	}
	return FormatBitsetShort
}

func (c bitsetCodec) applies(w Window) bool {
	r := w.Range()
	if c.long {
		return r <= math.MaxUint32
	}
	return r <= bitsetShortMaxRange
}

func (c bitsetCodec) encode(w Window) []byte {
	r := w.Range()
	nbytes := int((r + 7) / 8)

	headerLen := 2
	if c.long {
		headerLen = 4
	}

	out := make([]byte, 1+headerLen+nbytes)
	out[0] = byte(c.id())
	if c.long {
		binary.BigEndian.PutUint32(out[1:5], uint32(r))
	} else {
		binary.BigEndian.PutUint16(out[1:3], uint16(r))
	}

	bitset := out[1+headerLen:]
	for _, offset := range w.Incomplete {
		i := offset - w.Base
		bitset[i/8] |= 1 << (7 - i%8)
	}
	return out
}

func decodeBitset(data []byte, base uint64, long bool) (next uint64, incomplete []uint64, err error) {
	headerLen := 2
	if long {
		headerLen = 4
	}
	if len(data) < headerLen {
		return 0, nil, ErrTruncated
	}

	var r uint64
	if long {
		r = uint64(binary.BigEndian.Uint32(data[:4]))
	} else {
		r = uint64(binary.BigEndian.Uint16(data[:2]))
	}

	bitset := data[headerLen:]
	nbytes := int((r + 7) / 8)
	if len(bitset) < nbytes {
		return 0, nil, ErrTruncated
	}

	for i := uint64(0); i < r; i++ {
		b := bitset[i/8]
		if b&(1<<(7-i%8)) != 0 {
			incomplete = append(incomplete, base+i)
		}
	}
	return base + r, incomplete, nil
}
