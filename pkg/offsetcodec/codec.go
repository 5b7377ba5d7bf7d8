// Package offsetcodec encodes and decodes the set of incomplete offsets for a
// partition into the smallest byte sequence that still lets a reader
// reconstruct it from a base offset. The encoded form rides inside a
// broker commit's metadata field, so size is the only thing that matters:
// every applicable codec is tried and the smallest wins.
package offsetcodec

import "fmt"

// Format identifies which codec produced a payload. It is always the first
// byte on the wire.
type Format byte

const (
	// FormatBitsetShort stores one bit per offset in the window, preceded
	// by a u16 window width. Usable only for windows up to 32767 wide.
	FormatBitsetShort Format = 0xB1
	// FormatBitsetLong is the bitset format with a u32 window width.
	FormatBitsetLong Format = 0xB2
	// FormatRunLengthShort alternates complete/incomplete run lengths
	// encoded as u16, starting with a (possibly zero) complete run.
	FormatRunLengthShort Format = 0xF1
	// FormatRunLengthLong is the run-length format with u32 run lengths.
	FormatRunLengthLong Format = 0xF2
)

func (f Format) String() string {
	switch f {
	case FormatBitsetShort:
		return "bitset16"
	case FormatBitsetLong:
		return "bitset32"
	case FormatRunLengthShort:
		return "runlength16"
	case FormatRunLengthLong:
		return "runlength32"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(f))
	}
}

// Window is the domain of a single encode/decode: the half-open offset
// range [Base, Next) and the offsets within it known not to have
// completed successfully.
type Window struct {
	Base       uint64
	Next       uint64
	Incomplete []uint64 // sorted ascending, each in [Base, Next)
}

// Range is the window width, i.e. the number of offsets it covers.
func (w Window) Range() uint64 {
	if w.Next <= w.Base {
		return 0
	}
	return w.Next - w.Base
}

// codec is the pluggable capability every format implements: whether it
// applies to a given window, and how to encode/decode it. Selection is a
// reduce over the applicable codecs, picking the smallest payload.
type codec interface {
	id() Format
	applies(w Window) bool
	encode(w Window) []byte
}

var codecs = []codec{
	bitsetCodec{long: false},
	bitsetCodec{long: true},
	runLengthCodec{long: false},
	runLengthCodec{long: true},
}

// Encode picks the smallest applicable wire payload for w, including the
// leading magic byte. It returns ErrEncodingNotSupported if every codec
// overflows (e.g. a single run or the bitset length exceeds the format's
// integer width).
func Encode(w Window) ([]byte, Format, error) {
	var best []byte
	var bestFormat Format

	for _, c := range codecs {
		if !c.applies(w) {
			continue
		}
		payload := c.encode(w)
		if best == nil || len(payload) < len(best) {
			best = payload
			bestFormat = c.id()
		}
	}

	if best == nil {
		return nil, 0, ErrEncodingNotSupported
	}
	return best, bestFormat, nil
}

// EncodeWith encodes w with exactly one pinned format instead of
// letting selection pick the smallest. Testing only: it lets a caller
// exercise one codec's wire behavior end to end. It returns
// ErrEncodingNotSupported when f does not apply to w, and
// ErrUnknownMagic when f names no codec at all.
func EncodeWith(f Format, w Window) ([]byte, error) {
	for _, c := range codecs {
		if c.id() != f {
			continue
		}
		if !c.applies(w) {
			return nil, ErrEncodingNotSupported
		}
		return c.encode(w), nil
	}
	return nil, fmt.Errorf("%w: magic byte 0x%02x", ErrUnknownMagic, byte(f))
}

// Decode reads the magic byte from data, dispatches to the matching
// codec, and reconstructs the incomplete offset set relative to base. It
// also returns the reconstructed next-expected-offset, which callers use
// to re-raise a partition's high-water mark on recovery.
func Decode(data []byte, base uint64) (next uint64, incomplete []uint64, err error) {
	if len(data) == 0 {
		return base, nil, nil
	}

	switch Format(data[0]) {
	case FormatBitsetShort:
		return decodeBitset(data[1:], base, false)
	case FormatBitsetLong:
		return decodeBitset(data[1:], base, true)
	case FormatRunLengthShort:
		return decodeRunLength(data[1:], base, false)
	case FormatRunLengthLong:
		return decodeRunLength(data[1:], base, true)
	default:
		return 0, nil, fmt.Errorf("%w: magic byte 0x%02x", ErrUnknownMagic, data[0])
	}
}
