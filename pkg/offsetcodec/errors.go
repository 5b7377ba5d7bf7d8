package offsetcodec

import "errors"

// ErrEncodingNotSupported is returned when no codec can represent the
// current window (every format overflows). Callers should treat this as
// routine: skip metadata for the affected partition and commit the bare
// offset instead.
var ErrEncodingNotSupported = errors.New("offsetcodec: no applicable encoding for window")

// ErrUnknownMagic is returned by Decode when the leading byte does not
// match any known codec. Unlike ErrEncodingNotSupported this indicates
// corrupt or foreign metadata, not a routine fallback.
var ErrUnknownMagic = errors.New("offsetcodec: unknown magic byte")

// ErrTruncated is returned by Decode when the payload ends before the
// format's header or a run/bitset is fully read.
var ErrTruncated = errors.New("offsetcodec: truncated payload")
