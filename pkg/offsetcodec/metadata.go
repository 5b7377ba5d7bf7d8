package offsetcodec

import "encoding/base64"

// EncodeMetadata selects the smallest applicable codec for the window
// [base, next) and returns the base64 string suitable for a broker
// commit's metadata field. base is not itself encoded: it is the commit
// offset the metadata will be attached to, and is supplied again to
// DecodeMetadata on recovery.
func EncodeMetadata(base, next uint64, incomplete []uint64) (string, error) {
	data, _, err := Encode(Window{Base: base, Next: next, Incomplete: incomplete})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// EncodeMetadataWith is EncodeMetadata with codec selection pinned to a
// single format. Testing only, like EncodeWith.
func EncodeMetadataWith(f Format, base, next uint64, incomplete []uint64) (string, error) {
	data, err := EncodeWith(f, Window{Base: base, Next: next, Incomplete: incomplete})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeMetadata reverses EncodeMetadata given the base offset the
// metadata was committed against (typically the offset just read back
// from the broker for this partition). An empty string decodes to an
// empty incomplete set with next == base.
func DecodeMetadata(meta string, base uint64) (next uint64, incomplete []uint64, err error) {
	if meta == "" {
		return base, nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(meta)
	if err != nil {
		return 0, nil, err
	}
	return Decode(data, base)
}
