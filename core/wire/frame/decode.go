// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

package frame

// FromTLV constructs the concrete Frame for wire type t from its already
// length-validated value bytes. Unknown types are preserved verbatim as an
// UnknownFrame (spec.md §4.2) rather than rejected, so a decoded FrameSet
// re-encodes byte-identically.
//
// This is the "TLV constructor" spec.md §4.2 assigns to each dispatch
// table entry; core/wire/decoder owns the outer walk over a datagram and
// calls this per frame.
func FromTLV(t Type, val []byte) (Frame, error) {
	if isIntType(t) {
		return decodeIntValue(t, val)
	}
	switch t {
	case FTEndMarker:
		if len(val) != 0 {
			return nil, &ErrInvalidFrame{Type: t, Reason: "end marker must be zero-length"}
		}
		return &EndMarkerFrame{}, nil
	case FTSignature:
		return decodeSignature(val)
	case FTCompress:
		return decodeCompression(val)
	case FTCryptCurve25519:
		return decodeEncryption(val)
	case FTSeqno:
		return decodeSeqno(val)
	case FTCString:
		return decodeCString(val)
	case FTByteString:
		return decodeByteString(val)
	case FTAddress:
		return decodeAddress(val)
	default:
		return NewUnknown(t, val), nil
	}
}
