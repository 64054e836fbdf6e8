// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package frame implements the Frame family (spec.md §3/§4.2, component
// C2): typed values that self-marshal into TLVs. Concrete variants are
// plain Go structs implementing the Frame interface — a tagged sum type,
// per spec.md §9's "tagged variants over C-style virtual dispatch" note.
package frame

import "fmt"

// Type is the 16-bit wire type code of a frame.
type Type uint16

// Well-known frame types. Application-specific types (obey-commands,
// discovery payloads) are allocated starting at FTAppBase. FromTLV
// dispatches on the type code with a switch rather than a table.
const (
	FTEndMarker       Type = 0
	FTSignature       Type = 1
	FTCompress        Type = 2
	FTCryptCurve25519 Type = 3
	FTSeqno           Type = 4 // REQID: session_id||request_id||queue_id
	FTCString         Type = 5
	FTByteString      Type = 6 // length-delimited, not NUL-terminated (e.g. JSON payloads)
	FTAddress         Type = 7

	FTIntSigned8  Type = 10
	FTIntSigned16 Type = 11
	FTIntSigned24 Type = 12
	FTIntSigned32 Type = 13
	FTIntSigned64 Type = 14

	FTIntUnsigned8  Type = 20
	FTIntUnsigned16 Type = 21
	FTIntUnsigned24 Type = 22
	FTIntUnsigned32 Type = 23
	FTIntUnsigned64 Type = 24

	// FTAppBase is the first type code available to application-level
	// frames (nanoprobe obey-command payloads, discovery names, etc.).
	FTAppBase Type = 100

	// FTMax is the highest frame type code in this package's numbering.
	// FromTLV does not consult it: any code without a case of its own
	// decodes as an UnknownFrame.
	FTMax Type = 4095
)

// Frame is the common interface implemented by every concrete frame
// variant. A well-formed Frame's WireLen always equals len(Encode()).
type Frame interface {
	// Type returns the frame's 16-bit wire type code.
	Type() Type

	// ValueLen returns the length of the TLV value, i.e. the wire length
	// field (spec.md §3: "24-bit length-on-wire").
	ValueLen() int

	// WireLen returns the total TLV size: 2 (type) + 3 (length) + ValueLen().
	WireLen() int

	// Encode returns the complete TLV encoding of the frame.
	Encode() []byte

	// Equal reports whether other is byte-identical to this frame once
	// both are encoded — used by the round-trip invariant (spec.md §8).
	Equal(other Frame) bool
}

// HeaderLen is the fixed TLV header size: type(2) + length(3).
const HeaderLen = 5

func encodeHeader(t Type, valueLen int) []byte {
	buf := make([]byte, HeaderLen)
	buf[0] = byte(t >> 8)
	buf[1] = byte(t)
	buf[2] = byte(valueLen >> 16)
	buf[3] = byte(valueLen >> 8)
	buf[4] = byte(valueLen)
	return buf
}

func wireLenEqual(a, b Frame) bool {
	ea, eb := a.Encode(), b.Encode()
	if len(ea) != len(eb) {
		return false
	}
	for i := range ea {
		if ea[i] != eb[i] {
			return false
		}
	}
	return true
}

// ErrInvalidFrame is returned by constructors given malformed TLV bytes.
type ErrInvalidFrame struct {
	Type   Type
	Reason string
}

func (e *ErrInvalidFrame) Error() string {
	return fmt.Sprintf("frame: invalid frame (type=%d): %s", e.Type, e.Reason)
}
