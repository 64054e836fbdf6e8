// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

package frame

// UnknownFrame wraps the bytes of a frame whose type code the decoder does
// not recognize, preserving them exactly so a decoded FrameSet can be
// re-encoded byte-identically (spec.md §4.2 — required for signature
// verification to be idempotent across decode/encode cycles).
type UnknownFrame struct {
	FrameType Type
	Value     []byte
}

func NewUnknown(t Type, value []byte) *UnknownFrame {
	cp := make([]byte, len(value))
	copy(cp, value)
	return &UnknownFrame{FrameType: t, Value: cp}
}

func (f *UnknownFrame) Type() Type         { return f.FrameType }
func (f *UnknownFrame) ValueLen() int      { return len(f.Value) }
func (f *UnknownFrame) WireLen() int       { return HeaderLen + f.ValueLen() }
func (f *UnknownFrame) Equal(o Frame) bool { return wireLenEqual(f, o) }

func (f *UnknownFrame) Encode() []byte {
	buf := make([]byte, f.WireLen())
	copy(buf, encodeHeader(f.FrameType, f.ValueLen()))
	copy(buf[HeaderLen:], f.Value)
	return buf
}

// EndMarkerFrame terminates a FrameSet's frame list (spec.md §4.3 step 5:
// "Append an end-marker frame if not already present").
type EndMarkerFrame struct{}

func (f *EndMarkerFrame) Type() Type         { return FTEndMarker }
func (f *EndMarkerFrame) ValueLen() int      { return 0 }
func (f *EndMarkerFrame) WireLen() int       { return HeaderLen }
func (f *EndMarkerFrame) Equal(o Frame) bool { return wireLenEqual(f, o) }

func (f *EndMarkerFrame) Encode() []byte {
	return encodeHeader(FTEndMarker, 0)
}
