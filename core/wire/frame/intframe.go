// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

package frame

import (
	"errors"

	"github.com/assimilation-project/nanoprobe/core/tlv"
)

// IntFrame carries a signed or unsigned integer of width 1, 2, 3, 4, or 8
// bytes (spec.md §3). Unsigned values are stored widened into uint64;
// signed values are sign-extended into int64.
type IntFrame struct {
	FrameType Type
	Signed    bool
	Width     int
	Unsigned  uint64
	Signed64  int64
}

var widthToSignedType = map[int]Type{1: FTIntSigned8, 2: FTIntSigned16, 3: FTIntSigned24, 4: FTIntSigned32, 8: FTIntSigned64}
var widthToUnsignedType = map[int]Type{1: FTIntUnsigned8, 2: FTIntUnsigned16, 3: FTIntUnsigned24, 4: FTIntUnsigned32, 8: FTIntUnsigned64}

// NewUnsigned builds an unsigned IntFrame of the given width (1/2/3/4/8).
func NewUnsigned(width int, v uint64) (*IntFrame, error) {
	t, ok := widthToUnsignedType[width]
	if !ok {
		return nil, errors.New("frame: unsupported unsigned integer width")
	}
	return &IntFrame{FrameType: t, Signed: false, Width: width, Unsigned: v}, nil
}

// NewSigned builds a signed IntFrame of the given width (1/2/3/4/8).
func NewSigned(width int, v int64) (*IntFrame, error) {
	t, ok := widthToSignedType[width]
	if !ok {
		return nil, errors.New("frame: unsupported signed integer width")
	}
	return &IntFrame{FrameType: t, Signed: true, Width: width, Signed64: v}, nil
}

func (f *IntFrame) Type() Type      { return f.FrameType }
func (f *IntFrame) ValueLen() int   { return f.Width }
func (f *IntFrame) WireLen() int    { return HeaderLen + f.Width }
func (f *IntFrame) Equal(o Frame) bool { return wireLenEqual(f, o) }

func (f *IntFrame) Encode() []byte {
	buf := make([]byte, f.WireLen())
	copy(buf, encodeHeader(f.FrameType, f.Width))
	val := buf[HeaderLen:]
	var u uint64
	if f.Signed {
		u = uint64(f.Signed64)
	} else {
		u = f.Unsigned
	}
	switch f.Width {
	case 1:
		_ = tlv.PutU8(val, 0, uint8(u))
	case 2:
		_ = tlv.PutU16(val, 0, uint16(u))
	case 3:
		_ = tlv.PutU24(val, 0, uint32(u))
	case 4:
		_ = tlv.PutU32(val, 0, uint32(u))
	case 8:
		_ = tlv.PutU64(val, 0, u)
	}
	return buf
}

// decodeIntValue decodes width bytes of val (the TLV value region, no
// header) for frame type t, used by the decoder's per-type constructors.
func decodeIntValue(t Type, val []byte) (*IntFrame, error) {
	width, signed, ok := widthAndSignOf(t)
	if !ok {
		return nil, &ErrInvalidFrame{Type: t, Reason: "not an integer frame type"}
	}
	if len(val) != width {
		return nil, &ErrInvalidFrame{Type: t, Reason: "length does not match integer width"}
	}
	var u uint64
	var err error
	switch width {
	case 1:
		var v uint8
		v, err = tlv.GetU8(val, 0)
		u = uint64(v)
	case 2:
		var v uint16
		v, err = tlv.GetU16(val, 0)
		u = uint64(v)
	case 3:
		var v uint32
		v, err = tlv.GetU24(val, 0)
		u = uint64(v)
	case 4:
		var v uint32
		v, err = tlv.GetU32(val, 0)
		u = uint64(v)
	case 8:
		u, err = tlv.GetU64(val, 0)
	}
	if err != nil {
		return nil, err
	}
	f := &IntFrame{FrameType: t, Signed: signed, Width: width}
	if signed {
		f.Signed64 = signExtend(u, width)
	} else {
		f.Unsigned = u
	}
	return f, nil
}

func signExtend(u uint64, width int) int64 {
	bits := uint(width * 8)
	if bits >= 64 {
		return int64(u)
	}
	shift := 64 - bits
	return int64(u<<shift) >> shift
}

func widthAndSignOf(t Type) (width int, signed bool, ok bool) {
	for w, ft := range widthToSignedType {
		if ft == t {
			return w, true, true
		}
	}
	for w, ft := range widthToUnsignedType {
		if ft == t {
			return w, false, true
		}
	}
	return 0, false, false
}

func isIntType(t Type) bool {
	_, _, ok := widthAndSignOf(t)
	return ok
}
