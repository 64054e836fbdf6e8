// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

package frame

import (
	"github.com/assimilation-project/nanoprobe/core/netaddr"
	"github.com/assimilation-project/nanoprobe/core/tlv"
)

// AddressFrame carries a NetAddr on the wire (spec.md §6): a 1-byte
// has-port flag, then (if set) port(2), then family(2)||body. The explicit
// flag byte disambiguates the two layouts spec.md §6 describes ("address
// family||address bytes" vs "port||address_family||address_bytes") so a
// decoder can tell them apart without out-of-band context.
type AddressFrame struct {
	Addr     netaddr.NetAddr
	WithPort bool
}

func NewAddress(a netaddr.NetAddr, withPort bool) *AddressFrame {
	return &AddressFrame{Addr: a, WithPort: withPort}
}

func (f *AddressFrame) Type() Type { return FTAddress }

func (f *AddressFrame) ValueLen() int {
	n := 1 + 2 + len(f.Addr.Body())
	if f.WithPort {
		n += 2
	}
	return n
}

func (f *AddressFrame) WireLen() int       { return HeaderLen + f.ValueLen() }
func (f *AddressFrame) Equal(o Frame) bool { return wireLenEqual(f, o) }

func (f *AddressFrame) Encode() []byte {
	buf := make([]byte, f.WireLen())
	copy(buf, encodeHeader(FTAddress, f.ValueLen()))
	val := buf[HeaderLen:]
	off := 0
	if f.WithPort {
		val[off] = 1
	} else {
		val[off] = 0
	}
	off++
	if f.WithPort {
		_ = tlv.PutU16(val, off, f.Addr.Port())
		off += 2
	}
	_ = tlv.PutU16(val, off, uint16(f.Addr.Family()))
	off += 2
	copy(val[off:], f.Addr.Body())
	return buf
}

func decodeAddress(val []byte) (*AddressFrame, error) {
	if len(val) < 1+2 {
		return nil, &ErrInvalidFrame{Type: FTAddress, Reason: "too short"}
	}
	withPort := val[0] != 0
	off := 1
	var port uint16
	if withPort {
		p, err := tlv.GetU16(val, off)
		if err != nil {
			return nil, &ErrInvalidFrame{Type: FTAddress, Reason: "truncated port"}
		}
		port = p
		off += 2
	}
	famRaw, err := tlv.GetU16(val, off)
	if err != nil {
		return nil, &ErrInvalidFrame{Type: FTAddress, Reason: "truncated family"}
	}
	off += 2
	fam := netaddr.Family(famRaw)
	body := val[off:]
	addr, err := netaddr.New(fam, body, port)
	if err != nil {
		return nil, &ErrInvalidFrame{Type: FTAddress, Reason: "bad address body length"}
	}
	return &AddressFrame{Addr: addr, WithPort: withPort}, nil
}
