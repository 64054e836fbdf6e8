// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package netaddr implements the polymorphic network address (spec.md §3,
// component C5): a tagged variant over IPv4, IPv6, MAC48, and MAC64, with
// canonical equality that treats an IPv4 address and its IPv4-mapped IPv6
// form as equal, and a hash function consistent with that equality.
package netaddr

import (
	"encoding/binary"
	"errors"
	"hash/maphash"
	"net"
)

// Family identifies the address variant. Values follow the IANA address
// family numbers referenced by spec.md §6 (RFC 3232).
type Family uint16

const (
	FamilyIPv4  Family = 1
	FamilyIPv6  Family = 2
	FamilyMAC48 Family = 201 // locally assigned, outside the IANA AF range
	FamilyMAC64 Family = 202
)

// ErrBadLength is returned when a body's length does not match its family.
var ErrBadLength = errors.New("netaddr: body length does not match address family")

// NetAddr is a tagged network address with an optional port (meaningful
// only for IPv4/IPv6).
type NetAddr struct {
	family Family
	body   []byte
	port   uint16
}

func bodyLenFor(f Family) int {
	switch f {
	case FamilyIPv4:
		return 4
	case FamilyIPv6:
		return 16
	case FamilyMAC48:
		return 6
	case FamilyMAC64:
		return 8
	default:
		return -1
	}
}

// New constructs a NetAddr, validating that body's length matches family.
func New(family Family, body []byte, port uint16) (NetAddr, error) {
	want := bodyLenFor(family)
	if want < 0 || len(body) != want {
		return NetAddr{}, ErrBadLength
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	return NetAddr{family: family, body: cp, port: port}, nil
}

// FromIP builds a NetAddr from a net.IP, picking IPv4 or IPv6 as
// appropriate. A 4-in-6 mapped address is stored in its 16-byte form; use
// Equal (not ==) to compare against a plain IPv4 NetAddr.
func FromIP(ip net.IP, port uint16) (NetAddr, error) {
	if v4 := ip.To4(); v4 != nil {
		return New(FamilyIPv4, v4, port)
	}
	if v6 := ip.To16(); v6 != nil {
		return New(FamilyIPv6, v6, port)
	}
	return NetAddr{}, errors.New("netaddr: not a valid IP")
}

// FromUDPAddr builds a NetAddr from a *net.UDPAddr.
func FromUDPAddr(a *net.UDPAddr) (NetAddr, error) {
	return FromIP(a.IP, uint16(a.Port))
}

// Family returns the address family tag.
func (a NetAddr) Family() Family { return a.family }

// Port returns the port, or 0 if not applicable.
func (a NetAddr) Port() uint16 { return a.port }

// Body returns the raw address bytes (not a copy; callers must not mutate).
func (a NetAddr) Body() []byte { return a.body }

// IsZero reports whether a is the zero value.
func (a NetAddr) IsZero() bool { return a.family == 0 && a.body == nil }

// IP returns the net.IP form of a, or nil if a is not IPv4/IPv6.
func (a NetAddr) IP() net.IP {
	switch a.family {
	case FamilyIPv4, FamilyIPv6:
		return net.IP(a.body)
	default:
		return nil
	}
}

// UDPAddr returns a's net.UDPAddr form, or nil if a is not IPv4/IPv6.
func (a NetAddr) UDPAddr() *net.UDPAddr {
	ip := a.IP()
	if ip == nil {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: int(a.port)}
}

// isCanonicalLoopback returns true if ip is one of the two canonical loopback
// representations the spec requires to compare equal: 127.0.0.1 and ::1.
func isCanonicalLoopback(ip net.IP) bool {
	return ip.Equal(net.IPv4(127, 0, 0, 1)) || ip.Equal(net.IPv6loopback)
}

// Equal implements the spec's address equality: ports must match, and
// either the bodies match directly or one side is the IPv4-mapped IPv6
// form of the other; the two canonical loopback forms are also equal.
func (a NetAddr) Equal(b NetAddr) bool {
	if a.isIPFamily() && b.isIPFamily() {
		if a.port != b.port {
			return false
		}
		ipA, ipB := a.IP(), b.IP()
		if isCanonicalLoopback(ipA) && isCanonicalLoopback(ipB) {
			return true
		}
		return ipA.Equal(ipB)
	}
	if a.family != b.family {
		return false
	}
	if len(a.body) != len(b.body) {
		return false
	}
	for i := range a.body {
		if a.body[i] != b.body[i] {
			return false
		}
	}
	return true
}

func (a NetAddr) isIPFamily() bool {
	return a.family == FamilyIPv4 || a.family == FamilyIPv6
}

// canon4 returns the 4-byte v4 form for hashing purposes, whether a is
// stored as FamilyIPv4 or as a v4-mapped FamilyIPv6 address. ok is false
// if a is not representable as v4.
func canon4(a NetAddr) (out [4]byte, ok bool) {
	ip := a.IP()
	if ip == nil {
		return out, false
	}
	v4 := ip.To4()
	if v4 == nil {
		return out, false
	}
	copy(out[:], v4)
	return out, true
}

// seed is process-wide and randomized at init to defeat hash-flooding
// attacks against the hash table keyed on NetAddr, per spec.md §3.
var seed = newSeed()

func newSeed() maphash.Seed {
	return maphash.MakeSeed()
}

// Hash returns a hash consistent with Equal: two addresses that compare
// Equal always hash identically, in particular an IPv4 address and its
// IPv4-mapped-IPv6 form.
func (a NetAddr) Hash() uint64 {
	var h maphash.Hash
	h.SetSeed(seed)

	if a.isIPFamily() {
		if v4, ok := canon4(a); ok {
			if isCanonicalLoopback(a.IP()) {
				h.Write([]byte{127, 0, 0, 1})
			} else {
				h.Write(v4[:])
			}
		} else {
			ip := a.IP()
			if isCanonicalLoopback(ip) {
				h.Write([]byte{127, 0, 0, 1})
			} else {
				h.Write(ip)
			}
		}
		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], a.port)
		h.Write(portBuf[:])
		return h.Sum64()
	}

	h.Write([]byte{byte(a.family)})
	h.Write(a.body)
	return h.Sum64()
}

// Key returns a comparable value suitable for use as a Go map key, folding
// IPv4/IPv4-mapped-IPv6 equivalence and loopback canonicalization into one
// representation.
func (a NetAddr) Key() string {
	if a.isIPFamily() {
		ip := a.IP()
		if isCanonicalLoopback(ip) {
			ip = net.IPv4(127, 0, 0, 1)
		}
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], a.port)
		return "ip:" + string(ip) + ":" + string(portBuf[:])
	}
	famBuf := []byte{byte(a.family >> 8), byte(a.family)}
	return "mac:" + string(famBuf) + ":" + string(a.body)
}

// FromMAC48 builds a NetAddr from a 6-byte hardware address.
func FromMAC48(mac net.HardwareAddr) (NetAddr, error) {
	if len(mac) != 6 {
		return NetAddr{}, ErrBadLength
	}
	return New(FamilyMAC48, mac, 0)
}

// String renders a as a human-readable address, for logging.
func (a NetAddr) String() string {
	switch a.family {
	case FamilyIPv4, FamilyIPv6:
		addr := a.UDPAddr()
		if addr == nil {
			return "<invalid>"
		}
		return addr.String()
	case FamilyMAC48, FamilyMAC64:
		return net.HardwareAddr(a.body).String()
	default:
		return "<unknown-family>"
	}
}
