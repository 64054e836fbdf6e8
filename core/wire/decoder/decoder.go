// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package decoder implements PacketDecoder (spec.md §4.2/§4.5, component
// C4): it walks a raw datagram and produces a list of FrameSets,
// transparently unwrapping compression and encryption frames as it goes.
//
// Compression and encryption frame constructors "replace the remaining
// packet bytes" per spec.md §4.2; in Go this is modeled by simply
// reassigning the local cursor variable to a freshly decoded/decrypted
// byte slice on each outer-loop iteration (spec.md §9: "do not attempt to
// alias-trick this via raw pointers in a safe language").
package decoder

import (
	"errors"
	"fmt"

	"github.com/assimilation-project/nanoprobe/core/metrics"
	"github.com/assimilation-project/nanoprobe/core/wire/frame"
	"github.com/assimilation-project/nanoprobe/core/wire/frameset"
)

// SignatureVerifier verifies a FrameSet's signature frame against the
// bytes that follow it on the wire. One verifier serves every frameset the
// Decoder decodes; it is not given the packet's source address.
type SignatureVerifier interface {
	VerifySignature(sig *frame.SignatureFrame, body []byte) bool
}

// Decryptor opens an EncryptionFrame's sealed payload, resolving the
// sender/receiver key ids it carries. Implementations return frame.ErrBadKey,
// ErrUnknownKey (defined here), or frame.ErrBadAuthentication as
// appropriate (spec.md §4.4).
type Decryptor interface {
	Open(ef *frame.EncryptionFrame) ([]byte, error)
}

// ErrUnknownKey is returned by a Decryptor when a key id is syntactically
// valid but not present in the key store (spec.md §4.4).
var ErrUnknownKey = errors.New("decoder: unknown key id")

// ErrMissingSignature is returned (and the offending frameset dropped) when
// the first frame of a frameset is not a signature frame (spec.md §4.5).
var ErrMissingSignature = errors.New("decoder: frameset does not start with a signature frame")

// Decoder walks datagrams into FrameSets.
type Decoder struct {
	Verifier  SignatureVerifier
	Decryptor Decryptor // optional; nil means encrypted framesets are dropped
	Metrics   *metrics.Collector
}

// New creates a Decoder. verifier may not be nil; decryptor may be nil if
// the caller never expects encrypted traffic.
func New(verifier SignatureVerifier, decryptor Decryptor, m *metrics.Collector) *Decoder {
	return &Decoder{Verifier: verifier, Decryptor: decryptor, Metrics: m}
}

// Decode parses pkt into zero or more FrameSets. A malformed frameset is
// dropped (logged by the caller) and decoding continues with the next
// frameset in the datagram (spec.md §4.5).
func (d *Decoder) Decode(pkt []byte) []*frameset.FrameSet {
	var out []*frameset.FrameSet
	off := 0
	for off < len(pkt) {
		fs, consumed, err := d.decodeOne(pkt[off:])
		if err != nil {
			// The header itself was unparsable; nothing more in this
			// datagram can be recovered.
			d.drop(metrics.DropMalformed)
			return out
		}
		off += consumed
		if fs != nil {
			out = append(out, fs)
		}
	}
	return out
}

func (d *Decoder) drop(reason metrics.DropReason) {
	if d.Metrics != nil {
		d.Metrics.IncDropped(reason)
	}
}

// decodeOne decodes a single frameset starting at pkt[0], returning the
// FrameSet (nil if it was dropped due to malformation) and the number of
// bytes consumed from pkt for this frameset's header+body.
func (d *Decoder) decodeOne(pkt []byte) (*frameset.FrameSet, int, error) {
	if len(pkt) < frameset.HeaderLen {
		return nil, 0, fmt.Errorf("decoder: truncated frameset header")
	}
	fsType := frameset.Type(uint16(pkt[0])<<8 | uint16(pkt[1]))
	length := int(pkt[2])<<16 | int(pkt[3])<<8 | int(pkt[4])
	flags := uint16(pkt[5])<<8 | uint16(pkt[6])
	bodyStart := frameset.HeaderLen
	bodyEnd := bodyStart + length
	if bodyEnd > len(pkt) {
		return nil, 0, fmt.Errorf("decoder: frameset declares %d bytes but only %d available", length, len(pkt)-bodyStart)
	}
	body := pkt[bodyStart:bodyEnd]

	fs, ok := d.decodeBody(fsType, flags, body)
	if !ok {
		return nil, bodyEnd, nil
	}
	return fs, bodyEnd, nil
}

// decodeBody decodes the frames within one frameset's body, given the
// frameset has already been bounds-checked. ok is false if the frameset
// was dropped (caller still advances past it).
func (d *Decoder) decodeBody(fsType frameset.Type, flags uint16, body []byte) (*frameset.FrameSet, bool) {
	cursor := body
	off := 0

	t, val, headerLen, err := readFrameHeader(cursor, off)
	if err != nil {
		d.drop(metrics.DropMalformed)
		return nil, false
	}
	if t != frame.FTSignature {
		d.drop(metrics.DropNoSignatureLeading)
		return nil, false
	}
	sigFrame, err := frame.FromTLV(t, val)
	if err != nil {
		d.drop(metrics.DropMalformed)
		return nil, false
	}
	sig := sigFrame.(*frame.SignatureFrame)
	rest := cursor[off+headerLen+len(val):]

	if d.Verifier == nil || !d.Verifier.VerifySignature(sig, rest) {
		d.drop(metrics.DropBadSignature)
		return nil, false
	}

	fs := frameset.New(fsType)
	fs.Flags = flags
	fs.Append(sig)

	cursor = rest
	off = 0
	for off < len(cursor) {
		t, val, headerLen, err := readFrameHeader(cursor, off)
		if err != nil {
			d.drop(metrics.DropMalformed)
			return nil, false
		}
		switch t {
		case frame.FTCryptCurve25519:
			ef, err := frame.FromTLV(t, val)
			if err != nil {
				d.drop(metrics.DropMalformed)
				return nil, false
			}
			if d.Decryptor == nil {
				d.drop(metrics.DropUnknownKey)
				return nil, false
			}
			plaintext, err := d.Decryptor.Open(ef.(*frame.EncryptionFrame))
			if err != nil {
				d.drop(reasonFor(err))
				return nil, false
			}
			cursor = plaintext
			off = 0
			continue
		case frame.FTCompress:
			cf, err := frame.FromTLV(t, val)
			if err != nil {
				d.drop(metrics.DropMalformed)
				return nil, false
			}
			plaintext, err := cf.(*frame.CompressionFrame).Decompress()
			if err != nil {
				d.drop(metrics.DropMalformed)
				return nil, false
			}
			cursor = plaintext
			off = 0
			continue
		case frame.FTEndMarker:
			f, _ := frame.FromTLV(t, val)
			fs.Append(f)
			return fs, true
		default:
			f, err := frame.FromTLV(t, val)
			if err != nil {
				d.drop(metrics.DropMalformed)
				return nil, false
			}
			fs.Append(f)
			off += headerLen + len(val)
		}
	}
	return fs, true
}

func reasonFor(err error) metrics.DropReason {
	switch {
	case errors.Is(err, frame.ErrBadKey):
		return metrics.DropBadKey
	case errors.Is(err, ErrUnknownKey):
		return metrics.DropUnknownKey
	case errors.Is(err, frame.ErrBadAuthentication):
		return metrics.DropBadAuthentication
	default:
		return metrics.DropMalformed
	}
}

// readFrameHeader reads one TLV header at cursor[off:] and returns the
// frame type, its value slice, and the header length (always
// frame.HeaderLen), bounds-checking via core/tlv semantics: any frame
// declaring a length that runs past the end of cursor is rejected without
// reading past cursor's end (spec.md §8 invariant).
func readFrameHeader(cursor []byte, off int) (frame.Type, []byte, int, error) {
	if off+frame.HeaderLen > len(cursor) {
		return 0, nil, 0, fmt.Errorf("decoder: truncated frame header")
	}
	t := frame.Type(uint16(cursor[off])<<8 | uint16(cursor[off+1]))
	length := int(cursor[off+2])<<16 | int(cursor[off+3])<<8 | int(cursor[off+4])
	valStart := off + frame.HeaderLen
	valEnd := valStart + length
	if valEnd > len(cursor) {
		return 0, nil, 0, fmt.Errorf("decoder: frame type %d declares length %d past packet end", t, length)
	}
	return t, cursor[valStart:valEnd], frame.HeaderLen, nil
}
