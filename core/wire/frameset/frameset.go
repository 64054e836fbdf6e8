// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package frameset implements the FrameSet type (spec.md §3/§4.3,
// component C3): an ordered list of frames that marshals to one datagram,
// applying the optional compression/encryption/signature envelope during
// marshalling. core/wire/decoder reverses the envelope when decoding.
package frameset

import (
	"fmt"

	"github.com/assimilation-project/nanoprobe/core/tlv"
	"github.com/assimilation-project/nanoprobe/core/wire/frame"
)

// FrameSet is a 16-bit type + ordered frame list, marshalling to the
// header described in spec.md §6: type(2) || length(3) || flags(2) ||
// frames.
type FrameSet struct {
	FSType Type
	Flags  uint16
	Frames []frame.Frame
}

// Type is the frameset's 16-bit application type code.
type Type uint16

// HeaderLen is the fixed frameset header size: type(2) + length(3) + flags(2).
const HeaderLen = 7

// New creates an empty FrameSet of the given type. Payload frames are
// appended with Append; Marshal prepends the signature (and, if
// configured, encryption/compression) envelope.
func New(t Type) *FrameSet {
	return &FrameSet{FSType: t}
}

// Append adds a frame to the end of the list. Marshal skips any
// signature, compression or encryption frame already in the list and
// builds its own envelope; core/wire/decoder appends the received
// signature frame first.
func (fs *FrameSet) Append(f frame.Frame) {
	fs.Frames = append(fs.Frames, f)
}

// SeqNo returns the FrameSet's sequence number and true if the FrameSet is
// sequenced (spec.md §3: "a sequenced frameset additionally contains a
// sequence-number frame immediately after the signature").
func (fs *FrameSet) SeqNo() (frame.SeqNo, bool) {
	for _, f := range fs.Frames {
		if sf, ok := f.(*frame.SeqnoFrame); ok {
			return sf.Seq, true
		}
	}
	return frame.SeqNo{}, false
}

// Signature returns the FrameSet's signature frame, if present.
func (fs *FrameSet) Signature() *frame.SignatureFrame {
	for _, f := range fs.Frames {
		if sf, ok := f.(*frame.SignatureFrame); ok {
			return sf
		}
	}
	return nil
}

// payloadBytes concatenates the encoding of every frame in fs.Frames that
// is not itself a signature/compression/encryption frame, appending an end
// marker if one is not already present (spec.md §4.3 steps 1, 5).
func (fs *FrameSet) payloadBytes() []byte {
	var total int
	hasEnd := false
	var payload []frame.Frame
	for _, f := range fs.Frames {
		switch f.(type) {
		case *frame.SignatureFrame, *frame.CompressionFrame, *frame.EncryptionFrame:
			continue
		case *frame.EndMarkerFrame:
			hasEnd = true
			payload = append(payload, f)
		default:
			payload = append(payload, f)
		}
	}
	if !hasEnd {
		payload = append(payload, &frame.EndMarkerFrame{})
	}
	for _, f := range payload {
		total += f.WireLen()
	}
	buf := make([]byte, 0, total)
	for _, f := range payload {
		buf = append(buf, f.Encode()...)
	}
	return buf
}

// Envelope configures the optional compression/encryption wrapping Marshal
// applies, and the signing identity it always applies (spec.md §4.3/§4.4).
type Envelope struct {
	// Sign computes the signature frame over body (everything that will
	// follow the signature frame on the wire).
	Sign func(body []byte) *frame.SignatureFrame

	// Compress, if non-nil, is applied when len(payload) >= CompressMinLen.
	Compress       func(payload []byte) (*frame.CompressionFrame, error)
	CompressMinLen int

	// Encrypt, if non-nil, wraps the (possibly compressed) payload for a
	// specific destination.
	Encrypt func(wrapped []byte) (*frame.EncryptionFrame, error)
}

// Marshal builds the wire bytes for fs's frameset body (post-header),
// applying envelope in the order spec.md §4.3 mandates: strip existing
// envelope frames, optionally compress, optionally encrypt, then sign —
// so on the wire the order is signature, encryption, compression, payload.
func (fs *FrameSet) Marshal(env Envelope) ([]byte, error) {
	wrapped := fs.payloadBytes()

	if env.Compress != nil && len(wrapped) >= env.CompressMinLen {
		cf, err := env.Compress(wrapped)
		if err != nil {
			return nil, fmt.Errorf("frameset: compress: %w", err)
		}
		wrapped = cf.Encode()
	}

	if env.Encrypt != nil {
		ef, err := env.Encrypt(wrapped)
		if err != nil {
			return nil, fmt.Errorf("frameset: encrypt: %w", err)
		}
		wrapped = ef.Encode()
	}

	if env.Sign == nil {
		return nil, fmt.Errorf("frameset: no signing function configured")
	}
	sig := env.Sign(wrapped)
	body := append(sig.Encode(), wrapped...)

	if len(body) > tlv.MaxU24 {
		return nil, fmt.Errorf("frameset: body too large: %d bytes", len(body))
	}

	out := make([]byte, HeaderLen+len(body))
	out[0] = byte(fs.FSType >> 8)
	out[1] = byte(fs.FSType)
	out[2] = byte(len(body) >> 16)
	out[3] = byte(len(body) >> 8)
	out[4] = byte(len(body))
	out[5] = byte(fs.Flags >> 8)
	out[6] = byte(fs.Flags)
	copy(out[HeaderLen:], body)
	return out, nil
}
