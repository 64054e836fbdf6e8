// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

package frame

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
)

// SigKind is the signature frame's 1-byte major class (spec.md §4.4): the
// two independent code paths spec.md §9 notes as an open question, both
// fully wired here rather than leaving one vestigial.
type SigKind uint8

const (
	// SigKindHash is the HMAC-SHA256 hash-based signature, keyed by a
	// secret shared between the signer and verifier key ids (the "glib
	// checksum" analogue).
	SigKindHash SigKind = 1
	// SigKindEd25519 is the authenticated-key signature (the "sodium"
	// analogue), fully wired rather than vestigial per DESIGN.md.
	SigKindEd25519 SigKind = 2
)

// SignatureMinorDefault is the minor type byte SignHash and SignEd25519
// write; currently there is exactly one minor type per kind.
const SignatureMinorDefault uint8 = 0

// SignatureFrame is the mandatory first frame of every FrameSet (spec.md
// §3/§4.4): a major class, minor type, and digest bytes.
type SignatureFrame struct {
	Kind   SigKind
	Minor  uint8
	Digest []byte
}

func (f *SignatureFrame) Type() Type      { return FTSignature }
func (f *SignatureFrame) ValueLen() int   { return 2 + len(f.Digest) }
func (f *SignatureFrame) WireLen() int    { return HeaderLen + f.ValueLen() }
func (f *SignatureFrame) Equal(o Frame) bool { return wireLenEqual(f, o) }

func (f *SignatureFrame) Encode() []byte {
	buf := make([]byte, f.WireLen())
	copy(buf, encodeHeader(FTSignature, f.ValueLen()))
	val := buf[HeaderLen:]
	val[0] = byte(f.Kind)
	val[1] = f.Minor
	copy(val[2:], f.Digest)
	return buf
}

func decodeSignature(val []byte) (*SignatureFrame, error) {
	if len(val) < 2 {
		return nil, &ErrInvalidFrame{Type: FTSignature, Reason: "too short"}
	}
	digest := make([]byte, len(val)-2)
	copy(digest, val[2:])
	return &SignatureFrame{Kind: SigKind(val[0]), Minor: val[1], Digest: digest}, nil
}

// SignHash computes the SigKindHash digest of body, keyed by secret.
func SignHash(secret, body []byte) *SignatureFrame {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return &SignatureFrame{Kind: SigKindHash, Minor: SignatureMinorDefault, Digest: mac.Sum(nil)}
}

// VerifyHash reports whether f is a valid SigKindHash signature over body.
func VerifyHash(f *SignatureFrame, secret, body []byte) bool {
	if f.Kind != SigKindHash {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), f.Digest)
}

// SignEd25519 computes the SigKindEd25519 signature of body using priv.
func SignEd25519(priv ed25519.PrivateKey, body []byte) *SignatureFrame {
	sig := ed25519.Sign(priv, body)
	return &SignatureFrame{Kind: SigKindEd25519, Minor: SignatureMinorDefault, Digest: sig}
}

// VerifyEd25519 reports whether f is a valid SigKindEd25519 signature over
// body under pub.
func VerifyEd25519(f *SignatureFrame, pub ed25519.PublicKey, body []byte) bool {
	if f.Kind != SigKindEd25519 {
		return false
	}
	return ed25519.Verify(pub, body, f.Digest)
}
