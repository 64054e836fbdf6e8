// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

package frame

import (
	"crypto/rand"
	"errors"
	"fmt"
	"regexp"

	"golang.org/x/crypto/nacl/box"
)

// keyIDPattern matches the legal alphabet for key ids (spec.md §4.4/§6):
// [A-Za-z0-9_-], bounded length.
var keyIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,255}$`)

// MaxKeyIDLen bounds key id length per spec.md §4.4.
const MaxKeyIDLen = 255

// ValidKeyID reports whether id is a syntactically legal key id.
func ValidKeyID(id string) bool {
	return keyIDPattern.MatchString(id)
}

// ErrBadKey is returned when a key id is syntactically invalid (spec.md §4.4).
var ErrBadKey = errors.New("frame: malformed key id")

// ErrBadAuthentication is returned when authenticated decryption rejects
// the ciphertext (spec.md §4.4).
var ErrBadAuthentication = errors.New("frame: authentication failed")

const nonceSize = 24

// EncryptionFrame is the CRYPTCURVE25519 frame (spec.md §4.4/§6): sender
// and receiver key ids (length-prefixed), a nonce, and ciphertext. NaCl
// box folds the authentication tag into the sealed box rather than
// carrying it as a separate field; BoxPrefixLen documents that overhead.
type EncryptionFrame struct {
	SenderKeyID   string
	ReceiverKeyID string
	Nonce         [nonceSize]byte
	Sealed        []byte // box.Seal output: authentication tag + ciphertext
}

// BoxPrefixLen is the authentication-tag overhead nacl/box.Seal adds
// ahead of the plaintext length, per golang.org/x/crypto/nacl/box.
const BoxPrefixLen = box.Overhead

func (f *EncryptionFrame) Type() Type { return FTCryptCurve25519 }

func (f *EncryptionFrame) ValueLen() int {
	return 1 + len(f.SenderKeyID) + 1 + len(f.ReceiverKeyID) + nonceSize + len(f.Sealed)
}

func (f *EncryptionFrame) WireLen() int       { return HeaderLen + f.ValueLen() }
func (f *EncryptionFrame) Equal(o Frame) bool { return wireLenEqual(f, o) }

func (f *EncryptionFrame) Encode() []byte {
	buf := make([]byte, f.WireLen())
	copy(buf, encodeHeader(FTCryptCurve25519, f.ValueLen()))
	val := buf[HeaderLen:]
	off := 0
	val[off] = byte(len(f.SenderKeyID))
	off++
	copy(val[off:], f.SenderKeyID)
	off += len(f.SenderKeyID)
	val[off] = byte(len(f.ReceiverKeyID))
	off++
	copy(val[off:], f.ReceiverKeyID)
	off += len(f.ReceiverKeyID)
	copy(val[off:], f.Nonce[:])
	off += nonceSize
	copy(val[off:], f.Sealed)
	return buf
}

func decodeEncryption(val []byte) (*EncryptionFrame, error) {
	if len(val) < 1 {
		return nil, &ErrInvalidFrame{Type: FTCryptCurve25519, Reason: "too short"}
	}
	off := 0
	senderLen := int(val[off])
	off++
	if off+senderLen > len(val) {
		return nil, &ErrInvalidFrame{Type: FTCryptCurve25519, Reason: "truncated sender key id"}
	}
	sender := string(val[off : off+senderLen])
	off += senderLen

	if off >= len(val) {
		return nil, &ErrInvalidFrame{Type: FTCryptCurve25519, Reason: "truncated receiver key id length"}
	}
	recvLen := int(val[off])
	off++
	if off+recvLen > len(val) {
		return nil, &ErrInvalidFrame{Type: FTCryptCurve25519, Reason: "truncated receiver key id"}
	}
	recv := string(val[off : off+recvLen])
	off += recvLen

	if off+nonceSize > len(val) {
		return nil, &ErrInvalidFrame{Type: FTCryptCurve25519, Reason: "truncated nonce"}
	}
	var nonce [nonceSize]byte
	copy(nonce[:], val[off:off+nonceSize])
	off += nonceSize

	sealed := make([]byte, len(val)-off)
	copy(sealed, val[off:])

	if !ValidKeyID(sender) || !ValidKeyID(recv) {
		return nil, fmt.Errorf("%w: sender=%q receiver=%q", ErrBadKey, sender, recv)
	}

	return &EncryptionFrame{SenderKeyID: sender, ReceiverKeyID: recv, Nonce: nonce, Sealed: sealed}, nil
}

// Seal encrypts plaintext for recvPub, authenticated as coming from
// senderPriv, using a fresh random nonce, and wraps it in an
// EncryptionFrame naming the two key ids.
func Seal(senderKeyID, receiverKeyID string, senderPriv *[32]byte, recvPub *[32]byte, plaintext []byte) (*EncryptionFrame, error) {
	if !ValidKeyID(senderKeyID) || !ValidKeyID(receiverKeyID) {
		return nil, ErrBadKey
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("frame: generating nonce: %w", err)
	}
	sealed := box.Seal(nil, plaintext, &nonce, recvPub, senderPriv)
	return &EncryptionFrame{
		SenderKeyID:   senderKeyID,
		ReceiverKeyID: receiverKeyID,
		Nonce:         nonce,
		Sealed:        sealed,
	}, nil
}

// Open decrypts f using recvPriv and the sender's public key senderPub,
// returning ErrBadAuthentication if the authenticated decryption rejects
// the ciphertext (e.g. any byte of it was tampered with).
func (f *EncryptionFrame) Open(recvPriv *[32]byte, senderPub *[32]byte) ([]byte, error) {
	plaintext, ok := box.Open(nil, f.Sealed, &f.Nonce, senderPub, recvPriv)
	if !ok {
		return nil, ErrBadAuthentication
	}
	return plaintext, nil
}
