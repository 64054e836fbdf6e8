// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

package frame

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/assimilation-project/nanoprobe/core/netaddr"
	"golang.org/x/crypto/nacl/box"
)

func roundTrip(t *testing.T, f Frame) Frame {
	t.Helper()
	encoded := f.Encode()
	if len(encoded) != f.WireLen() {
		t.Fatalf("WireLen()=%d but Encode() produced %d bytes", f.WireLen(), len(encoded))
	}
	val := encoded[HeaderLen:]
	got, err := FromTLV(f.Type(), val)
	if err != nil {
		t.Fatalf("FromTLV: %v", err)
	}
	if !bytes.Equal(got.Encode(), encoded) {
		t.Fatalf("round trip mismatch:\n got %x\nwant %x", got.Encode(), encoded)
	}
	return got
}

func TestIntFrameRoundTrip(t *testing.T) {
	for _, width := range []int{1, 2, 3, 4, 8} {
		u, _ := NewUnsigned(width, 0xFF)
		roundTrip(t, u)

		s, _ := NewSigned(width, -1)
		got := roundTrip(t, s).(*IntFrame)
		if got.Signed64 != -1 {
			t.Fatalf("width %d: sign extension failed, got %d", width, got.Signed64)
		}
	}
}

func TestCStringRoundTrip(t *testing.T) {
	f := NewCString("hello-nanoprobe")
	roundTrip(t, f)

	empty := NewCString("")
	roundTrip(t, empty)
}

func TestByteStringZeroLength(t *testing.T) {
	f := NewByteString(nil)
	roundTrip(t, f)
}

func TestAddressFrameRoundTrip(t *testing.T) {
	a, err := netaddr.New(netaddr.FamilyIPv4, []byte{10, 1, 2, 3}, 1984)
	if err != nil {
		t.Fatal(err)
	}
	f := NewAddress(a, true)
	got := roundTrip(t, f).(*AddressFrame)
	if !got.Addr.Equal(a) || got.Addr.Port() != 1984 {
		t.Fatal("address mismatch after round trip")
	}

	f2 := NewAddress(a, false)
	roundTrip(t, f2)
}

func TestSeqnoFrameRoundTrip(t *testing.T) {
	f := NewSeqno(SeqNo{SessionID: 7, RequestID: 42, QueueID: 3})
	got := roundTrip(t, f).(*SeqnoFrame)
	if got.Seq != (SeqNo{SessionID: 7, RequestID: 42, QueueID: 3}) {
		t.Fatalf("seqno mismatch: %+v", got.Seq)
	}
}

func TestSeqNoOrdering(t *testing.T) {
	a := SeqNo{SessionID: 1, RequestID: 5, QueueID: 0}
	b := SeqNo{SessionID: 1, RequestID: 6, QueueID: 0}
	c := SeqNo{SessionID: 2, RequestID: 1, QueueID: 0}

	if !a.Less(b) {
		t.Fatal("expected a < b")
	}
	if !b.Less(c) {
		t.Fatal("expected b < c (higher session wins)")
	}
	if a.EqualForDedup(b) {
		t.Fatal("a and b should not be dedup-equal")
	}
}

func TestHashSignatureRoundTrip(t *testing.T) {
	secret := []byte("shared-secret")
	body := []byte("the rest of the frameset bytes")
	sig := SignHash(secret, body)
	roundTrip(t, sig)
	if !VerifyHash(sig, secret, body) {
		t.Fatal("expected signature to verify")
	}
	if VerifyHash(sig, secret, append(append([]byte{}, body...), 0)) {
		t.Fatal("expected tampered body to fail verification")
	}
}

func TestEd25519SignatureRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	body := []byte("signed payload")
	sig := SignEd25519(priv, body)
	roundTrip(t, sig)
	if !VerifyEd25519(sig, pub, body) {
		t.Fatal("expected ed25519 signature to verify")
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	plaintext := bytes.Repeat([]byte("assimilation-nanoprobe-discovery-payload "), 50)
	cf, err := Compress(CompressZstd, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	got := roundTrip(t, cf).(*CompressionFrame)
	out, err := got.Decompress()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, plaintext) {
		t.Fatal("decompressed payload mismatch")
	}
}

func TestEncryptionFrameRoundTripAndAuthFailure(t *testing.T) {
	senderPub, senderPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	recvPub, recvPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	plaintext := []byte("inner plaintext frames")
	ef, err := Seal("K_A", "K_B", senderPriv, recvPub, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	got := roundTrip(t, ef).(*EncryptionFrame)

	out, err := got.Open(recvPriv, senderPub)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, plaintext) {
		t.Fatal("decrypted plaintext mismatch")
	}

	tampered := *got
	tamperedSealed := append([]byte{}, got.Sealed...)
	tamperedSealed[0] ^= 0xFF
	tampered.Sealed = tamperedSealed
	if _, err := tampered.Open(recvPriv, senderPub); err != ErrBadAuthentication {
		t.Fatalf("expected ErrBadAuthentication, got %v", err)
	}
}

func TestBadKeyID(t *testing.T) {
	if ValidKeyID("") || ValidKeyID("has a space") || ValidKeyID("semi;colon") {
		t.Fatal("expected invalid key ids to be rejected")
	}
	if !ValidKeyID("K_A-1") {
		t.Fatal("expected legal key id to be accepted")
	}
}

func TestUnknownFramePreservesBytes(t *testing.T) {
	raw := []byte{1, 2, 3, 4, 5}
	f := NewUnknown(Type(9999), raw)
	got := roundTrip(t, f).(*UnknownFrame)
	if !bytes.Equal(got.Value, raw) {
		t.Fatal("unknown frame bytes not preserved")
	}
}

func TestEndMarkerRoundTrip(t *testing.T) {
	roundTrip(t, &EndMarkerFrame{})
}

func TestNoMemoryAccessPastPacketEnd(t *testing.T) {
	// A frame declaring a length longer than the value slice it is given
	// must be rejected by the caller before FromTLV ever sees it (the
	// decoder enforces this); FromTLV itself must not panic when given a
	// short slice for a fixed-size frame type.
	if _, err := decodeSeqno([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for truncated seqno value")
	}
	if _, err := decodeSignature([]byte{1}); err == nil {
		t.Fatal("expected error for truncated signature value")
	}
	if _, err := decodeEncryption([]byte{200}); err == nil {
		t.Fatal("expected error for truncated encryption value")
	}
}
