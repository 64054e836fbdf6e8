// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

package decoder

import (
	"bytes"
	"testing"

	"github.com/assimilation-project/nanoprobe/core/wire/frame"
	"github.com/assimilation-project/nanoprobe/core/wire/frameset"
)

type hashVerifier struct{ secret []byte }

func (h hashVerifier) VerifySignature(sig *frame.SignatureFrame, body []byte) bool {
	return frame.VerifyHash(sig, h.secret, body)
}

func buildSimpleFrameSet(t *testing.T, secret []byte, fsType frameset.Type, payload string) []byte {
	t.Helper()
	fs := frameset.New(fsType)
	fs.Append(frame.NewCString(payload))
	out, err := fs.Marshal(frameset.Envelope{
		Sign: func(body []byte) *frame.SignatureFrame { return frame.SignHash(secret, body) },
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestDecodeSimpleSignedFrameSet(t *testing.T) {
	secret := []byte("shared")
	pkt := buildSimpleFrameSet(t, secret, 42, "hello")

	d := New(hashVerifier{secret}, nil, nil)
	sets := d.Decode(pkt)
	if len(sets) != 1 {
		t.Fatalf("expected 1 frameset, got %d", len(sets))
	}
	fs := sets[0]
	if fs.FSType != 42 {
		t.Fatalf("fsType = %d", fs.FSType)
	}
	if fs.Signature() == nil {
		t.Fatal("expected signature frame present")
	}

	var found string
	for _, f := range fs.Frames {
		if cs, ok := f.(*frame.CStringFrame); ok {
			found = cs.Value
		}
	}
	if found != "hello" {
		t.Fatalf("payload mismatch: %q", found)
	}
}

func TestDecodeRejectsBadSignature(t *testing.T) {
	pkt := buildSimpleFrameSet(t, []byte("secret-a"), 1, "x")
	d := New(hashVerifier{[]byte("secret-b")}, nil, nil)
	sets := d.Decode(pkt)
	if len(sets) != 0 {
		t.Fatalf("expected frameset to be dropped, got %d", len(sets))
	}
}

func TestDecodeMultipleFrameSetsInOneDatagram(t *testing.T) {
	secret := []byte("shared")
	a := buildSimpleFrameSet(t, secret, 1, "first")
	b := buildSimpleFrameSet(t, secret, 2, "second")
	datagram := append(append([]byte{}, a...), b...)

	d := New(hashVerifier{secret}, nil, nil)
	sets := d.Decode(datagram)
	if len(sets) != 2 {
		t.Fatalf("expected 2 framesets, got %d", len(sets))
	}
}

func TestDecodeTruncatedFrameDoesNotPanic(t *testing.T) {
	secret := []byte("shared")
	pkt := buildSimpleFrameSet(t, secret, 1, "x")
	truncated := pkt[:len(pkt)-3]

	d := New(hashVerifier{secret}, nil, nil)
	sets := d.Decode(truncated)
	if len(sets) != 0 {
		t.Fatalf("expected no framesets from truncated input, got %d", len(sets))
	}
}

func TestEncodeDecodeEncodeIdempotent(t *testing.T) {
	secret := []byte("shared")
	pkt := buildSimpleFrameSet(t, secret, 1, "idempotent")

	d := New(hashVerifier{secret}, nil, nil)
	sets := d.Decode(pkt)
	if len(sets) != 1 {
		t.Fatalf("expected 1 frameset, got %d", len(sets))
	}
	// Re-marshal the decoded frameset with the same envelope and confirm
	// byte-identical output (spec.md §8: encode∘decode∘encode = encode).
	reEncoded, err := sets[0].Marshal(frameset.Envelope{
		Sign: func(body []byte) *frame.SignatureFrame { return frame.SignHash(secret, body) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(reEncoded, pkt) {
		t.Fatalf("re-encoded bytes differ:\n got %x\nwant %x", reEncoded, pkt)
	}
}
