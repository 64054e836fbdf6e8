// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

package keystore

import (
	"crypto/ed25519"
	"testing"

	"github.com/assimilation-project/nanoprobe/core/netaddr"
)

func TestSealOpenRoundTrip(t *testing.T) {
	alice := New("")
	bob := New("")

	if err := alice.GenerateAndSaveBoxKeyPair("alice"); err != nil {
		t.Fatal(err)
	}
	if err := bob.GenerateAndSaveBoxKeyPair("bob"); err != nil {
		t.Fatal(err)
	}
	// Each side needs the peer's public half to seal/open.
	alicePub, _ := alice.boxPair("alice")
	bobPub, _ := bob.boxPair("bob")
	alice.AddBoxPublicKey("bob", bobPub.pub, "")
	bob.AddBoxPublicKey("alice", alicePub.pub, "")

	ef, err := alice.Seal("alice", "bob", []byte("hello nanoprobe"))
	if err != nil {
		t.Fatal(err)
	}
	plain, err := bob.Open(ef)
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != "hello nanoprobe" {
		t.Fatalf("got %q", plain)
	}
}

func TestSealUnknownReceiverFails(t *testing.T) {
	s := New("")
	if err := s.GenerateAndSaveBoxKeyPair("alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Seal("alice", "nobody", []byte("x")); err == nil {
		t.Fatal("expected an error for an unknown receiver key id")
	}
}

func TestVerifySignatureHash(t *testing.T) {
	s := New("")
	s.SetHashSecret([]byte("shared-secret"))
	body := []byte("frameset body")
	sig := s.Sign(body)
	if !s.VerifySignature(sig, body) {
		t.Fatal("expected a valid hash signature to verify")
	}
	if s.VerifySignature(sig, []byte("tampered")) {
		t.Fatal("expected a tampered body to fail verification")
	}
}

func TestVerifySignatureEd25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	s := New("")
	s.AddEd25519KeyPair("node1", pub, priv, "node1")
	s.SetDefaultSignKeyID("node1")

	body := []byte("frameset body")
	sig := s.Sign(body)
	if !s.VerifySignature(sig, body) {
		t.Fatal("expected a valid ed25519 signature to verify")
	}
}

func TestDestinationKeyLookup(t *testing.T) {
	s := New("")
	addr, err := netaddr.New(netaddr.FamilyIPv4, []byte{10, 0, 0, 1}, 1984)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.DestinationKeyID(addr); ok {
		t.Fatal("expected no destination key bound yet")
	}
	s.SetDestinationKey(addr, "node1")
	id, ok := s.DestinationKeyID(addr)
	if !ok || id != "node1" {
		t.Fatalf("expected node1, got %q ok=%v", id, ok)
	}
}

func TestGenerateAndSaveBoxKeyPairWritesFiles(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	if err := s.GenerateAndSaveBoxKeyPair("node1"); err != nil {
		t.Fatal(err)
	}

	reload := New(dir)
	if err := reload.LoadBoxKeyPairFiles("node1"); err != nil {
		t.Fatal(err)
	}
	if _, err := reload.boxPair("node1"); err != nil {
		t.Fatal(err)
	}
}
