// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package keystore implements the cryptographic identity store (spec.md
// §3/§4.4, component C7): key-id -> public key, key-id -> private key,
// key-id -> logical identity, and destination-address -> key-id. It is a
// dependency-injected handle rather than a process global (spec.md §9), so
// tests can construct isolated instances.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/assimilation-project/nanoprobe/core/netaddr"
	"github.com/assimilation-project/nanoprobe/core/wire/decoder"
	"github.com/assimilation-project/nanoprobe/core/wire/frame"
	"golang.org/x/crypto/nacl/box"
)

// Key file layout per spec.md §6: <keydir>/<key_id>.pub, <keydir>/<key_id>.secret.
const (
	pubSuffix    = ".pub"
	secretSuffix = ".secret"
)

// CMAIdentityPrefix is the CMA's distinguished key-id namespace (spec.md
// §6): "#CMA#*"; the CMA publishes only the .pub half of such keys.
const CMAIdentityPrefix = "#CMA#"

var (
	ErrUnknownKey  = errors.New("keystore: unknown key id")
	ErrNoHashSecret = errors.New("keystore: no shared secret configured for hash signatures")
)

// boxKeyPair holds one key id's box (encryption) keypair; either half may be
// absent (public-only keys for peers, private-only is never stored for a
// boxKeyPair since a private key implies its public counterpart).
type boxKeyPair struct {
	pub  *[32]byte
	priv *[32]byte // nil if only the public half is known (a peer's key)
}

// Store is the key material the spec mandates: box keypairs for
// encryption, ed25519 keys for authenticated signatures, an identity name
// per key id, and a destination-address -> key-id map selecting the
// outgoing encryption key.
type Store struct {
	mu sync.RWMutex

	keyDir string

	boxKeys map[string]*boxKeyPair
	edPub   map[string]ed25519.PublicKey
	edPriv  map[string]ed25519.PrivateKey
	identity map[string]string // key id -> identity name

	destKey map[string]string // netaddr.Key() -> key id

	defaultSignKeyID string
	hashSecret       []byte // shared secret for SigKindHash, spec.md §9 open question #1
}

// New creates an empty Store rooted at keyDir (used for on-disk key file
// operations; may be "" if the store is only used in-memory, e.g. tests).
func New(keyDir string) *Store {
	return &Store{
		keyDir:   keyDir,
		boxKeys:  make(map[string]*boxKeyPair),
		edPub:    make(map[string]ed25519.PublicKey),
		edPriv:   make(map[string]ed25519.PrivateKey),
		identity: make(map[string]string),
		destKey:  make(map[string]string),
	}
}

// SetHashSecret configures the shared secret used for SigKindHash
// signatures (spec.md §9 open question #1: the hash-based signature path).
func (s *Store) SetHashSecret(secret []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashSecret = append([]byte{}, secret...)
}

// SetDefaultSignKeyID names the private key used to sign outgoing
// encrypted framesets (spec.md §3: "a process-wide default signing key id").
func (s *Store) SetDefaultSignKeyID(keyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultSignKeyID = keyID
}

// DefaultSignKeyID returns the configured default signing key id.
func (s *Store) DefaultSignKeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultSignKeyID
}

// AddBoxKeyPair registers a local box keypair (public+private) under keyID.
func (s *Store) AddBoxKeyPair(keyID string, pub, priv *[32]byte, identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boxKeys[keyID] = &boxKeyPair{pub: pub, priv: priv}
	if identity != "" {
		s.identity[keyID] = identity
	}
}

// AddBoxPublicKey registers a peer's box public key (no private half).
func (s *Store) AddBoxPublicKey(keyID string, pub *[32]byte, identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boxKeys[keyID] = &boxKeyPair{pub: pub}
	if identity != "" {
		s.identity[keyID] = identity
	}
}

// AddEd25519KeyPair registers a local ed25519 identity.
func (s *Store) AddEd25519KeyPair(keyID string, pub ed25519.PublicKey, priv ed25519.PrivateKey, identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edPub[keyID] = pub
	if priv != nil {
		s.edPriv[keyID] = priv
	}
	if identity != "" {
		s.identity[keyID] = identity
	}
}

// SetDestinationKey binds an outgoing encryption key id to a destination
// address (spec.md §3: "destination_address → key_id selecting the
// outgoing encryption key").
func (s *Store) SetDestinationKey(dest netaddr.NetAddr, keyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destKey[dest.Key()] = keyID
}

// DestinationKeyID looks up the encryption key id configured for dest.
func (s *Store) DestinationKeyID(dest netaddr.NetAddr) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.destKey[dest.Key()]
	return id, ok
}

// Identity returns the logical identity name bound to keyID.
func (s *Store) Identity(keyID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.identity[keyID]
	return id, ok
}

// boxPair looks up a box keypair, returning ErrUnknownKey if absent.
func (s *Store) boxPair(keyID string) (*boxKeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kp, ok := s.boxKeys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	return kp, nil
}

// Seal implements frame.Seal sourcing keys from the store: senderKeyID
// must be a local keypair (private half present); receiverKeyID may be a
// peer's public-only entry.
func (s *Store) Seal(senderKeyID, receiverKeyID string, plaintext []byte) (*frame.EncryptionFrame, error) {
	if !frame.ValidKeyID(senderKeyID) || !frame.ValidKeyID(receiverKeyID) {
		return nil, frame.ErrBadKey
	}
	sender, err := s.boxPair(senderKeyID)
	if err != nil {
		return nil, err
	}
	if sender.priv == nil {
		return nil, fmt.Errorf("keystore: no private key for sender %s", senderKeyID)
	}
	recv, err := s.boxPair(receiverKeyID)
	if err != nil {
		return nil, err
	}
	return frame.Seal(senderKeyID, receiverKeyID, sender.priv, recv.pub, plaintext)
}

// Open implements decoder.Decryptor, resolving both key ids from the store.
func (s *Store) Open(ef *frame.EncryptionFrame) ([]byte, error) {
	if !frame.ValidKeyID(ef.SenderKeyID) || !frame.ValidKeyID(ef.ReceiverKeyID) {
		return nil, frame.ErrBadKey
	}
	sender, err := s.boxPair(ef.SenderKeyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", decoder.ErrUnknownKey, err)
	}
	recv, err := s.boxPair(ef.ReceiverKeyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", decoder.ErrUnknownKey, err)
	}
	if recv.priv == nil {
		return nil, fmt.Errorf("keystore: no private key for receiver %s", ef.ReceiverKeyID)
	}
	return ef.Open(recv.priv, sender.pub)
}

// VerifySignature implements decoder.SignatureVerifier. SigKindHash is
// checked against the store's shared secret; SigKindEd25519 is checked
// against the default signing key id's public half (there is no explicit
// key id on the wire for the signature frame per spec.md §4.4, so the
// caller is expected to have already bound this Store to the peer whose
// signature is expected, e.g. via a per-connection Store view).
func (s *Store) VerifySignature(sig *frame.SignatureFrame, body []byte) bool {
	switch sig.Kind {
	case frame.SigKindHash:
		s.mu.RLock()
		secret := s.hashSecret
		s.mu.RUnlock()
		if secret == nil {
			return false
		}
		return frame.VerifyHash(sig, secret, body)
	case frame.SigKindEd25519:
		s.mu.RLock()
		keyID := s.defaultSignKeyID
		s.mu.RUnlock()
		pub, ok := s.edPub[keyID]
		if !ok {
			return false
		}
		return frame.VerifyEd25519(sig, pub, body)
	default:
		return false
	}
}

// Sign produces the outgoing signature frame using the configured default
// scheme: ed25519 if a default signing key id with a private half is set,
// otherwise the shared-secret hash scheme.
func (s *Store) Sign(body []byte) *frame.SignatureFrame {
	s.mu.RLock()
	keyID := s.defaultSignKeyID
	secret := s.hashSecret
	s.mu.RUnlock()
	if keyID != "" {
		if priv, ok := s.edPriv[keyID]; ok {
			return frame.SignEd25519(priv, body)
		}
	}
	return frame.SignHash(secret, body)
}

// --- on-disk key file layout (spec.md §6) ---

func keyIDFromFilename(name, suffix string) (string, bool) {
	if filepath.Ext(name) != suffix {
		return "", false
	}
	id := name[:len(name)-len(suffix)]
	if !frame.ValidKeyID(id) {
		return "", false
	}
	return id, true
}

// LoadBoxPublicKeyFile reads <keyDir>/<keyID>.pub as a raw 32-byte
// Curve25519 public key.
func (s *Store) LoadBoxPublicKeyFile(keyID string) error {
	if !frame.ValidKeyID(keyID) {
		return frame.ErrBadKey
	}
	data, err := os.ReadFile(filepath.Join(s.keyDir, keyID+pubSuffix))
	if err != nil {
		return err
	}
	if len(data) != 32 {
		return fmt.Errorf("keystore: %s.pub: expected 32 bytes, got %d", keyID, len(data))
	}
	var pub [32]byte
	copy(pub[:], data)
	s.AddBoxPublicKey(keyID, &pub, "")
	return nil
}

// LoadBoxKeyPairFiles reads both <keyDir>/<keyID>.pub and .secret.
func (s *Store) LoadBoxKeyPairFiles(keyID string) error {
	if !frame.ValidKeyID(keyID) {
		return frame.ErrBadKey
	}
	pubData, err := os.ReadFile(filepath.Join(s.keyDir, keyID+pubSuffix))
	if err != nil {
		return err
	}
	secData, err := os.ReadFile(filepath.Join(s.keyDir, keyID+secretSuffix))
	if err != nil {
		return err
	}
	if len(pubData) != 32 || len(secData) != 32 {
		return fmt.Errorf("keystore: %s: malformed key file lengths", keyID)
	}
	var pub, priv [32]byte
	copy(pub[:], pubData)
	copy(priv[:], secData)
	s.AddBoxKeyPair(keyID, &pub, &priv, "")
	return nil
}

// GenerateAndSaveBoxKeyPair creates a fresh keypair and writes both files
// under keyDir, matching the <id>.pub/<id>.secret layout spec.md §6
// mandates. The .secret file is written with 0600 permissions.
func (s *Store) GenerateAndSaveBoxKeyPair(keyID string) error {
	if !frame.ValidKeyID(keyID) {
		return frame.ErrBadKey
	}
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	if s.keyDir != "" {
		if err := os.MkdirAll(s.keyDir, 0700); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(s.keyDir, keyID+pubSuffix), pub[:], 0644); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(s.keyDir, keyID+secretSuffix), priv[:], 0600); err != nil {
			return err
		}
	}
	s.AddBoxKeyPair(keyID, pub, priv, "")
	return nil
}
