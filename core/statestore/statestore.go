// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package statestore persists the per-queue session-id state spec.md §3
// requires ("a mechanism to force a larger value if a previous session id
// is recalled from persistent state"), following the teacher's disk.go
// statefile-worker pattern: encrypt-then-write via nacl/secretbox, with a
// key derived by argon2, flushed on a dedicated worker goroutine using a
// temp-file-then-rename sequence.
package statestore

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"github.com/assimilation-project/nanoprobe/core/log"
	"github.com/assimilation-project/nanoprobe/core/worker"
	"github.com/ugorji/go/codec"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

// State is the serialized content of the statefile: the last-used session
// id per queue-id namespace.
type State struct {
	SessionIDByQueue map[uint16]uint32
}

var cborHandle = new(codec.CborHandle)

// ErrCorrupt is returned when the statefile cannot be decrypted, signalling
// either a wrong passphrase or a damaged file.
var ErrCorrupt = errors.New("statestore: failed to decrypt statefile")

// Writer owns a statefile and flushes updates to it from a dedicated
// core/worker.Worker goroutine, serializing State with ugorji/go/codec's
// CBOR handle (matching the teacher's wire format for on-disk state) and
// sealing it with nacl/secretbox.
type Writer struct {
	worker.Worker

	log *log.Logger

	stateCh   chan State
	stateFile string
	key       [keySize]byte
}

// deriveKey runs Argon2i (argon2.Key, with no salt) over passphrase, with
// the teacher's KDF parameters (time=3, memory=32MiB, threads=4).
func deriveKey(passphrase []byte) [keySize]byte {
	var key [keySize]byte
	copy(key[:], argon2.Key(passphrase, nil, 3, 32*1024, 4, keySize))
	return key
}

// Load decrypts stateFile and returns its State plus a ready-to-start
// Writer for subsequent updates. A missing file is not an error: it
// returns a zero-value State and a Writer that will create the file on
// first Save.
func Load(logger *log.Logger, stateFile string, passphrase []byte) (*Writer, State, error) {
	w := &Writer{log: logger, stateCh: make(chan State), stateFile: stateFile, key: deriveKey(passphrase)}

	raw, err := os.ReadFile(stateFile)
	if os.IsNotExist(err) {
		return w, State{SessionIDByQueue: make(map[uint16]uint32)}, nil
	}
	if err != nil {
		return nil, State{}, err
	}
	if len(raw) < nonceSize {
		return nil, State{}, ErrCorrupt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plaintext, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &w.key)
	if !ok {
		return nil, State{}, ErrCorrupt
	}
	var st State
	if err := codec.NewDecoderBytes(plaintext, cborHandle).Decode(&st); err != nil {
		return nil, State{}, fmt.Errorf("statestore: decode: %w", err)
	}
	if st.SessionIDByQueue == nil {
		st.SessionIDByQueue = make(map[uint16]uint32)
	}
	return w, st, nil
}

// Start launches the flush goroutine.
func (w *Writer) Start() {
	if w.log != nil {
		w.log.Debug("statestore: writer starting")
	}
	w.Worker.Go(w.run)
}

// Save queues st for the next flush, blocking until the writer goroutine
// accepts it (or the Writer has already halted, in which case it is a
// no-op).
func (w *Writer) Save(st State) {
	select {
	case w.stateCh <- st:
	case <-w.Worker.HaltCh():
	}
}

func (w *Writer) run() {
	for {
		select {
		case <-w.Worker.HaltCh():
			return
		case st := <-w.stateCh:
			if err := w.writeState(st); err != nil {
				if w.log != nil {
					w.log.Error("statestore: write failed", "err", err)
				}
			}
		}
	}
}

func (w *Writer) writeState(st State) error {
	buf, err := encodeCBOR(st)
	if err != nil {
		return err
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}
	ciphertext := secretbox.Seal(nil, buf, &nonce, &w.key)
	out := append(nonce[:], ciphertext...)

	tmp := w.stateFile + ".tmp"
	if err := os.WriteFile(tmp, out, 0600); err != nil {
		return err
	}
	if err := os.Remove(w.stateFile + "~"); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Rename(w.stateFile, w.stateFile+"~"); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Rename(tmp, w.stateFile); err != nil {
		return err
	}
	return os.Remove(w.stateFile + "~")
}

func encodeCBOR(st State) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, cborHandle)
	if err := enc.Encode(st); err != nil {
		return nil, err
	}
	return buf, nil
}
