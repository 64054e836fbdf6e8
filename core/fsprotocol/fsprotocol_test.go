// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

package fsprotocol

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/assimilation-project/nanoprobe/core/netaddr"
	"github.com/assimilation-project/nanoprobe/core/netio"
	"github.com/assimilation-project/nanoprobe/core/wire/decoder"
	"github.com/assimilation-project/nanoprobe/core/wire/frame"
	"github.com/assimilation-project/nanoprobe/core/wire/frameset"
)

type hashVerifier struct{ secret []byte }

func (h hashVerifier) VerifySignature(sig *frame.SignatureFrame, body []byte) bool {
	return frame.VerifyHash(sig, h.secret, body)
}

func newTestProtocol(t *testing.T, secret []byte) (*Protocol, netaddr.NetAddr) {
	t.Helper()
	return newTestProtocolWithConfig(t, secret, Config{RexmitInterval: 30 * time.Millisecond})
}

func newTestProtocolWithConfig(t *testing.T, secret []byte, cfg Config) (*Protocol, netaddr.NetAddr) {
	t.Helper()
	dec := decoder.New(hashVerifier{secret}, nil, nil)
	n, err := netio.New("127.0.0.1:0", netio.BindOptions{}, dec, nil, nil)
	require.NoError(t, err)
	env := func(netaddr.NetAddr) frameset.Envelope {
		return frameset.Envelope{Sign: func(body []byte) *frame.SignatureFrame { return frame.SignHash(secret, body) }}
	}
	p := New(n, env, cfg, nil, nil)
	return p, n.LocalAddr()
}

func TestSendReceiveInOrderDelivery(t *testing.T) {
	secret := []byte("shared")
	a, _ := newTestProtocol(t, secret)
	b, bAddr := newTestProtocol(t, secret)

	var mu sync.Mutex
	var delivered []string
	done := make(chan struct{})
	b.Deliver = func(src netaddr.NetAddr, qid uint16, fs *frameset.FrameSet) {
		mu.Lock()
		for _, f := range fs.Frames {
			if cs, ok := f.(*frame.CStringFrame); ok {
				delivered = append(delivered, cs.Value)
			}
		}
		n := len(delivered)
		mu.Unlock()
		b.Ack(src, qid, fs)
		if n == 3 {
			close(done)
		}
	}

	a.Run()
	b.Run()
	defer a.Halt()
	defer b.Halt()

	fs1 := frameset.New(1)
	fs1.Append(frame.NewCString("one"))
	fs2 := frameset.New(1)
	fs2.Append(frame.NewCString("two"))
	fs3 := frameset.New(1)
	fs3.Append(frame.NewCString("three"))

	require.NoError(t, a.Send(bAddr, 0, []*frameset.FrameSet{fs1, fs2, fs3}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"one", "two", "three"}, delivered)
}

func TestSendBatchLargerThanWindowDrainsFully(t *testing.T) {
	secret := []byte("shared")
	cfg := Config{WindowSize: 2, RexmitInterval: 30 * time.Millisecond}
	a, _ := newTestProtocolWithConfig(t, secret, cfg)
	b, bAddr := newTestProtocolWithConfig(t, secret, cfg)

	const total = 5
	var mu sync.Mutex
	var delivered []string
	done := make(chan struct{})
	b.Deliver = func(src netaddr.NetAddr, qid uint16, fs *frameset.FrameSet) {
		mu.Lock()
		for _, f := range fs.Frames {
			if cs, ok := f.(*frame.CStringFrame); ok {
				delivered = append(delivered, cs.Value)
			}
		}
		n := len(delivered)
		mu.Unlock()
		b.Ack(src, qid, fs)
		if n == total {
			close(done)
		}
	}

	a.Run()
	b.Run()
	defer a.Halt()
	defer b.Halt()

	sets := make([]*frameset.FrameSet, total)
	want := make([]string, total)
	for i := range sets {
		payload := string(rune('a' + i))
		sets[i] = frameset.New(1)
		sets[i].Append(frame.NewCString(payload))
		want[i] = payload
	}
	require.NoError(t, a.Send(bAddr, 0, sets))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delivery: a batch larger than windowSize stalled past the first window")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, want, delivered)
}

func TestQueueFullRejectsAllOrNothing(t *testing.T) {
	secret := []byte("shared")
	a, _ := newTestProtocol(t, secret)
	a.maxQueueLen = 2

	addr, err := netaddr.New(netaddr.FamilyIPv4, []byte{127, 0, 0, 1}, 9999)
	require.NoError(t, err)

	fs := func() *frameset.FrameSet {
		f := frameset.New(1)
		f.Append(frame.NewCString("x"))
		return f
	}
	require.Error(t, a.Send(addr, 0, []*frameset.FrameSet{fs(), fs(), fs()}))
}
