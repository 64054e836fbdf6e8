// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

package heartbeat

import (
	"sync"
	"testing"
	"time"

	"github.com/assimilation-project/nanoprobe/core/netaddr"
	"github.com/assimilation-project/nanoprobe/core/wire/frameset"
)

func mustAddr(t *testing.T) netaddr.NetAddr {
	t.Helper()
	a, err := netaddr.New(netaddr.FamilyIPv4, []byte{10, 0, 0, 1}, 1984)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestDeadtimeFiresOnce(t *testing.T) {
	peer := mustAddr(t)
	h := NewHbListener(nil, nil)

	var mu sync.Mutex
	deadCount := 0
	h.Expect(peer, 30*time.Millisecond, 15*time.Millisecond,
		func(netaddr.NetAddr) { mu.Lock(); deadCount++; mu.Unlock() },
		nil, nil, nil)

	h.Run()
	defer h.Halt()

	// Tick manually several times past deadtime without calling tick()
	// directly would require waiting a full second; exercise tick() the
	// way the ticker would, via the unexported entry point.
	time.Sleep(40 * time.Millisecond)
	h.tick()
	h.tick()

	mu.Lock()
	defer mu.Unlock()
	if deadCount != 1 {
		t.Fatalf("expected deadtime to fire exactly once, got %d", deadCount)
	}
}

func TestComealiveFiresAfterRevival(t *testing.T) {
	peer := mustAddr(t)
	h := NewHbListener(nil, nil)

	var mu sync.Mutex
	var comealiveLate time.Duration
	comealiveFired := false
	h.Expect(peer, 20*time.Millisecond, 10*time.Millisecond,
		nil, nil, nil,
		func(_ netaddr.NetAddr, late time.Duration) {
			mu.Lock()
			comealiveFired = true
			comealiveLate = late
			mu.Unlock()
		})

	time.Sleep(25 * time.Millisecond)
	h.tick()

	status, ok := h.Status(peer)
	if !ok || status != TimedOut {
		t.Fatalf("expected TimedOut, got %v (ok=%v)", status, ok)
	}

	h.Received(peer)

	mu.Lock()
	defer mu.Unlock()
	if !comealiveFired {
		t.Fatal("expected comealive callback to fire")
	}
	if comealiveLate < 0 {
		t.Fatalf("expected non-negative lateness, got %v", comealiveLate)
	}
}

func TestMartianFiresForUnknownPeer(t *testing.T) {
	h := NewHbListener(nil, nil)
	peer := mustAddr(t)

	fired := false
	h.OnMartian = func(netaddr.NetAddr) { fired = true }
	h.Received(peer)

	if !fired {
		t.Fatal("expected martian callback for unexpected peer")
	}
}

func TestHbSenderSendsPeriodically(t *testing.T) {
	dest := mustAddr(t)
	var mu sync.Mutex
	count := 0
	sender := NewHbSender(dest, 10*time.Millisecond, func(d netaddr.NetAddr, fs *frameset.FrameSet) error {
		mu.Lock()
		count++
		mu.Unlock()
		if !IsHeartbeatFrameSet(fs) {
			t.Error("expected heartbeat frameset type")
		}
		return nil
	})
	sender.Run()
	defer sender.Halt()

	time.Sleep(45 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count < 2 {
		t.Fatalf("expected at least 2 sends, got %d", count)
	}
}
