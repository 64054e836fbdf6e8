// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package heartbeat implements the HbSender/HbListener state machine
// (spec.md §4.9, component C10): periodic heartbeat emission and
// per-peer deadtime/warntime tracking with dead/late/revived/martian
// callbacks.
package heartbeat

import (
	"sync"
	"time"

	"github.com/assimilation-project/nanoprobe/core/log"
	"github.com/assimilation-project/nanoprobe/core/metrics"
	"github.com/assimilation-project/nanoprobe/core/netaddr"
	"github.com/assimilation-project/nanoprobe/core/worker"
	"github.com/assimilation-project/nanoprobe/core/wire/frameset"
)

// HeartbeatFSType is the reserved frameset type for unsequenced heartbeat
// datagrams (spec.md §4.9: "schedules a periodic unsequenced heartbeat
// frameset").
const HeartbeatFSType frameset.Type = 0xFFFE

// Status is a listener's current belief about its peer.
type Status int

const (
	Receiving Status = iota
	TimedOut
)

// Sender is one outgoing heartbeat source: Send(dest, fs) wires it into
// FsProtocol.SendUnsequenced (or any comparable unsequenced-send
// primitive) without this package importing fsprotocol directly.
type Sender func(dest netaddr.NetAddr, fs *frameset.FrameSet) error

// HbSender periodically sends an unsequenced heartbeat frameset to dest.
type HbSender struct {
	dest     netaddr.NetAddr
	interval time.Duration
	send     Sender

	worker.Worker
}

// NewHbSender creates a sender; call Run to start its tick goroutine.
func NewHbSender(dest netaddr.NetAddr, interval time.Duration, send Sender) *HbSender {
	return &HbSender{dest: dest, interval: interval, send: send}
}

// Run starts the periodic send loop on a core/worker.Worker goroutine.
func (s *HbSender) Run() {
	s.Worker.Go(func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.Worker.HaltCh():
				return
			case <-ticker.C:
				fs := frameset.New(HeartbeatFSType)
				_ = s.send(s.dest, fs)
			}
		}
	})
}

// listener is one peer's heartbeat-expectation state.
type listener struct {
	peer     netaddr.NetAddr
	deadtime time.Duration
	warntime time.Duration

	status       Status
	nextExpected time.Time
	warnTime     time.Time

	onDeadtime func(peer netaddr.NetAddr)
	onHeartbeat func(peer netaddr.NetAddr)
	onWarntime  func(peer netaddr.NetAddr, late time.Duration)
	onComealive func(peer netaddr.NetAddr, late time.Duration)
}

// HbListener tracks every peer this process currently expects heartbeats
// from, ticking once a second to detect dead peers (spec.md §4.9).
type HbListener struct {
	mu        sync.Mutex
	listeners map[string]*listener

	// OnMartian fires when a heartbeat arrives from a peer with no active
	// listener (spec.md §4.9, §GLOSSARY "Martian").
	OnMartian func(peer netaddr.NetAddr)

	metrics *metrics.Collector
	log     *log.Logger

	worker.Worker
}

// NewHbListener creates an empty listener set.
func NewHbListener(m *metrics.Collector, logger *log.Logger) *HbListener {
	return &HbListener{
		listeners: make(map[string]*listener),
		metrics:   m,
		log:       logger,
	}
}

// Expect registers a peer to expect heartbeats from, with its deadtime,
// warntime, and callbacks (spec.md §4.9 HbListener constructor).
func (h *HbListener) Expect(peer netaddr.NetAddr, deadtime, warntime time.Duration, onDeadtime, onHeartbeat func(netaddr.NetAddr), onWarntime, onComealive func(netaddr.NetAddr, time.Duration)) {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners[peer.Key()] = &listener{
		peer:         peer,
		deadtime:     deadtime,
		warntime:     warntime,
		status:       Receiving,
		nextExpected: now.Add(deadtime),
		warnTime:     now.Add(warntime),
		onDeadtime:   onDeadtime,
		onHeartbeat:  onHeartbeat,
		onWarntime:   onWarntime,
		onComealive:  onComealive,
	}
}

// StopExpecting removes a peer's listener (spec.md §4.9 destructor).
func (h *HbListener) StopExpecting(peer netaddr.NetAddr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.listeners, peer.Key())
}

// Status returns a peer's current status, if a listener exists for it.
func (h *HbListener) Status(peer netaddr.NetAddr) (Status, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.listeners[peer.Key()]
	if !ok {
		return 0, false
	}
	return l.status, true
}

// Received processes one incoming heartbeat from peer (spec.md §4.9 "On
// each received heartbeat"). A peer with no listener fires OnMartian.
func (h *HbListener) Received(peer netaddr.NetAddr) {
	now := time.Now()
	h.mu.Lock()
	l, ok := h.listeners[peer.Key()]
	if !ok {
		h.mu.Unlock()
		if h.OnMartian != nil {
			h.OnMartian(peer)
		}
		if h.metrics != nil {
			h.metrics.IncHeartbeat(metrics.HBMartian)
		}
		return
	}

	var (
		wasTimedOut bool
		comealiveLate time.Duration
		warnLate      time.Duration
		fireWarn      bool
	)
	if l.status == TimedOut {
		wasTimedOut = true
		comealiveLate = now.Sub(l.nextExpected)
	} else if now.After(l.warnTime) {
		fireWarn = true
		warnLate = now.Sub(l.warnTime)
	}
	l.status = Receiving
	l.nextExpected = now.Add(l.deadtime)
	l.warnTime = now.Add(l.warntime)
	onHeartbeat := l.onHeartbeat
	onWarn := l.onWarntime
	onComealive := l.onComealive
	h.mu.Unlock()

	if wasTimedOut && onComealive != nil {
		onComealive(peer, comealiveLate)
	} else if fireWarn && onWarn != nil {
		onWarn(peer, warnLate)
	}
	if onHeartbeat != nil {
		onHeartbeat(peer)
	}
	if h.metrics != nil {
		if wasTimedOut {
			h.metrics.IncHeartbeat(metrics.HBRevived)
		}
		h.metrics.IncHeartbeat(metrics.HBReceived)
	}
}

// tick visits every listener once; fires deadtime callbacks for peers that
// have newly gone silent (spec.md §4.9: "a periodic one-second tick").
func (h *HbListener) tick() {
	now := time.Now()
	type fire struct {
		peer netaddr.NetAddr
		cb   func(netaddr.NetAddr)
	}
	var fires []fire

	h.mu.Lock()
	for _, l := range h.listeners {
		if l.status == Receiving && now.After(l.nextExpected) {
			l.status = TimedOut
			if l.onDeadtime != nil {
				fires = append(fires, fire{peer: l.peer, cb: l.onDeadtime})
			}
		}
	}
	h.mu.Unlock()

	for _, f := range fires {
		f.cb(f.peer)
		if h.metrics != nil {
			h.metrics.IncHeartbeat(metrics.HBDead)
		}
		if h.log != nil {
			h.log.Warn("heartbeat deadtime exceeded", "peer", f.peer.String())
		}
	}
}

// Run starts the once-a-second tick loop on a core/worker.Worker goroutine.
func (h *HbListener) Run() {
	h.Worker.Go(func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-h.Worker.HaltCh():
				return
			case <-ticker.C:
				h.tick()
			}
		}
	})
}

// IsHeartbeatFrameSet reports whether fs is an unsequenced heartbeat
// frameset, as opposed to application data.
func IsHeartbeatFrameSet(fs *frameset.FrameSet) bool {
	return fs.FSType == HeartbeatFSType
}
