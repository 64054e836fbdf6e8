// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package nanoprobe implements the nanoprobe orchestrator (spec.md §4.10,
// component C12): the startup handshake with the CMA and the obey-command
// dispatch that drives every other subsystem in this module.
package nanoprobe

import (
	"fmt"
	"sync"
	"time"

	"github.com/assimilation-project/nanoprobe/core/discovery"
	"github.com/assimilation-project/nanoprobe/core/fsprotocol"
	"github.com/assimilation-project/nanoprobe/core/heartbeat"
	"github.com/assimilation-project/nanoprobe/core/log"
	"github.com/assimilation-project/nanoprobe/core/netaddr"
	"github.com/assimilation-project/nanoprobe/core/worker"
	"github.com/assimilation-project/nanoprobe/core/wire/frame"
	"github.com/assimilation-project/nanoprobe/core/wire/frameset"
)

// Reserved frameset types for the startup handshake and obey-command
// protocol (spec.md §4.10). Application frameset types begin above
// discovery.DiscoveryFSType (200).
const (
	FSStartup          frameset.Type = 210
	FSSetConfig        frameset.Type = 211
	FSSendHB           frameset.Type = 212
	FSExpectHB         frameset.Type = 213
	FSSendExpectHB     frameset.Type = 214
	FSStopSendHB       frameset.Type = 215
	FSStopExpectHB     frameset.Type = 216
	FSStopSendExpectHB frameset.Type = 217
	FSIncrDebug        frameset.Type = 218
	FSDecrDebug        frameset.Type = 219
	FSDoDiscover       frameset.Type = 220
	FSStopDiscover     frameset.Type = 221
	FSHBShutdown       frameset.Type = 222
	// FSHBDead is the reliable frameset sent upstream to the CMA when a
	// peer's deadtime expires — distinct from heartbeat.HeartbeatFSType,
	// which is only ever unsequenced peer-to-peer traffic (spec.md §7:
	// deadtime is "promoted to a reliable HBDEAD frameset").
	FSHBDead frameset.Type = 223
)

const controlQueueID uint16 = 0

// ConfigStore is the minimal in-memory stand-in for the external
// configuration store spec.md §1 places out of scope: it holds the
// initial discovery JSON (so the startup loop in spec.md §4.10 step 1 has
// something to poll) and the CMA address list delivered by SETCONFIG.
type ConfigStore struct {
	mu             sync.Mutex
	initialJSON    []byte
	cmaAddrs       []netaddr.NetAddr
}

func (c *ConfigStore) setInitialJSON(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialJSON = b
}

func (c *ConfigStore) hasInitialJSON() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialJSON != nil
}

func (c *ConfigStore) InitialJSON() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialJSON
}

func (c *ConfigStore) setCMAAddrs(addrs []netaddr.NetAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cmaAddrs = addrs
}

func (c *ConfigStore) CMAAddrs() []netaddr.NetAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]netaddr.NetAddr{}, c.cmaAddrs...)
}

func (c *ConfigStore) hasCMAAddrs() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cmaAddrs) > 0
}

// Orchestrator wires every other subsystem together and implements the
// startup handshake plus obey-command dispatch (spec.md §4.10).
type Orchestrator struct {
	Hostname       string
	RendezvousAddr netaddr.NetAddr

	Protocol   *fsprotocol.Protocol
	Dispatcher *discovery.Dispatcher
	HbListener *heartbeat.HbListener
	Config     *ConfigStore

	log *log.Logger

	debugMu    sync.Mutex
	debugLevel int

	senders map[string]*heartbeat.HbSender

	worker.Worker
}

// New creates an Orchestrator. Callers must set Protocol, Dispatcher, and
// HbListener before calling Start.
func New(hostname string, rendezvous netaddr.NetAddr, logger *log.Logger) *Orchestrator {
	return &Orchestrator{
		Hostname:       hostname,
		RendezvousAddr: rendezvous,
		Config:         &ConfigStore{},
		log:            logger,
		senders:        make(map[string]*heartbeat.HbSender),
	}
}

// RecordInitialDiscovery marks the initial discovery JSON as present in
// the config store, satisfying startup step 1. Wired by the caller's
// discovery.Sender callback (e.g. cmd/nanoprobe) once the first discovery
// send succeeds.
func (o *Orchestrator) RecordInitialDiscovery(payload []byte) {
	o.Config.setInitialJSON(payload)
}

// Start runs spec.md §4.10's startup step 1 synchronously, polling the
// Dispatcher until the initial discovery JSON has been recorded. It then
// starts step 2's STARTUP loop in the background and returns without
// waiting for SETCONFIG. Obey-commands (step 3) reach ObeyCommand through
// the delivery callback the caller wires to the protocol.
func (o *Orchestrator) Start() {
	o.Dispatcher.PollOnce()
	// Step 1: loop until the initial discovery JSON lands in the config
	// store. In this module the Dispatcher's send callback is expected to
	// also populate o.Config via setInitialJSON (wired by the caller).
	for !o.Config.hasInitialJSON() {
		time.Sleep(50 * time.Millisecond)
		o.Dispatcher.PollOnce()
	}

	o.Worker.Go(o.startupLoop)
}

// startupLoop implements step 2: every 5 seconds, send an unreliable
// STARTUP frameset to the CMA rendezvous address until SETCONFIG has
// delivered real CMA addresses.
func (o *Orchestrator) startupLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	o.sendStartup()
	for {
		if o.Config.hasCMAAddrs() {
			return
		}
		select {
		case <-o.Worker.HaltCh():
			return
		case <-ticker.C:
			o.sendStartup()
		}
	}
}

func (o *Orchestrator) sendStartup() {
	fs := frameset.New(FSStartup)
	fs.Append(frame.NewCString(o.Hostname))
	fs.Append(frame.NewByteString(o.Config.InitialJSON()))
	if err := o.Protocol.SendUnsequenced(o.RendezvousAddr, fs); err != nil && o.log != nil {
		o.log.Warn("nanoprobe: startup send failed", "err", err)
	}
}

// ObeyCommand implements step 3: dispatches one obey-command frameset
// received from the CMA (spec.md §4.10).
func (o *Orchestrator) ObeyCommand(src netaddr.NetAddr, fs *frameset.FrameSet) {
	switch fs.FSType {
	case FSSetConfig:
		o.obeySetConfig(fs)
	case FSSendHB:
		o.obeySendHB(fs)
	case FSExpectHB:
		o.obeyExpectHB(fs)
	case FSSendExpectHB:
		o.obeySendHB(fs)
		o.obeyExpectHB(fs)
	case FSStopSendHB:
		o.obeyStopSendHB(fs)
	case FSStopExpectHB:
		o.obeyStopExpectHB(fs)
	case FSStopSendExpectHB:
		o.obeyStopSendHB(fs)
		o.obeyStopExpectHB(fs)
	case FSIncrDebug:
		o.debugMu.Lock()
		o.debugLevel++
		o.debugMu.Unlock()
	case FSDecrDebug:
		o.debugMu.Lock()
		if o.debugLevel > 0 {
			o.debugLevel--
		}
		o.debugMu.Unlock()
	case FSDoDiscover:
		o.Dispatcher.PollOnce()
	case FSStopDiscover:
		// Discovery has no per-source stop granularity in this module;
		// a full stop is Dispatcher.Halt, reserved for process shutdown.
	default:
		if o.log != nil {
			o.log.Warn("nanoprobe: unrecognized obey-command", "fsType", fs.FSType, "src", src.String())
		}
	}
}

func firstAddress(fs *frameset.FrameSet) (netaddr.NetAddr, bool) {
	for _, f := range fs.Frames {
		if af, ok := f.(*frame.AddressFrame); ok {
			return af.Addr, true
		}
	}
	return netaddr.NetAddr{}, false
}

func firstSignedInt(fs *frameset.FrameSet) (int64, bool) {
	for _, f := range fs.Frames {
		if iv, ok := f.(*frame.IntFrame); ok {
			return iv.Signed64, true
		}
	}
	return 0, false
}

func (o *Orchestrator) obeySetConfig(fs *frameset.FrameSet) {
	var addrs []netaddr.NetAddr
	for _, f := range fs.Frames {
		if af, ok := f.(*frame.AddressFrame); ok {
			addrs = append(addrs, af.Addr)
		}
	}
	if len(addrs) > 0 {
		o.Config.setCMAAddrs(addrs)
	}
}

func (o *Orchestrator) obeySendHB(fs *frameset.FrameSet) {
	dest, ok := firstAddress(fs)
	if !ok {
		return
	}
	intervalSec, _ := firstSignedInt(fs)
	if intervalSec <= 0 {
		intervalSec = 1
	}
	sender := heartbeat.NewHbSender(dest, time.Duration(intervalSec)*time.Second, o.Protocol.SendUnsequenced)
	sender.Run()
	o.senders[dest.Key()] = sender
}

func (o *Orchestrator) obeyStopSendHB(fs *frameset.FrameSet) {
	dest, ok := firstAddress(fs)
	if !ok {
		return
	}
	if s, found := o.senders[dest.Key()]; found {
		s.Halt()
		delete(o.senders, dest.Key())
	}
}

func (o *Orchestrator) obeyExpectHB(fs *frameset.FrameSet) {
	peer, ok := firstAddress(fs)
	if !ok {
		return
	}
	var ints []int64
	for _, f := range fs.Frames {
		if iv, ok := f.(*frame.IntFrame); ok {
			ints = append(ints, iv.Signed64)
		}
	}
	deadtime, warntime := int64(3), int64(1)
	if len(ints) >= 1 {
		deadtime = ints[0]
	}
	if len(ints) >= 2 {
		warntime = ints[1]
	}
	o.HbListener.Expect(peer, time.Duration(deadtime)*time.Second, time.Duration(warntime)*time.Second,
		func(p netaddr.NetAddr) { o.onDeadtime(p) },
		nil, nil,
		func(p netaddr.NetAddr, late time.Duration) { o.onComealive(p, late) })
}

func (o *Orchestrator) obeyStopExpectHB(fs *frameset.FrameSet) {
	peer, ok := firstAddress(fs)
	if !ok {
		return
	}
	o.HbListener.StopExpecting(peer)
}

func (o *Orchestrator) onDeadtime(peer netaddr.NetAddr) {
	if o.log != nil {
		o.log.Warn("nanoprobe: peer deadtime exceeded", "peer", peer.String())
	}
	fs := frameset.New(FSHBDead)
	fs.Append(frame.NewAddress(peer, false))
	_ = o.Protocol.Send(o.firstCMA(), controlQueueID, []*frameset.FrameSet{fs})
}

func (o *Orchestrator) onComealive(peer netaddr.NetAddr, late time.Duration) {
	if o.log != nil {
		o.log.Info("nanoprobe: peer revived", "peer", peer.String(), "lateness", late)
	}
}

func (o *Orchestrator) firstCMA() netaddr.NetAddr {
	addrs := o.Config.CMAAddrs()
	if len(addrs) == 0 {
		return o.RendezvousAddr
	}
	return addrs[0]
}

// Shutdown implements spec.md §4.10 step 4: send HBSHUTDOWN reliably to
// the CMA and wait for it to drain (be ACKed) within timeout, returning a
// non-zero-worthy error on timeout per spec.md §6 "Shutdown exit codes".
func (o *Orchestrator) Shutdown(timeout time.Duration) error {
	dest := o.firstCMA()
	fs := frameset.New(FSHBShutdown)
	fs.Append(frame.NewCString(o.Hostname))
	if err := o.Protocol.Send(dest, controlQueueID, []*frameset.FrameSet{fs}); err != nil {
		return fmt.Errorf("nanoprobe: shutdown send: %w", err)
	}
	o.Protocol.Close(dest, controlQueueID)

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if o.Protocol.State(dest, controlQueueID) == fsprotocol.Closed {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("nanoprobe: graceful shutdown ACK not received within %s", timeout)
}
