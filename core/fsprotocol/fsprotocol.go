// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package fsprotocol implements FsProtocol (spec.md §4.8, component C9):
// the reliable-UDP engine built atop NetIO and FsQueue. It maintains one
// connection per (destination address, queue id), schedules transmission
// and retransmission, and routes ACKs and application-layer data to the
// right queue.
package fsprotocol

import (
	"errors"
	"sync"
	"time"

	"github.com/assimilation-project/nanoprobe/core/fsqueue"
	"github.com/assimilation-project/nanoprobe/core/log"
	"github.com/assimilation-project/nanoprobe/core/metrics"
	"github.com/assimilation-project/nanoprobe/core/netaddr"
	"github.com/assimilation-project/nanoprobe/core/netio"
	"github.com/assimilation-project/nanoprobe/core/worker"
	"github.com/assimilation-project/nanoprobe/core/wire/frame"
	"github.com/assimilation-project/nanoprobe/core/wire/frameset"
)

// AckFSType is the reserved frameset type used for bare ACKs: an ACK
// frameset carries exactly one sequence-number frame naming the highest
// request id being acknowledged (spec.md §4.8: "ACKs are generated by the
// application layer... via ack_message").
const AckFSType frameset.Type = 0xFFFF

// ConnState is a connection's position in the state machine described by
// spec.md §4.8.
type ConnState int

const (
	Idle ConnState = iota
	Active
	Closing
	Closed
)

var (
	// ErrLinkShuttingDown is returned by Send on a connection that is
	// Closing or Closed (spec.md §4.8).
	ErrLinkShuttingDown = errors.New("fsprotocol: link shutting down")
)

// connKey identifies one FsQueue: a peer address plus a queue id.
type connKey struct {
	addr string
	qid  uint16
}

// connection is one (peer, queue-id) pair's protocol state.
type connection struct {
	dest  netaddr.NetAddr
	qid   uint16
	state ConnState

	out *fsqueue.Queue
	in  *fsqueue.Queue

	lastAckSent frame.SeqNo
	nextRexmit  time.Time
}

// EnvelopeFunc produces the signing/compression/encryption configuration used
// for outgoing framesets to a given destination. Implementations typically
// close over a core/keystore.Store.
type EnvelopeFunc func(dest netaddr.NetAddr) frameset.Envelope

// Protocol is one FsProtocol instance, owning one NetIO.
type Protocol struct {
	mu          sync.Mutex
	conns       map[connKey]*connection
	windowSize  int
	rexmitEvery time.Duration
	maxQueueLen int

	net      *netio.NetIO
	envelope EnvelopeFunc
	metrics  *metrics.Collector
	log      *log.Logger

	// Deliver is called for every application frameset that becomes ready
	// to read, in queue order (spec.md §4.8 read path). It runs on the
	// receive-loop goroutine; implementations should not block.
	Deliver func(src netaddr.NetAddr, qid uint16, fs *frameset.FrameSet)

	worker.Worker
}

// Config bundles Protocol's tunables (spec.md §4.8: window_size,
// rexmit_interval; §4.7: per-queue max_len).
type Config struct {
	WindowSize      int
	RexmitInterval  time.Duration
	MaxQueueLen     int
}

// New creates a Protocol atop an already-bound NetIO.
func New(n *netio.NetIO, env EnvelopeFunc, cfg Config, m *metrics.Collector, logger *log.Logger) *Protocol {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 8
	}
	if cfg.RexmitInterval <= 0 {
		cfg.RexmitInterval = 2 * time.Second
	}
	if cfg.MaxQueueLen <= 0 {
		cfg.MaxQueueLen = 256
	}
	return &Protocol{
		conns:       make(map[connKey]*connection),
		windowSize:  cfg.WindowSize,
		rexmitEvery: cfg.RexmitInterval,
		maxQueueLen: cfg.MaxQueueLen,
		net:         n,
		envelope:    env,
		metrics:     m,
		log:         logger,
	}
}

func key(dest netaddr.NetAddr, qid uint16) connKey {
	return connKey{addr: dest.Key(), qid: qid}
}

// connFor returns (creating if necessary) the connection for dest/qid.
func (p *Protocol) connFor(dest netaddr.NetAddr, qid uint16) *connection {
	k := key(dest, qid)
	c, ok := p.conns[k]
	if !ok {
		c = &connection{
			dest:  dest,
			qid:   qid,
			state: Idle,
			out:   fsqueue.New(qid, p.maxQueueLen),
			in:    fsqueue.New(qid, p.maxQueueLen),
		}
		p.conns[k] = c
	}
	return c
}

// Send implements the send path (spec.md §4.8): enqueue every frameset
// (all-or-nothing against queue capacity) and kick the transmit scheduler.
func (p *Protocol) Send(dest netaddr.NetAddr, qid uint16, sets []*frameset.FrameSet) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.connFor(dest, qid)
	if c.state == Closing || c.state == Closed {
		return ErrLinkShuttingDown
	}
	if c.out.MaxLen > 0 && c.out.Len()+len(sets) > c.out.MaxLen {
		if p.metrics != nil {
			p.metrics.QueueFull.Inc()
		}
		return fsqueue.ErrQueueFull
	}
	for _, fs := range sets {
		if err := c.out.Enqueue(fs); err != nil {
			return err
		}
	}
	if c.state == Idle {
		c.state = Active
	}
	p.tryXmit(c)
	return nil
}

// SendUnsequenced transmits fs immediately without going through the
// outbound queue's sequencing (used for out-of-band framesets such as
// heartbeats, spec.md §4.7 "unsequenced framesets").
func (p *Protocol) SendUnsequenced(dest netaddr.NetAddr, fs *frameset.FrameSet) error {
	return p.net.Send(dest, fs, p.envelope(dest))
}

// tryXmit implements the transmit scheduler (spec.md §4.8 try_xmit):
// transmit up to window_size framesets starting from the queue head. It is
// invoked after every enqueue, after every ACK, and on each retransmission
// tick (spec.md §4.8), so the same window naturally both advances past
// newly-freed capacity and re-sends whatever is still sitting unacked at
// the head. Caller must hold p.mu.
func (p *Protocol) tryXmit(c *connection) {
	pending := c.out.PendingFrom(0)
	sent := 0
	for _, fs := range pending {
		if sent >= p.windowSize {
			break
		}
		if err := p.net.Send(c.dest, fs, p.envelope(c.dest)); err != nil {
			if p.log != nil {
				p.log.Warn("fsprotocol: send failed", "dest", c.dest.String(), "err", err)
			}
			return
		}
		sent++
	}
	if c.out.Len() > 0 {
		c.nextRexmit = time.Now().Add(p.rexmitEvery)
	}
}

// retransmitTick walks every connection with outstanding output and
// re-runs tryXmit once rexmit_interval has elapsed since its last window
// (spec.md §4.8 "Retransmission timer").
func (p *Protocol) retransmitTick() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for _, c := range p.conns {
		if c.out.Len() == 0 || now.Before(c.nextRexmit) {
			continue
		}
		p.tryXmit(c)
		if p.metrics != nil {
			p.metrics.Retransmits.Inc()
		}
	}
}

// Receive implements the receive path (spec.md §4.8): routes an ACK
// frameset to AckThrough on the outbound queue, or a data frameset through
// InboundInsert on the inbound queue, replaying the last ACK on a
// not-queued (already-delivered) result.
func (p *Protocol) Receive(src netaddr.NetAddr, qid uint16, fs *frameset.FrameSet) {
	p.mu.Lock()
	c := p.connFor(src, qid)
	if c.state == Idle {
		c.state = Active
	}

	if fs.FSType == AckFSType {
		seq, ok := fs.SeqNo()
		if ok {
			if err := c.out.AckThrough(seq); err == nil {
				p.tryXmit(c)
			}
		}
		if c.state == Closing && c.out.Len() == 0 {
			c.state = Closed
		}
		p.mu.Unlock()
		return
	}

	seq, hasSeq := fs.SeqNo()
	var seqPtr *frame.SeqNo
	if hasSeq {
		seqPtr = &seq
	}
	result := c.in.InboundInsert(seqPtr, fs)
	switch result {
	case fsqueue.AlreadyDelivered:
		ack := c.lastAckSent
		p.mu.Unlock()
		p.sendAck(src, qid, ack)
		return
	case fsqueue.Queued:
		p.drainReady(c)
	}
	p.mu.Unlock()
}

// drainReady delivers every now-ready frameset on c's inbound queue via
// Deliver, in order (spec.md §4.8 read path). Caller must hold p.mu.
func (p *Protocol) drainReady(c *connection) {
	for {
		fs, ok := c.in.DequeueReady()
		if !ok {
			return
		}
		if p.Deliver != nil {
			p.Deliver(c.dest, c.qid, fs)
		}
	}
}

// Ack implements ack_message: the application layer acknowledges fs after
// processing it (spec.md §4.8 "ACK policy").
func (p *Protocol) Ack(dest netaddr.NetAddr, qid uint16, fs *frameset.FrameSet) {
	seq, ok := fs.SeqNo()
	if !ok {
		return
	}
	p.mu.Lock()
	c := p.connFor(dest, qid)
	if seq.RequestID > c.lastAckSent.RequestID || c.lastAckSent == (frame.SeqNo{}) {
		c.lastAckSent = seq
	}
	p.mu.Unlock()
	p.sendAck(dest, qid, seq)
}

func (p *Protocol) sendAck(dest netaddr.NetAddr, qid uint16, seq frame.SeqNo) {
	ack := frameset.New(AckFSType)
	ack.Append(frame.NewSeqno(seq))
	_ = p.net.Send(dest, ack, p.envelope(dest))
}

// Close transitions a connection to Closing; once its outbound queue
// drains it moves to Closed (spec.md §4.8 state machine). New sends after
// this point fail with ErrLinkShuttingDown.
func (p *Protocol) Close(dest netaddr.NetAddr, qid uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.connFor(dest, qid)
	c.state = Closing
	if c.out.Len() == 0 {
		c.state = Closed
	}
}

// State returns the current state of a connection (Idle if it does not
// yet exist).
func (p *Protocol) State(dest netaddr.NetAddr, qid uint16) ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[key(dest, qid)]
	if !ok {
		return Idle
	}
	return c.state
}

// Run starts the receive loop and the retransmission ticker, both on
// core/worker.Worker goroutines, stopping when Halt is called.
func (p *Protocol) Run() {
	p.Worker.Go(func() {
		ticker := time.NewTicker(p.rexmitEvery)
		defer ticker.Stop()
		for {
			select {
			case <-p.Worker.HaltCh():
				return
			case <-ticker.C:
				p.retransmitTick()
			}
		}
	})
	p.Worker.Go(func() {
		for {
			select {
			case <-p.Worker.HaltCh():
				return
			default:
			}
			pkt, err := p.net.Recv()
			if err != nil {
				if p.log != nil {
					p.log.Warn("fsprotocol: recv failed", "err", err)
				}
				return
			}
			for _, fs := range pkt.Sets {
				p.routeInbound(pkt.Source, fs)
			}
		}
	})
}

// routeInbound extracts the queue id from the frameset's sequence frame
// (0 for unsequenced framesets, which all share the default queue) and
// hands off to Receive.
func (p *Protocol) routeInbound(src netaddr.NetAddr, fs *frameset.FrameSet) {
	qid := uint16(0)
	if seq, ok := fs.SeqNo(); ok {
		qid = seq.QueueID
	}
	p.Receive(src, qid, fs)
}
