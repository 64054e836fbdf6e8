// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package fsqueue implements FsQueue (spec.md §4.7, component C8): a
// per-(peer, queue-id) ordered queue of FrameSets, used in both an
// outbound mode (assigns sequence numbers) and an inbound mode (sorts,
// dedups, and detects session resets).
package fsqueue

import (
	"errors"
	"sort"

	"github.com/assimilation-project/nanoprobe/core/wire/frame"
	"github.com/assimilation-project/nanoprobe/core/wire/frameset"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue has reached its
	// configured maximum length (spec.md §4.7).
	ErrQueueFull = errors.New("fsqueue: queue full")
	// ErrWrongSession is returned by AckThrough on a session-id mismatch
	// (spec.md §4.7).
	ErrWrongSession = errors.New("fsqueue: wrong session id")
)

// InboundResult reports the outcome of InboundInsert, driving FsProtocol's
// duplicate-ACK recovery (spec.md §4.8).
type InboundResult int

const (
	// Queued means the frameset was newly inserted (or, for an
	// unsequenced frameset, pushed to the head).
	Queued InboundResult = iota
	// AlreadyDelivered means the incoming request id was below
	// next_seqno: the caller should re-send its last ACK.
	AlreadyDelivered
	// Duplicate means the exact sequence number is already queued
	// (not yet delivered); silently ignored.
	Duplicate
	// Rejected means the incoming session id was older than ours
	// (replay of a stale session).
	Rejected
)

// entry pairs a queued frameset with its sequence number, or nil if the
// frameset was unsequenced.
type entry struct {
	seq *frame.SeqNo
	fs  *frameset.FrameSet
}

// Queue is one FsQueue: either outbound (assigns next_seqno on Enqueue) or
// inbound (sorts and dedups on InboundInsert). A given Queue instance is
// used in only one of those two roles, mirroring spec.md §4.7's outbound
// vs. inbound split.
type Queue struct {
	MaxLen int

	sessionID   uint32
	haveSession bool
	nextSeqno   uint64 // next request_id to assign (outbound) or expect (inbound)
	queueID     uint16

	items []entry
}

// New creates a Queue for the given queue id. maxLen bounds the number of
// framesets it will hold before Enqueue starts failing with ErrQueueFull.
func New(queueID uint16, maxLen int) *Queue {
	return &Queue{queueID: queueID, MaxLen: maxLen, nextSeqno: 1}
}

// Len returns the number of queued framesets.
func (q *Queue) Len() int { return len(q.items) }

// SessionID returns the queue's adopted session id and whether one has
// been established yet.
func (q *Queue) SessionID() (uint32, bool) { return q.sessionID, q.haveSession }

// SetSessionID forces the queue's session id. Nothing in this module calls
// it: queues created by core/fsprotocol keep session id 0, and the state
// persisted by core/statestore is not applied to them.
func (q *Queue) SetSessionID(id uint32) {
	q.sessionID = id
	q.haveSession = true
}

// Enqueue implements the outbound enq operation: assigns next_seqno,
// prepends a sequence-number frame, and appends to the tail.
func (q *Queue) Enqueue(fs *frameset.FrameSet) error {
	if q.MaxLen > 0 && len(q.items) >= q.MaxLen {
		return ErrQueueFull
	}
	seq := frame.SeqNo{SessionID: q.sessionID, RequestID: q.nextSeqno, QueueID: q.queueID}
	q.nextSeqno++
	fs.Frames = append([]frame.Frame{frame.NewSeqno(seq)}, fs.Frames...)
	q.items = append(q.items, entry{seq: &seq, fs: fs})
	return nil
}

// Head returns the queue's first entry without removing it, or nil if
// empty.
func (q *Queue) Head() *frameset.FrameSet {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0].fs
}

// PendingFrom returns every queued frameset whose sequence number is
// strictly greater than afterRequestID, in order — used by the transmit
// scheduler to find work not yet sent (spec.md §4.8 try_xmit).
func (q *Queue) PendingFrom(afterRequestID uint64) []*frameset.FrameSet {
	var out []*frameset.FrameSet
	for _, e := range q.items {
		if e.seq == nil || e.seq.RequestID > afterRequestID {
			out = append(out, e.fs)
		}
	}
	return out
}

// AckThrough drops every queued frameset with request_id <= seq.RequestID
// (spec.md §4.7 ack_through), failing if the session id doesn't match.
func (q *Queue) AckThrough(seq frame.SeqNo) error {
	if q.haveSession && seq.SessionID != q.sessionID {
		return ErrWrongSession
	}
	kept := q.items[:0]
	for _, e := range q.items {
		if e.seq != nil && e.seq.RequestID <= seq.RequestID {
			continue
		}
		kept = append(kept, e)
	}
	q.items = kept
	return nil
}

// InboundInsert implements inq_sorted (spec.md §4.7): looks at seq (nil for
// an unsequenced frameset) and inserts fs accordingly, reporting what
// happened via InboundResult.
func (q *Queue) InboundInsert(seq *frame.SeqNo, fs *frameset.FrameSet) InboundResult {
	if seq == nil {
		// Out-of-band frameset (e.g. a heartbeat): push to head unconditionally.
		q.items = append([]entry{{fs: fs}}, q.items...)
		return Queued
	}

	if !q.haveSession {
		q.haveSession = true
		q.sessionID = seq.SessionID
		if seq.RequestID > 2 {
			q.nextSeqno = seq.RequestID
		}
	} else if seq.SessionID < q.sessionID {
		return Rejected
	} else if seq.SessionID > q.sessionID {
		q.sessionID = seq.SessionID
		q.nextSeqno = 1
	}

	if seq.RequestID < q.nextSeqno {
		return AlreadyDelivered
	}

	idx := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].seq == nil || q.items[i].seq.RequestID >= seq.RequestID
	})
	for i := idx; i < len(q.items) && q.items[i].seq != nil && q.items[i].seq.RequestID == seq.RequestID; i++ {
		if q.items[i].seq.EqualForDedup(*seq) {
			return Duplicate
		}
	}
	s := *seq
	ins := entry{seq: &s, fs: fs}
	q.items = append(q.items, entry{})
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = ins
	return Queued
}

// DequeueReady removes and returns the head frameset if and only if its
// sequence number equals next_expected (or it is unsequenced), advancing
// next_expected (spec.md §4.8 read path). ok is false if nothing is ready.
func (q *Queue) DequeueReady() (fs *frameset.FrameSet, ok bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	head := q.items[0]
	if head.seq != nil && head.seq.RequestID != q.nextSeqno {
		return nil, false
	}
	q.items = q.items[1:]
	if head.seq != nil {
		q.nextSeqno++
	}
	return head.fs, true
}
