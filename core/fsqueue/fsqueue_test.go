// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

package fsqueue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/assimilation-project/nanoprobe/core/wire/frame"
	"github.com/assimilation-project/nanoprobe/core/wire/frameset"
)

func newFS(payload string) *frameset.FrameSet {
	fs := frameset.New(1)
	fs.Append(frame.NewCString(payload))
	return fs
}

func TestOutboundEnqueueAssignsAscendingSeqno(t *testing.T) {
	q := New(0, 4)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(newFS("x")))
	}
	var last uint64
	for i, fs := range q.PendingFrom(0) {
		seq, ok := fs.SeqNo()
		require.True(t, ok, "item %d missing seqno", i)
		require.Greater(t, seq.RequestID, last)
		last = seq.RequestID
	}
}

func TestOutboundQueueFull(t *testing.T) {
	q := New(0, 2)
	require.NoError(t, q.Enqueue(newFS("a")))
	require.NoError(t, q.Enqueue(newFS("b")))
	require.ErrorIs(t, q.Enqueue(newFS("c")), ErrQueueFull)
}

func TestAckThroughDropsAcked(t *testing.T) {
	q := New(0, 10)
	require.NoError(t, q.Enqueue(newFS("a")))
	require.NoError(t, q.Enqueue(newFS("b")))
	require.NoError(t, q.Enqueue(newFS("c")))

	require.NoError(t, q.AckThrough(frame.SeqNo{RequestID: 2}))
	require.Equal(t, 1, q.Len())

	// Idempotent.
	require.NoError(t, q.AckThrough(frame.SeqNo{RequestID: 2}))
	require.Equal(t, 1, q.Len())
}

func TestInboundFirstMessageAdoptsSession(t *testing.T) {
	q := New(0, 10)
	seq := frame.SeqNo{SessionID: 5, RequestID: 1, QueueID: 0}
	require.Equal(t, Queued, q.InboundInsert(&seq, newFS("hello")))

	got, haveSession := q.SessionID()
	require.True(t, haveSession)
	require.Equal(t, uint32(5), got)
}

func TestInboundOutOfOrderThenInOrderDelivery(t *testing.T) {
	q := New(0, 10)
	q.InboundInsert(&frame.SeqNo{SessionID: 1, RequestID: 1, QueueID: 0}, newFS("one"))
	q.InboundInsert(&frame.SeqNo{SessionID: 1, RequestID: 3, QueueID: 0}, newFS("three"))
	q.InboundInsert(&frame.SeqNo{SessionID: 1, RequestID: 2, QueueID: 0}, newFS("two"))

	var order []string
	for {
		fs, ok := q.DequeueReady()
		if !ok {
			break
		}
		for _, f := range fs.Frames {
			if cs, ok := f.(*frame.CStringFrame); ok {
				order = append(order, cs.Value)
			}
		}
	}
	require.Equal(t, []string{"one", "two", "three"}, order)
}

func TestInboundDuplicateAndAlreadyDelivered(t *testing.T) {
	q := New(0, 10)
	seq1 := frame.SeqNo{SessionID: 1, RequestID: 1, QueueID: 0}
	q.InboundInsert(&seq1, newFS("one"))
	q.DequeueReady()

	require.Equal(t, AlreadyDelivered, q.InboundInsert(&seq1, newFS("one-again")))

	seq2 := frame.SeqNo{SessionID: 1, RequestID: 2, QueueID: 0}
	q.InboundInsert(&seq2, newFS("two"))
	require.Equal(t, Duplicate, q.InboundInsert(&seq2, newFS("two-dup")))
}

func TestInboundSessionResetAndRejection(t *testing.T) {
	q := New(0, 10)
	q.InboundInsert(&frame.SeqNo{SessionID: 5, RequestID: 1, QueueID: 0}, newFS("a"))

	require.Equal(t, Rejected, q.InboundInsert(&frame.SeqNo{SessionID: 3, RequestID: 1, QueueID: 0}, newFS("old")))
	require.Equal(t, Queued, q.InboundInsert(&frame.SeqNo{SessionID: 9, RequestID: 1, QueueID: 0}, newFS("reset")))

	got, _ := q.SessionID()
	require.Equal(t, uint32(9), got)
	// A session-id bump updates the session id and next_seqno but does not
	// flush what's already queued (original _fsqueue_inqsorted semantics).
	require.Equal(t, 2, q.Len())
}

func TestUnsequencedPushedToHead(t *testing.T) {
	q := New(0, 10)
	q.InboundInsert(&frame.SeqNo{SessionID: 1, RequestID: 2, QueueID: 0}, newFS("queued"))
	q.InboundInsert(nil, newFS("heartbeat"))

	fs, ok := q.DequeueReady()
	require.True(t, ok, "expected unsequenced frameset ready immediately")

	var payload string
	for _, f := range fs.Frames {
		if cs, ok := f.(*frame.CStringFrame); ok {
			payload = cs.Value
		}
	}
	require.Equal(t, "heartbeat", payload)
}
