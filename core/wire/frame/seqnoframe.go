// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

package frame

import "github.com/assimilation-project/nanoprobe/core/tlv"

// SeqNo is the (session_id, request_id, queue_id) triple spec.md §3
// defines. Comparison for ordering is lexicographic on
// (session_id, request_id); equality for dedup additionally requires
// matching queue_id.
type SeqNo struct {
	SessionID uint32
	RequestID uint64
	QueueID   uint16
}

// Less reports whether s orders strictly before o by (session_id,
// request_id), per spec.md §3. Wraparound of request_id (spec.md §9 open
// question) is deliberately not special-cased: the spec treats the 64-bit
// counter as practically infinite. core/fsqueue compares request ids
// directly rather than through Less, so the same assumption is also made
// there.
func (s SeqNo) Less(o SeqNo) bool {
	if s.SessionID != o.SessionID {
		return s.SessionID < o.SessionID
	}
	return s.RequestID < o.RequestID
}

// EqualForDedup reports whether s and o refer to the same message for
// duplicate-suppression purposes (spec.md §3: session_id, queue_id, and
// request_id all match).
func (s SeqNo) EqualForDedup(o SeqNo) bool {
	return s.SessionID == o.SessionID && s.QueueID == o.QueueID && s.RequestID == o.RequestID
}

// SeqnoFrame is the REQID frame (spec.md §6): session_id:u32 ||
// request_id:u64 || queue_id:u16 (14 bytes).
type SeqnoFrame struct {
	Seq SeqNo
}

func NewSeqno(s SeqNo) *SeqnoFrame { return &SeqnoFrame{Seq: s} }

func (f *SeqnoFrame) Type() Type      { return FTSeqno }
func (f *SeqnoFrame) ValueLen() int   { return 4 + 8 + 2 }
func (f *SeqnoFrame) WireLen() int    { return HeaderLen + f.ValueLen() }
func (f *SeqnoFrame) Equal(o Frame) bool { return wireLenEqual(f, o) }

func (f *SeqnoFrame) Encode() []byte {
	buf := make([]byte, f.WireLen())
	copy(buf, encodeHeader(FTSeqno, f.ValueLen()))
	val := buf[HeaderLen:]
	_ = tlv.PutU32(val, 0, f.Seq.SessionID)
	_ = tlv.PutU64(val, 4, f.Seq.RequestID)
	_ = tlv.PutU16(val, 12, f.Seq.QueueID)
	return buf
}

func decodeSeqno(val []byte) (*SeqnoFrame, error) {
	if len(val) != 14 {
		return nil, &ErrInvalidFrame{Type: FTSeqno, Reason: "wrong length, want 14"}
	}
	sid, err := tlv.GetU32(val, 0)
	if err != nil {
		return nil, err
	}
	rid, err := tlv.GetU64(val, 4)
	if err != nil {
		return nil, err
	}
	qid, err := tlv.GetU16(val, 12)
	if err != nil {
		return nil, err
	}
	return &SeqnoFrame{Seq: SeqNo{SessionID: sid, RequestID: rid, QueueID: qid}}, nil
}
